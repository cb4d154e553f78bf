package core

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTranscription wraps every failure of a Transcriber.
	ErrTranscription = errors.New("transcription failed")
	// ErrDuplicateReply indicates an assistant message already answers the user message.
	ErrDuplicateReply = errors.New("assistant reply already exists for user message")
	// ErrInvalidTransition indicates a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid message status transition")
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus drives what the HTTP layer may safely expose.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a message in status s may move to next.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next.IsTerminal()
	case StatusProcessing:
		return next.IsTerminal()
	case StatusCompleted, StatusFailed:
		return false
	default:
		return false
	}
}

// SourcesFor returns every status from which a transition to next is allowed.
func SourcesFor(next MessageStatus) []MessageStatus {
	var sources []MessageStatus

	for _, candidate := range []MessageStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		if candidate.CanTransition(next) {
			sources = append(sources, candidate)
		}
	}

	return sources
}

// VoiceModelStatus tracks the lifecycle of a persona's cloned voice.
type VoiceModelStatus string

const (
	VoicePending    VoiceModelStatus = "pending"
	VoiceProcessing VoiceModelStatus = "processing"
	VoiceReady      VoiceModelStatus = "ready"
	VoiceFailed     VoiceModelStatus = "failed"
)

// Persona is a synthetic identity with a relational profile and a cloned voice.
type Persona struct {
	ID               uint             `json:"id"`
	CreatorID        string           `json:"creator_id"`
	Name             string           `json:"name"`
	Relationship     string           `json:"relationship"`
	UserCalledBy     string           `json:"user_called_by"`
	PersonaCalledBy  string           `json:"persona_called_by"`
	AvatarURL        string           `json:"avatar_url,omitempty"`
	VoiceSampleURL   string           `json:"voice_sample_url,omitempty"`
	VoiceID          string           `json:"voice_id,omitempty"`
	VoiceFilePath    string           `json:"voice_file_path,omitempty"`
	VoiceModelStatus VoiceModelStatus `json:"voice_model_status"`
	LegalConfirmed   bool             `json:"legal_confirmed"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Conversation pairs one user with one persona.
type Conversation struct {
	ID        uint      `json:"id"`
	UserID    string    `json:"user_id"`
	PersonaID uint      `json:"persona_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Analysis is the structured metadata attached to assistant messages.
type Analysis struct {
	Tone string `json:"tone"`
	// Degraded is set when the reply is the generator's fallback value.
	Degraded bool `json:"degraded,omitempty"`
}

// Message is one turn in a conversation.
type Message struct {
	ID             uint          `json:"id"`
	ConversationID uint          `json:"conversation_id"`
	Role           Role          `json:"role"`
	ContentText    *string       `json:"content_text"`
	AudioURL       *string       `json:"audio_url"`
	Analysis       *Analysis     `json:"analysis,omitempty"`
	Status         MessageStatus `json:"status"`
	ReplyToID      *uint         `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// MessageUpdate lists the mutable fields of a message; nil fields are left untouched.
type MessageUpdate struct {
	ContentText *string
	AudioURL    *string
	Status      *MessageStatus
}

// PersonaVoiceUpdate lists the voice fields of a persona; nil fields are left untouched.
type PersonaVoiceUpdate struct {
	VoiceSampleURL *string
	VoiceID        *string
	VoiceFilePath  *string
	Status         *VoiceModelStatus
}

// Reply is the tone/content pair produced by a ReplyGenerator.
type Reply struct {
	Tone     string
	Content  string
	Degraded bool
}

// AudioClip is a named blob of audio bytes.
type AudioClip struct {
	Key  string
	Data []byte
}

// Job identifies one pipeline run.
type Job struct {
	ConversationID uint   `json:"conversation_id"`
	UserMessageID  uint   `json:"user_message_id"`
	AudioKey       string `json:"audio_key"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
