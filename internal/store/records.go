package store

import (
	"encoding/json"
	"time"

	"github.com/book-expert/voice-reply-service/internal/core"
	"gorm.io/datatypes"
)

type personaRecord struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	CreatorID        string `gorm:"index;not null"`
	Name             string `gorm:"not null"`
	Relationship     string
	UserCalledBy     string
	PersonaCalledBy  string
	AvatarURL        string
	VoiceSampleURL   string
	VoiceID          string
	VoiceFilePath    string
	VoiceModelStatus string `gorm:"not null;default:pending"`
	LegalConfirmed   bool   `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (personaRecord) TableName() string { return "personas" }

type conversationRecord struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	UserID    string          `gorm:"not null;uniqueIndex:idx_conversation_pair"`
	PersonaID uint            `gorm:"not null;uniqueIndex:idx_conversation_pair"`
	Messages  []messageRecord `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
}

func (conversationRecord) TableName() string { return "conversations" }

type messageRecord struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID uint   `gorm:"index;not null"`
	Role           string `gorm:"not null"`
	ContentText    *string
	AudioURL       *string
	Analysis       datatypes.JSON
	Status         string `gorm:"index;not null"`
	ReplyToID      *uint  `gorm:"uniqueIndex"`
	// DispatchedAt is set once a user message's run has been scheduled.
	DispatchedAt *time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (messageRecord) TableName() string { return "messages" }

func (r personaRecord) toCore() core.Persona {
	return core.Persona{
		ID:               r.ID,
		CreatorID:        r.CreatorID,
		Name:             r.Name,
		Relationship:     r.Relationship,
		UserCalledBy:     r.UserCalledBy,
		PersonaCalledBy:  r.PersonaCalledBy,
		AvatarURL:        r.AvatarURL,
		VoiceSampleURL:   r.VoiceSampleURL,
		VoiceID:          r.VoiceID,
		VoiceFilePath:    r.VoiceFilePath,
		VoiceModelStatus: core.VoiceModelStatus(r.VoiceModelStatus),
		LegalConfirmed:   r.LegalConfirmed,
		CreatedAt:        r.CreatedAt,
	}
}

func personaFromCore(p core.Persona) personaRecord {
	status := p.VoiceModelStatus
	if status == "" {
		status = core.VoicePending
	}

	return personaRecord{
		CreatorID:        p.CreatorID,
		Name:             p.Name,
		Relationship:     p.Relationship,
		UserCalledBy:     p.UserCalledBy,
		PersonaCalledBy:  p.PersonaCalledBy,
		AvatarURL:        p.AvatarURL,
		VoiceSampleURL:   p.VoiceSampleURL,
		VoiceID:          p.VoiceID,
		VoiceFilePath:    p.VoiceFilePath,
		VoiceModelStatus: string(status),
		LegalConfirmed:   p.LegalConfirmed,
	}
}

func (r conversationRecord) toCore() core.Conversation {
	return core.Conversation{
		ID:        r.ID,
		UserID:    r.UserID,
		PersonaID: r.PersonaID,
		CreatedAt: r.CreatedAt,
	}
}

func (r messageRecord) toCore() (core.Message, error) {
	msg := core.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           core.Role(r.Role),
		ContentText:    r.ContentText,
		AudioURL:       r.AudioURL,
		Status:         core.MessageStatus(r.Status),
		ReplyToID:      r.ReplyToID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}

	if len(r.Analysis) > 0 {
		var analysis core.Analysis

		unmarshalErr := json.Unmarshal(r.Analysis, &analysis)
		if unmarshalErr != nil {
			return core.Message{}, unmarshalErr
		}

		msg.Analysis = &analysis
	}

	return msg, nil
}

func messageFromCore(msg core.Message) (messageRecord, error) {
	record := messageRecord{
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		ContentText:    msg.ContentText,
		AudioURL:       msg.AudioURL,
		Status:         string(msg.Status),
		ReplyToID:      msg.ReplyToID,
	}

	if msg.Analysis != nil {
		raw, marshalErr := json.Marshal(msg.Analysis)
		if marshalErr != nil {
			return messageRecord{}, marshalErr
		}

		record.Analysis = datatypes.JSON(raw)
	}

	return record, nil
}
