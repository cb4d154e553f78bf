// Package core defines the domain types and the provider, storage and scheduling
// contracts of the voice reply service.
package core

import (
	"context"
	"time"
)

// AudioStore defines the interface for reading and writing audio blobs by key.
type AudioStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// Transcriber turns recorded speech into text.
// Every returned error wraps ErrTranscription.
type Transcriber interface {
	Transcribe(ctx context.Context, clip AudioClip) (string, error)
}

// ReplyGenerator produces an in-character tone/content pair.
// It never fails: remote errors are replaced by a fallback reply.
type ReplyGenerator interface {
	Generate(ctx context.Context, systemPrompt, userText string) Reply
}

// Speaker synthesizes text in a given voice and writes the audio under outputKey.
// When it returns false a placeholder recording has been written under outputKey instead.
type Speaker interface {
	Synthesize(ctx context.Context, text, voiceRef, outputKey string) bool
}

// VoiceCloner registers a voice sample with the synthesis backend and returns
// the voice reference to use for later synthesis.
type VoiceCloner interface {
	CloneVoice(ctx context.Context, sample AudioClip, name string) (string, error)
}

// MessageStore is the persistence boundary consumed by the pipeline.
// Each method is a single atomic operation.
type MessageStore interface {
	LoadConversation(ctx context.Context, id uint) (Conversation, error)
	LoadPersona(ctx context.Context, id uint) (Persona, error)
	LoadMessage(ctx context.Context, id uint) (Message, error)
	FindReply(ctx context.Context, userMessageID uint) (Message, error)
	CreateMessage(ctx context.Context, msg Message) (uint, error)
	UpdateMessage(ctx context.Context, id uint, update MessageUpdate) error
}

// Scheduler hands a pipeline run off for out-of-band execution.
type Scheduler interface {
	Schedule(ctx context.Context, job Job) error
}

// StaleMessageReaper terminates assistant messages left in processing.
type StaleMessageReaper interface {
	FailStaleProcessing(ctx context.Context, updatedBefore time.Time) (int64, error)
}

// DispatchTracker records which user messages have been handed to a Scheduler,
// so messages whose hand-off failed can be scheduled again.
type DispatchTracker interface {
	MarkDispatched(ctx context.Context, id uint) error
	ListUndispatched(ctx context.Context, createdBefore time.Time, limit int) ([]Message, error)
}
