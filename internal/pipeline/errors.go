package pipeline

import (
	"errors"
	"fmt"
)

// Stage names the part of a run that produced an error or a timing sample.
type Stage string

const (
	StageContext       Stage = "context"
	StageTranscription Stage = "transcription"
	StageGeneration    Stage = "generation"
	StagePersist       Stage = "persist"
	StageSynthesis     Stage = "synthesis"
	StagePanic         Stage = "panic"
)

var (
	// ErrSynthesisFailed marks a run whose reply ended with status failed.
	ErrSynthesisFailed = errors.New("speech synthesis failed")
	// ErrPanic wraps a value recovered from a panicking run.
	ErrPanic = errors.New("pipeline run panicked")
	// ErrJobMismatch is returned when a job's ids do not describe one user turn.
	ErrJobMismatch = errors.New("job does not match stored messages")
	// ErrNoAudio is returned when the user message has neither text nor audio.
	ErrNoAudio = errors.New("user message has no audio to transcribe")
	// ErrMissingDependency is returned by New for a nil collaborator.
	ErrMissingDependency = errors.New("pipeline dependency is nil")
)

// RunError is the typed result of a run that did not complete normally.
type RunError struct {
	Stage Stage
	// MessageID is the assistant message when one exists, else the user message.
	MessageID uint
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("pipeline %s stage (message %d): %v", e.Stage, e.MessageID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
