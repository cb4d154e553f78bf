package pipeline

import "time"

// Outcome is how a run ended.
type Outcome string

const (
	// OutcomeCompleted means the reply was synthesized and stored.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the reply text was stored but synthesis failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped means the user message already had a terminal reply.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeAborted means the run stopped before a terminal reply existed.
	OutcomeAborted Outcome = "aborted"
)

// Report summarises one run for an Observer.
type Report struct {
	ConversationID uint
	UserMessageID  uint
	AssistantID    uint
	Outcome        Outcome
	Degraded       bool
	Resumed        bool
	Elapsed        time.Duration
	// Err is set for aborted runs and synthesis failures.
	Err *RunError
}

// Observer receives run telemetry. Implementations must be safe for concurrent use.
type Observer interface {
	StageFinished(stage Stage, elapsed time.Duration)
	RunFinished(report Report)
}

type noopObserver struct{}

func (noopObserver) StageFinished(Stage, time.Duration) {}
func (noopObserver) RunFinished(Report)                 {}
