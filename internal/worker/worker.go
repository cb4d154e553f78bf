// Package worker dispatches pipeline runs, either on a bounded in-process pool
// or through a durable NATS JetStream work queue.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
)

// ErrSchedulerClosed is returned by Schedule after Close.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Runner executes one pipeline run. *pipeline.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, job core.Job) error
}

// InlineScheduler runs jobs on goroutines in this process, at most workers at a time.
// Jobs scheduled before a crash are lost; the stale-run reaper fails their replies.
type InlineScheduler struct {
	runner     Runner
	workerPool chan struct{}
	baseCtx    context.Context
	log        *logger.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewInlineScheduler creates a scheduler whose runs inherit baseCtx values but
// not its cancellation, so in-flight runs finish during shutdown.
func NewInlineScheduler(baseCtx context.Context, runner Runner, workers int, log *logger.Logger) *InlineScheduler {
	if workers <= 0 {
		workers = 1
	}

	return &InlineScheduler{
		runner:     runner,
		workerPool: make(chan struct{}, workers),
		baseCtx:    context.WithoutCancel(baseCtx),
		log:        log,
	}
}

// Schedule starts the run in the background and returns immediately.
func (s *InlineScheduler) Schedule(_ context.Context, job core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.workerPool <- struct{}{}
		defer func() { <-s.workerPool }()

		runErr := s.runner.Run(s.baseCtx, job)
		if runErr != nil {
			s.log.Warn("Inline run for message %d finished with error: %v", job.UserMessageID, runErr)
		}
	}()

	return nil
}

// Close rejects new jobs and waits for scheduled ones, or for ctx to end.
func (s *InlineScheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
