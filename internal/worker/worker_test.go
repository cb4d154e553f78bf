package worker_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

// recordingRunner records jobs and tracks the peak number of concurrent runs.
type recordingRunner struct {
	mu      sync.Mutex
	jobs    []core.Job
	results []error
	delay   time.Duration
	active  atomic.Int32
	peak    atomic.Int32
	done    chan core.Job
}

func newRecordingRunner(buffer int) *recordingRunner {
	return &recordingRunner{done: make(chan core.Job, buffer)}
}

func (r *recordingRunner) Run(_ context.Context, job core.Job) error {
	current := r.active.Add(1)
	defer r.active.Add(-1)

	for {
		peak := r.peak.Load()
		if current <= peak || r.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	time.Sleep(r.delay)

	r.mu.Lock()
	r.jobs = append(r.jobs, job)

	var result error
	if len(r.results) > 0 {
		result = r.results[0]
		r.results = r.results[1:]
	}
	r.mu.Unlock()

	r.done <- job

	return result
}

func (r *recordingRunner) wait(t *testing.T, n int) []core.Job {
	t.Helper()

	jobs := make([]core.Job, 0, n)

	for range n {
		select {
		case job := <-r.done:
			jobs = append(jobs, job)
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out after %d of %d runs", len(jobs), n)
		}
	}

	return jobs
}

func TestInlineScheduler_RunsEveryJobWithinPoolBound(t *testing.T) {
	t.Parallel()

	runner := newRecordingRunner(10)
	runner.delay = 20 * time.Millisecond
	scheduler := worker.NewInlineScheduler(context.Background(), runner, 2, newTestLogger(t))

	for i := uint(1); i <= 6; i++ {
		require.NoError(t, scheduler.Schedule(context.Background(), core.Job{ConversationID: 1, UserMessageID: i}))
	}

	jobs := runner.wait(t, 6)
	assert.Len(t, jobs, 6)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))

	require.NoError(t, scheduler.Close(context.Background()))
}

func TestInlineScheduler_CallerCancellationDoesNotStopRun(t *testing.T) {
	t.Parallel()

	baseCtx, cancel := context.WithCancel(context.Background())
	runner := newRecordingRunner(1)
	scheduler := worker.NewInlineScheduler(baseCtx, runner, 1, newTestLogger(t))

	requestCtx, requestCancel := context.WithCancel(context.Background())
	require.NoError(t, scheduler.Schedule(requestCtx, core.Job{UserMessageID: 7}))
	requestCancel()
	cancel()

	jobs := runner.wait(t, 1)
	assert.Equal(t, uint(7), jobs[0].UserMessageID)
}

func TestInlineScheduler_CloseRejectsNewJobs(t *testing.T) {
	t.Parallel()

	runner := newRecordingRunner(1)
	scheduler := worker.NewInlineScheduler(context.Background(), runner, 1, newTestLogger(t))

	require.NoError(t, scheduler.Close(context.Background()))
	require.ErrorIs(t, scheduler.Schedule(context.Background(), core.Job{UserMessageID: 1}), worker.ErrSchedulerClosed)
}

func TestInlineScheduler_CloseHonoursDeadline(t *testing.T) {
	t.Parallel()

	runner := newRecordingRunner(1)
	runner.delay = 500 * time.Millisecond
	scheduler := worker.NewInlineScheduler(context.Background(), runner, 1, newTestLogger(t))

	require.NoError(t, scheduler.Schedule(context.Background(), core.Job{UserMessageID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, scheduler.Close(ctx), context.DeadlineExceeded)
	runner.wait(t, 1)
}
