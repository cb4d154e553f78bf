package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/pipeline"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	retryDelay     = 5 * time.Second
	minAckProgress = time.Second
)

// ErrInvalidJob is logged for queue messages that cannot be decoded.
var ErrInvalidJob = errors.New("invalid job event")

// ConsumerConfig describes the durable pull consumer.
type ConsumerConfig struct {
	Stream     string
	Subject    string
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
	Workers    int
}

// Consumer pulls queued jobs and runs them with bounded concurrency.
type Consumer struct {
	consumer   jetstream.Consumer
	runner     Runner
	workerPool chan struct{}
	ackWait    time.Duration
	log        *logger.Logger
	wg         sync.WaitGroup

	mu       sync.Mutex
	stopping bool
	done     <-chan struct{}
}

// NewConsumer creates or updates the durable consumer on cfg.Stream.
func NewConsumer(
	ctx context.Context,
	js jetstream.JetStream,
	cfg ConsumerConfig,
	runner Runner,
	log *logger.Logger,
) (*Consumer, error) {
	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s on %s: %w", cfg.Durable, cfg.Stream, err)
	}

	return &Consumer{
		consumer:   consumer,
		runner:     runner,
		workerPool: make(chan struct{}, max(cfg.Workers, 1)),
		ackWait:    cfg.AckWait,
		log:        log,
	}, nil
}

// Run consumes until ctx is cancelled, then waits for in-flight runs.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	c.done = ctx.Done()
	c.mu.Unlock()

	consumeCtx, err := c.consumer.Consume(c.handleMessage, jetstream.PullMaxMessages(cap(c.workerPool)))
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	<-ctx.Done()

	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()

	consumeCtx.Stop()
	c.wg.Wait()

	return nil
}

// handleMessage blocks while the pool is full so the pull consumer applies backpressure.
func (c *Consumer) handleMessage(msg jetstream.Msg) {
	var event JobEvent

	err := json.Unmarshal(msg.Data(), &event)
	if err != nil || event.Job.UserMessageID == 0 {
		c.log.Error("Dropping queue message: %v", errors.Join(ErrInvalidJob, err))

		termErr := msg.Term()
		if termErr != nil {
			c.log.Warn("Failed to terminate message: %v", termErr)
		}

		return
	}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		c.release(msg)

		return
	}

	c.wg.Add(1)
	done := c.done
	c.mu.Unlock()

	select {
	case c.workerPool <- struct{}{}:
	case <-done:
		c.wg.Done()
		c.release(msg)

		return
	}

	go func() {
		defer c.wg.Done()
		defer func() { <-c.workerPool }()

		c.process(msg, event)
	}()
}

// release hands a message that will not run back to JetStream for redelivery.
func (c *Consumer) release(msg jetstream.Msg) {
	nakErr := msg.Nak()
	if nakErr != nil {
		c.log.Warn("Failed to release message during shutdown: %v", nakErr)
	}
}

func (c *Consumer) process(msg jetstream.Msg, event JobEvent) {
	stop := c.keepAlive(msg)
	runErr := c.runner.Run(context.Background(), event.Job)

	stop()

	if retryable(runErr) {
		c.log.Warn("Run for message %d (event %s) will be retried: %v",
			event.Job.UserMessageID, event.Header.EventID, runErr)

		nakErr := msg.NakWithDelay(retryDelay)
		if nakErr != nil {
			c.log.Warn("Failed to nak message: %v", nakErr)
		}

		return
	}

	ackErr := msg.Ack()
	if ackErr != nil {
		c.log.Error("Failed to ack run for message %d: %v", event.Job.UserMessageID, ackErr)
	}
}

// keepAlive extends the ack deadline while a run is in flight.
func (c *Consumer) keepAlive(msg jetstream.Msg) func() {
	interval := max(c.ackWait/2, minAckProgress)
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()

	return func() { close(done) }
}

// retryable reports whether a redelivery could succeed. Transcription and
// synthesis outcomes are terminal; a resumed run picks up persisted progress.
func retryable(err error) bool {
	var runErr *pipeline.RunError
	if !errors.As(err, &runErr) {
		return false
	}

	switch runErr.Stage {
	case pipeline.StageContext, pipeline.StagePersist:
		return !errors.Is(err, core.ErrNotFound) && !errors.Is(err, pipeline.ErrJobMismatch) &&
			!errors.Is(err, pipeline.ErrNoAudio) && !errors.Is(err, core.ErrInvalidTransition)
	default:
		return false
	}
}
