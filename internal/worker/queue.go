package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	publishBackoff = 200 * time.Millisecond
	msgIDPrefix    = "voice-reply-"
)

// JobEvent is the payload of one queued pipeline run.
type JobEvent struct {
	Header events.EventHeader `json:"header"`
	Job    core.Job           `json:"job"`
}

// StreamConfig describes the work queue stream.
type StreamConfig struct {
	Name    string
	Subject string
}

// EnsureStream creates or updates the work queue stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Name,
		Description: "Voice reply pipeline runs",
		Subjects:    []string{cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// QueueScheduler publishes jobs to a JetStream subject.
type QueueScheduler struct {
	js      jetstream.JetStream
	subject string
	retries int
	log     *logger.Logger
}

// NewQueueScheduler creates a scheduler that publishes to subject, retrying
// failed publishes up to retries extra times.
func NewQueueScheduler(js jetstream.JetStream, subject string, retries int, log *logger.Logger) *QueueScheduler {
	return &QueueScheduler{js: js, subject: subject, retries: max(retries, 0), log: log}
}

// Schedule publishes job and returns once the stream has stored it. Publishing
// the same user message twice within the stream's duplicate window stores it once.
func (q *QueueScheduler) Schedule(ctx context.Context, job core.Job) error {
	event := JobEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: strconv.FormatUint(uint64(job.ConversationID), 10),
			EventID:    uuid.NewString(),
		},
		Job: job,
	}

	data, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal job event: %w", marshalErr)
	}

	msgID := msgIDPrefix + strconv.FormatUint(uint64(job.UserMessageID), 10)

	var publishErr error

	for attempt := 0; attempt <= q.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(publishErr, ctx.Err())
			case <-time.After(time.Duration(attempt) * publishBackoff):
			}
		}

		_, publishErr = q.js.Publish(ctx, q.subject, data, jetstream.WithMsgID(msgID))
		if publishErr == nil {
			q.log.Info("Queued run for message %d (event %s)", job.UserMessageID, event.Header.EventID)

			return nil
		}

		q.log.Warn("Publish attempt %d for message %d failed: %v", attempt+1, job.UserMessageID, publishErr)
	}

	return fmt.Errorf("failed to publish job for message %d: %w", job.UserMessageID, publishErr)
}
