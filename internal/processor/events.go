package processor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/jobqueue"
)

// Run event types.
const (
	EventCompleted    = "run.completed"
	EventRetry        = "run.retry"
	EventDeadLettered = "run.dead_lettered"
	EventLockLost     = "run.lock_lost"
)

// Event is a run-status notification.
type Event struct {
	Type         string    `json:"type"`
	JobType      string    `json:"jobType"`
	JobID        string    `json:"jobId"`
	CustomerID   string    `json:"customerId"`
	DataSourceID string    `json:"dataSourceId,omitempty"`
	RunID        string    `json:"runId,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RetryInMs    int64     `json:"retryInMs,omitempty"`
	Summary      *Summary  `json:"summary,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventType returns the event type, used as a message attribute.
func (e Event) EventType() string {
	return e.Type
}

// Summary counts what a completed run did.
type Summary struct {
	ItemsDiscovered int    `json:"itemsDiscovered"`
	ItemsUpserted   int    `json:"itemsUpserted"`
	ItemsFailed     int    `json:"itemsFailed"`
	ItemsRemoved    int64  `json:"itemsRemoved"`
	StoppedBy       string `json:"stoppedBy,omitempty"`
}

// EventSink receives run events.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// PublisherSink sends events through a crawler.Publisher. Publish failures
// are logged and dropped.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink builds a PublisherSink. An empty topic uses the
// publisher's default.
func NewPublisherSink(publisher crawler.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Emit implements EventSink.
func (s *PublisherSink) Emit(ctx context.Context, ev Event) {
	if s == nil || s.publisher == nil {
		return
	}
	id, err := s.publisher.Publish(ctx, s.topic, ev)
	if err != nil {
		s.logger.Error("publish run event failed",
			zap.String("event", ev.Type),
			zap.String("job_id", ev.JobID),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("run event published", zap.String("event", ev.Type), zap.String("message_id", id))
}

// LockEventHandler turns adapter lock events into run.lock_lost events.
// The returned func is meant for jobqueue.Options.OnLockEvent.
func LockEventHandler(sink EventSink, clock crawler.Clock) func(jobqueue.LockEvent) {
	return func(le jobqueue.LockEvent) {
		if sink == nil {
			return
		}
		ev := Event{
			Type:         EventLockLost,
			JobType:      le.JobType,
			JobID:        le.JobID,
			CustomerID:   le.Correlation.CustomerID,
			DataSourceID: le.Correlation.DataSourceID,
			RunID:        le.Correlation.RunID,
			Reason:       string(le.Event),
			Timestamp:    clock.Now().UTC(),
		}
		sink.Emit(context.Background(), ev)
	}
}
