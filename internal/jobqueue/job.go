package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

// QueuedJob is a delivery handed to a Processor. Exactly one of Ack, Retry
// or DeadLetter settles it; later calls return ErrJobSettled. A job that is
// never settled is recovered by stall detection once its lock expires.
type QueuedJob struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	Correlation crawler.Correlation
	Attempt     int

	broker   Broker
	token    string
	mu       sync.Mutex
	outcome  string
	onSettle func(outcome string)
}

// Decode unmarshals the job payload into v.
func (j *QueuedJob) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return crawler.NewError(crawler.CodeValidationFail, "decode payload", err)
	}
	return nil
}

// Ack marks the job completed.
func (j *QueuedJob) Ack(ctx context.Context) error {
	return j.settle("acked", func() error {
		return j.broker.Ack(ctx, j.Type, j.ID, j.token)
	})
}

// Retry schedules another attempt after delay.
func (j *QueuedJob) Retry(ctx context.Context, delay time.Duration, reason crawler.ErrorCode) error {
	return j.settle("retried", func() error {
		return j.broker.Retry(ctx, j.Type, j.ID, j.token, delay, string(reason))
	})
}

// DeadLetter parks the job for good.
func (j *QueuedJob) DeadLetter(ctx context.Context, reason crawler.ErrorCode) error {
	return j.settle("dead_lettered", func() error {
		return j.broker.DeadLetter(ctx, j.Type, j.ID, j.token, string(reason))
	})
}

// Settled reports whether a terminal call succeeded.
func (j *QueuedJob) Settled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome != ""
}

func (j *QueuedJob) settle(outcome string, call func() error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outcome != "" {
		return ErrJobSettled
	}
	if err := call(); err != nil {
		return fmt.Errorf("%s job %s: %w", outcome, j.ID, err)
	}
	j.outcome = outcome
	if j.onSettle != nil {
		j.onSettle(outcome)
	}
	return nil
}
