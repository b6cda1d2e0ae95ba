package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/id/uuid"
)

// Defaults applied to zero-valued options.
const (
	DefaultConcurrency  = 2
	DefaultLockDuration = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// LockEventKind names a lock problem reported through Options.OnLockEvent.
type LockEventKind string

// Lock events.
const (
	LockRenewFail LockEventKind = "lock_renew_fail"
	LockLost      LockEventKind = "lock_lost"
)

// LockEvent reports a job whose lock could not be kept.
type LockEvent struct {
	JobType     string
	JobID       string
	Correlation crawler.Correlation
	Event       LockEventKind
	Err         error
}

// Options configure an Adapter.
type Options struct {
	Logger      *zap.Logger
	IDGenerator crawler.IDGenerator
	OnLockEvent func(LockEvent)
}

// Adapter owns a broker and the workers consuming it.
type Adapter struct {
	broker  Broker
	logger  *zap.Logger
	ids     crawler.IDGenerator
	onLock  func(LockEvent)
	mu      sync.Mutex
	workers []*Worker
	closed  bool
}

// NewAdapter wraps broker. The adapter closes the broker on Close.
func NewAdapter(broker Broker, opts Options) *Adapter {
	a := &Adapter{
		broker: broker,
		logger: opts.Logger,
		ids:    opts.IDGenerator,
		onLock: opts.OnLockEvent,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.ids == nil {
		a.ids = uuid.Generator{}
	}
	return a
}

// Enqueue stores payload for jobType under the given correlation. A
// non-empty idempotencyKey becomes the job id, and enqueueing it again
// returns the same id without a second delivery.
func (a *Adapter) Enqueue(ctx context.Context, jobType string, payload any, corr crawler.Correlation, idempotencyKey string) (string, error) {
	if jobType == "" {
		return "", crawler.Errorf(crawler.CodeValidationFail, "enqueue", "job type is required")
	}
	if err := ValidateCorrelation(corr); err != nil {
		return "", err
	}
	data, err := encodeEnvelope(payload, corr)
	if err != nil {
		return "", err
	}

	id := idempotencyKey
	if id == "" {
		if id, err = a.ids.NewID(); err != nil {
			return "", fmt.Errorf("generate job id: %w", err)
		}
	}
	created, err := a.broker.Enqueue(ctx, jobType, id, data)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	logger := a.logger.With(zap.String("job_type", jobType), zap.String("job_id", id), zap.String("customer_id", corr.CustomerID))
	if !created {
		logger.Info("duplicate enqueue ignored")
		return id, nil
	}
	logger.Debug("job enqueued")
	return id, nil
}

// CreateWorker registers a worker for jobType. Call Run to start it.
func (a *Adapter) CreateWorker(jobType string, p Processor, opts WorkerOptions) (*Worker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrBrokerClosed
	}
	w := newWorker(a, jobType, p, opts.withDefaults())
	a.workers = append(a.workers, w)
	return w, nil
}

// Close stops every worker, waits for in-flight jobs, then closes the broker.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	workers := a.workers
	a.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	if err := a.broker.Close(); err != nil && !errors.Is(err, ErrBrokerClosed) {
		return fmt.Errorf("close broker: %w", err)
	}
	return nil
}

func (a *Adapter) emitLockEvent(ev LockEvent) {
	a.logger.Warn("job lock event",
		zap.String("job_type", ev.JobType),
		zap.String("job_id", ev.JobID),
		zap.String("event", string(ev.Event)),
		zap.String("customer_id", ev.Correlation.CustomerID),
		zap.Error(ev.Err),
	)
	if a.onLock != nil {
		a.onLock(ev)
	}
}
