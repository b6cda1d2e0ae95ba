package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/metrics"
)

// Processor handles one job. It should settle the job itself; a returned
// error on an unsettled job schedules a retry.
type Processor interface {
	Process(ctx context.Context, job *QueuedJob) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job *QueuedJob) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job *QueuedJob) error {
	return f(ctx, job)
}

// BackoffFunc returns the delay before the given attempt is retried.
type BackoffFunc func(attempt int) time.Duration

// DefaultBackoff doubles from one second, capped at five minutes.
func DefaultBackoff(attempt int) time.Duration {
	const maxDelay = 5 * time.Minute
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		return maxDelay
	}
	d := time.Second * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// WorkerOptions tune a Worker. Zero values take defaults.
type WorkerOptions struct {
	Concurrency     int
	LockDuration    time.Duration
	RenewEvery      time.Duration
	StalledInterval time.Duration
	PollInterval    time.Duration
	Backoff         BackoffFunc
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	if o.RenewEvery <= 0 {
		o.RenewEvery = o.LockDuration / 2
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = o.LockDuration
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff
	}
	return o
}

// Worker consumes one job type with bounded concurrency.
type Worker struct {
	adapter   *Adapter
	jobType   string
	processor Processor
	opts      WorkerOptions
	logger    *zap.Logger

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	running sync.WaitGroup
}

func newWorker(a *Adapter, jobType string, p Processor, opts WorkerOptions) *Worker {
	return &Worker{
		adapter:   a,
		jobType:   jobType,
		processor: p,
		opts:      opts,
		logger:    a.logger.With(zap.String("job_type", jobType)),
		stopCh:    make(chan struct{}),
	}
}

// Run claims and processes jobs until ctx ends or the adapter closes.
// In-flight jobs finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrBrokerClosed
	}
	w.running.Add(1)
	w.mu.Unlock()
	defer w.running.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.logger.Info("worker started", zap.Int("concurrency", w.opts.Concurrency))
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		w.sweepLoop(ctx)
	}()

	// Jobs keep running on a detached context so a shutdown lets them settle.
	jobCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	for ctx.Err() == nil {
		g.Go(func() error {
			w.claimOne(ctx, jobCtx)
			return nil
		})
	}
	err := g.Wait()
	<-sweepDone
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
	w.running.Wait()
}

// claimOne takes a single job, or idles for one poll interval.
func (w *Worker) claimOne(ctx, jobCtx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d, err := w.adapter.broker.Claim(ctx, w.jobType, w.opts.LockDuration)
	if err != nil && ctx.Err() == nil {
		w.logger.Error("claim failed", zap.Error(err))
	}
	if d == nil {
		w.idle(ctx)
		return
	}
	w.handle(jobCtx, d)
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) handle(ctx context.Context, d *Delivery) {
	metrics.IncActiveWorkers(w.jobType)
	defer metrics.DecActiveWorkers(w.jobType)

	logger := w.logger.With(zap.String("job_id", d.ID), zap.Int("attempt", d.Attempt))
	payload, corr, code := decodeEnvelope(d.Data)
	job := &QueuedJob{
		ID:          d.ID,
		Type:        d.Type,
		Payload:     payload,
		Correlation: corr,
		Attempt:     d.Attempt,
		broker:      w.adapter.broker,
		token:       d.Token,
		onSettle:    func(outcome string) { metrics.ObserveJob(w.jobType, outcome) },
	}
	if job.Type == "" {
		job.Type = w.jobType
	}
	if code != "" {
		logger.Warn("dead-lettering job without usable correlation", zap.String("reason", string(code)))
		if err := job.DeadLetter(ctx, code); err != nil {
			logger.Error("dead-letter failed", zap.Error(err))
		}
		return
	}
	logger = logger.With(zap.String("customer_id", corr.CustomerID))

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.renewLoop(renewCtx, job)
	}()
	err := w.invoke(ctx, job)
	stopRenew()
	<-renewDone

	if job.Settled() {
		if err != nil {
			logger.Debug("processor returned error after settling", zap.Error(err))
		}
		return
	}
	if err == nil {
		logger.Warn("processor returned without settling job; leaving it to stall detection")
		return
	}
	reason := crawler.CodeOf(err)
	delay := w.opts.Backoff(job.Attempt)
	logger.Warn("processor failed; retrying", zap.String("reason", string(reason)), zap.Duration("delay", delay), zap.Error(err))
	if rerr := job.Retry(ctx, delay, reason); rerr != nil {
		logger.Error("retry failed", zap.Error(rerr))
	}
}

// invoke runs the processor, turning a panic into a CRASH error.
func (w *Worker) invoke(ctx context.Context, job *QueuedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = crawler.NewError(crawler.CodeCrash, "process", fmt.Errorf("panic: %v", r))
		}
	}()
	return w.processor.Process(ctx, job)
}

// renewLoop extends the job lock until ctx ends. The first failure is
// reported once and renewal stops.
func (w *Worker) renewLoop(ctx context.Context, job *QueuedJob) {
	t := time.NewTicker(w.opts.RenewEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if job.Settled() {
			return
		}
		err := w.adapter.broker.Renew(ctx, w.jobType, job.ID, job.token, w.opts.LockDuration)
		if err == nil {
			continue
		}
		if ctx.Err() != nil || job.Settled() {
			return
		}
		if !errors.Is(err, ErrLockLost) {
			err = fmt.Errorf("renew lock: %w", err)
		}
		metrics.ObserveLockEvent(w.jobType, string(LockRenewFail))
		w.adapter.emitLockEvent(LockEvent{
			JobType:     w.jobType,
			JobID:       job.ID,
			Correlation: job.Correlation,
			Event:       LockRenewFail,
			Err:         err,
		})
		return
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	t := time.NewTicker(w.opts.StalledInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		w.sweep(ctx)
	}
}

func (w *Worker) sweep(ctx context.Context) {
	stalled, err := w.adapter.broker.RecoverStalled(ctx, w.jobType)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("stalled job sweep failed", zap.Error(err))
		}
		return
	}
	for _, s := range stalled {
		_, corr, _ := decodeEnvelope(s.Data)
		metrics.ObserveLockEvent(w.jobType, string(LockLost))
		w.adapter.emitLockEvent(LockEvent{
			JobType:     w.jobType,
			JobID:       s.ID,
			Correlation: corr,
			Event:       LockLost,
			Err:         ErrLockLost,
		})
	}
}
