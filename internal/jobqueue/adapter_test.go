package jobqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/jobqueue"
	"github.com/JakeFAU/listing-ingest/internal/jobqueue/memory"
)

const jobType = "crawl_site"

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixedIDs struct{ n atomic.Int32 }

func (f *fixedIDs) NewID() (string, error) {
	return "job-" + string(rune('0'+f.n.Add(1))), nil
}

type harness struct {
	broker  *memory.Broker
	clock   *manualClock
	adapter *jobqueue.Adapter
	events  chan jobqueue.LockEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &manualClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		broker: memory.NewBroker(memory.WithClock(clock.Now)),
		clock:  clock,
		events: make(chan jobqueue.LockEvent, 16),
	}
	h.adapter = jobqueue.NewAdapter(h.broker, jobqueue.Options{
		IDGenerator: &fixedIDs{},
		OnLockEvent: func(ev jobqueue.LockEvent) { h.events <- ev },
	})
	t.Cleanup(func() { _ = h.adapter.Close() })
	return h
}

func (h *harness) run(t *testing.T, p jobqueue.Processor, opts jobqueue.WorkerOptions) {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	w, err := h.adapter.CreateWorker(jobType, p, opts)
	require.NoError(t, err)
	go func() { _ = w.Run(context.Background()) }()
}

func (h *harness) waitState(t *testing.T, id, state string) memory.Info {
	t.Helper()
	var info memory.Info
	require.Eventually(t, func() bool {
		var ok bool
		info, ok = h.broker.Job(jobType, id)
		return ok && info.State == state
	}, 2*time.Second, 5*time.Millisecond)
	return info
}

var corr = crawler.Correlation{CustomerID: "cust-1", DataSourceID: "ds-1", RunID: "run-1"}

func TestEnqueueRequiresCustomerID(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.adapter.Enqueue(context.Background(), jobType, map[string]string{}, crawler.Correlation{CustomerID: "  "}, "")
	require.Error(t, err)
	require.Equal(t, crawler.CodeMissingCustomerID, crawler.CodeOf(err))
	_, ok := h.broker.Job(jobType, "job-1")
	require.False(t, ok)
}

func TestEnqueueIdempotencyKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id1, err := h.adapter.Enqueue(ctx, jobType, map[string]int{"n": 1}, corr, "ds-1:2026-04-01")
	require.NoError(t, err)
	id2, err := h.adapter.Enqueue(ctx, jobType, map[string]int{"n": 2}, corr, "ds-1:2026-04-01")
	require.NoError(t, err)
	require.Equal(t, "ds-1:2026-04-01", id1)
	require.Equal(t, id1, id2)

	generated, err := h.adapter.Enqueue(ctx, jobType, nil, corr, "")
	require.NoError(t, err)
	require.Equal(t, "job-1", generated)

	var calls atomic.Int32
	h.run(t, jobqueue.ProcessorFunc(func(ctx context.Context, job *jobqueue.QueuedJob) error {
		calls.Add(1)
		return job.Ack(ctx)
	}), jobqueue.WorkerOptions{})
	h.waitState(t, id1, jobqueue.StateCompleted)
	h.waitState(t, generated, jobqueue.StateCompleted)
	require.Equal(t, int32(2), calls.Load())
}

func TestProcessorReceivesPayloadAndCorrelation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	type payload struct {
		DataSourceID string `json:"dataSourceId"`
	}
	got := make(chan *jobqueue.QueuedJob, 1)
	h.run(t, jobqueue.ProcessorFunc(func(ctx context.Context, job *jobqueue.QueuedJob) error {
		got <- job
		return job.Ack(ctx)
	}), jobqueue.WorkerOptions{})

	id, err := h.adapter.Enqueue(context.Background(), jobType, payload{DataSourceID: "ds-9"}, corr, "")
	require.NoError(t, err)

	select {
	case job := <-got:
		require.Equal(t, id, job.ID)
		require.Equal(t, jobType, job.Type)
		require.Equal(t, corr, job.Correlation)
		require.Equal(t, 1, job.Attempt)
		var p payload
		require.NoError(t, job.Decode(&p))
		require.Equal(t, "ds-9", p.DataSourceID)
		require.ErrorIs(t, job.Ack(context.Background()), jobqueue.ErrJobSettled)
	case <-time.After(2 * time.Second):
		t.Fatal("processor not invoked")
	}
}

func TestMissingCorrelationNeverInvokesProcessor(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]struct {
		data []byte
		want crawler.ErrorCode
	}{
		"no-correlation":     {[]byte(`{"payload":{}}`), crawler.CodeMissingCorrelation},
		"string-correlation": {[]byte(`{"payload":{},"correlation":"cust-1"}`), crawler.CodeMissingCorrelation},
		"null-correlation":   {[]byte(`{"payload":{},"correlation":null}`), crawler.CodeMissingCorrelation},
		"not-json":           {[]byte(`garbage`), crawler.CodeMissingCorrelation},
		"blank-customer":     {[]byte(`{"payload":{},"correlation":{"customerId":" "}}`), crawler.CodeMissingCustomerID},
		"numeric-customer":   {[]byte(`{"payload":{},"correlation":{"customerId":42}}`), crawler.CodeMissingCustomerID},
	}
	for id, tc := range cases {
		created, err := h.broker.Enqueue(ctx, jobType, id, tc.data)
		require.NoError(t, err)
		require.True(t, created)
	}

	var calls atomic.Int32
	h.run(t, jobqueue.ProcessorFunc(func(context.Context, *jobqueue.QueuedJob) error {
		calls.Add(1)
		return nil
	}), jobqueue.WorkerOptions{})

	for id, tc := range cases {
		info := h.waitState(t, id, jobqueue.StateDead)
		require.Equal(t, string(tc.want), info.Reason, id)
	}
	require.Zero(t, calls.Load())
}

func TestProcessorPanicRetriesWithCrash(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.run(t, jobqueue.ProcessorFunc(func(context.Context, *jobqueue.QueuedJob) error {
		panic("boom")
	}), jobqueue.WorkerOptions{Backoff: func(int) time.Duration { return time.Hour }})

	id, err := h.adapter.Enqueue(context.Background(), jobType, nil, corr, "")
	require.NoError(t, err)
	info := h.waitState(t, id, jobqueue.StateDelayed)
	require.Equal(t, string(crawler.CodeCrash), info.Reason)
	require.Equal(t, 1, info.Attempts)
}

func TestProcessorErrorRetriesWithCode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.run(t, jobqueue.ProcessorFunc(func(context.Context, *jobqueue.QueuedJob) error {
		return crawler.Errorf(crawler.CodeFetchTimeout, "fetch", "slow site")
	}), jobqueue.WorkerOptions{Backoff: func(int) time.Duration { return time.Hour }})

	id, err := h.adapter.Enqueue(context.Background(), jobType, nil, corr, "")
	require.NoError(t, err)
	info := h.waitState(t, id, jobqueue.StateDelayed)
	require.Equal(t, string(crawler.CodeFetchTimeout), info.Reason)
}

func TestSettledJobIgnoresReturnedError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.run(t, jobqueue.ProcessorFunc(func(ctx context.Context, job *jobqueue.QueuedJob) error {
		if err := job.DeadLetter(ctx, crawler.CodeValidationFail); err != nil {
			return err
		}
		return errors.New("late failure")
	}), jobqueue.WorkerOptions{})

	id, err := h.adapter.Enqueue(context.Background(), jobType, nil, corr, "")
	require.NoError(t, err)
	info := h.waitState(t, id, jobqueue.StateDead)
	require.Equal(t, string(crawler.CodeValidationFail), info.Reason)
	require.Equal(t, []string{id}, h.broker.Dead(jobType))
}

func TestLockRenewFailureEmitsEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	started := make(chan struct{})
	release := make(chan struct{})
	h.run(t, jobqueue.ProcessorFunc(func(ctx context.Context, job *jobqueue.QueuedJob) error {
		close(started)
		<-release
		return job.Ack(ctx)
	}), jobqueue.WorkerOptions{
		LockDuration:    time.Second,
		RenewEvery:      10 * time.Millisecond,
		StalledInterval: time.Hour,
	})

	id, err := h.adapter.Enqueue(context.Background(), jobType, nil, corr, "")
	require.NoError(t, err)
	<-started
	h.clock.Advance(2 * time.Second)

	select {
	case ev := <-h.events:
		require.Equal(t, jobqueue.LockRenewFail, ev.Event)
		require.Equal(t, id, ev.JobID)
		require.Equal(t, jobType, ev.JobType)
		require.Equal(t, corr, ev.Correlation)
		require.ErrorIs(t, ev.Err, jobqueue.ErrLockLost)
	case <-time.After(2 * time.Second):
		t.Fatal("no lock event")
	}
	close(release)
	h.waitState(t, id, jobqueue.StateCompleted)

	select {
	case ev := <-h.events:
		t.Fatalf("unexpected second event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStalledJobEmitsLockLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var calls atomic.Int32
	h.run(t, jobqueue.ProcessorFunc(func(context.Context, *jobqueue.QueuedJob) error {
		calls.Add(1)
		return nil
	}), jobqueue.WorkerOptions{
		LockDuration:    time.Second,
		RenewEvery:      time.Hour,
		StalledInterval: 10 * time.Millisecond,
	})

	id, err := h.adapter.Enqueue(context.Background(), jobType, json.RawMessage(`{"x":1}`), corr, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.clock.Advance(2 * time.Second)

	select {
	case ev := <-h.events:
		require.Equal(t, jobqueue.LockLost, ev.Event)
		require.Equal(t, id, ev.JobID)
		require.Equal(t, corr, ev.Correlation)
	case <-time.After(2 * time.Second):
		t.Fatal("no lock_lost event")
	}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestCreateWorkerAfterClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.adapter.Close())
	_, err := h.adapter.CreateWorker(jobType, jobqueue.ProcessorFunc(func(context.Context, *jobqueue.QueuedJob) error { return nil }), jobqueue.WorkerOptions{})
	require.ErrorIs(t, err, jobqueue.ErrBrokerClosed)
}

func TestDefaultBackoff(t *testing.T) {
	t.Parallel()
	require.Equal(t, time.Second, jobqueue.DefaultBackoff(1))
	require.Equal(t, 4*time.Second, jobqueue.DefaultBackoff(3))
	require.Equal(t, 5*time.Minute, jobqueue.DefaultBackoff(40))
}
