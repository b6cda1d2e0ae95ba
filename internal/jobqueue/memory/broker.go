// Package memory provides an in-process job broker for local development
// and tests. Locks expire against an injectable clock.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/listing-ingest/internal/id/uuid"
	"github.com/JakeFAU/listing-ingest/internal/jobqueue"
)

type record struct {
	data      []byte
	attempts  int
	state     string
	reason    string
	token     string
	lockUntil time.Time
	dueAt     time.Time
}

type queue struct {
	wait    []string
	active  map[string]struct{}
	delayed map[string]struct{}
	dead    []string
	jobs    map[string]*record
}

func newQueue() *queue {
	return &queue{
		active:  make(map[string]struct{}),
		delayed: make(map[string]struct{}),
		jobs:    make(map[string]*record),
	}
}

// Broker keeps every job type in memory.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	now    func() time.Time
	closed bool
}

// Option customises a Broker.
type Option func(*Broker)

// WithClock overrides the time source used for locks and delays.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker constructs an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{queues: make(map[string]*queue), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) queueFor(jobType string) *queue {
	q, ok := b.queues[jobType]
	if !ok {
		q = newQueue()
		b.queues[jobType] = q
	}
	return q
}

// Enqueue implements jobqueue.Broker.
func (b *Broker) Enqueue(_ context.Context, jobType, id string, data []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, jobqueue.ErrBrokerClosed
	}
	q := b.queueFor(jobType)
	if _, exists := q.jobs[id]; exists {
		return false, nil
	}
	q.jobs[id] = &record{data: append([]byte(nil), data...), state: jobqueue.StateWaiting}
	q.wait = append(q.wait, id)
	return true, nil
}

// Claim implements jobqueue.Broker.
func (b *Broker) Claim(ctx context.Context, jobType string, lockFor time.Duration) (*jobqueue.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, jobqueue.ErrBrokerClosed
	}
	q := b.queueFor(jobType)
	now := b.now()
	b.promoteDelayed(q, now)
	if len(q.wait) == 0 {
		return nil, nil
	}
	id := q.wait[0]
	q.wait = q.wait[1:]
	rec := q.jobs[id]
	rec.attempts++
	rec.state = jobqueue.StateActive
	rec.token = uuid.NewToken()
	rec.lockUntil = now.Add(lockFor)
	q.active[id] = struct{}{}
	return &jobqueue.Delivery{
		ID:      id,
		Type:    jobType,
		Data:    append([]byte(nil), rec.data...),
		Attempt: rec.attempts,
		Token:   rec.token,
	}, nil
}

func (b *Broker) promoteDelayed(q *queue, now time.Time) {
	var due []string
	for id := range q.delayed {
		if !q.jobs[id].dueAt.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return q.jobs[due[i]].dueAt.Before(q.jobs[due[j]].dueAt)
	})
	for _, id := range due {
		delete(q.delayed, id)
		q.jobs[id].state = jobqueue.StateWaiting
		q.wait = append(q.wait, id)
	}
}

// owned returns the active record when token still holds its lock.
func (b *Broker) owned(jobType, id, token string) (*queue, *record, error) {
	if b.closed {
		return nil, nil, jobqueue.ErrBrokerClosed
	}
	q := b.queueFor(jobType)
	rec, ok := q.jobs[id]
	if !ok || rec.state != jobqueue.StateActive || rec.token != token {
		return nil, nil, jobqueue.ErrLockLost
	}
	return q, rec, nil
}

func (b *Broker) release(q *queue, id string, rec *record) {
	delete(q.active, id)
	rec.token = ""
	rec.lockUntil = time.Time{}
}

// Renew implements jobqueue.Broker.
func (b *Broker) Renew(_ context.Context, jobType, id, token string, lockFor time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, rec, err := b.owned(jobType, id, token)
	if err != nil {
		return err
	}
	now := b.now()
	if now.After(rec.lockUntil) {
		return jobqueue.ErrLockLost
	}
	rec.lockUntil = now.Add(lockFor)
	return nil
}

// Ack implements jobqueue.Broker.
func (b *Broker) Ack(_ context.Context, jobType, id, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, rec, err := b.owned(jobType, id, token)
	if err != nil {
		return err
	}
	b.release(q, id, rec)
	rec.state = jobqueue.StateCompleted
	return nil
}

// Retry implements jobqueue.Broker.
func (b *Broker) Retry(_ context.Context, jobType, id, token string, delay time.Duration, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, rec, err := b.owned(jobType, id, token)
	if err != nil {
		return err
	}
	b.release(q, id, rec)
	rec.reason = reason
	if delay <= 0 {
		rec.state = jobqueue.StateWaiting
		q.wait = append(q.wait, id)
		return nil
	}
	rec.state = jobqueue.StateDelayed
	rec.dueAt = b.now().Add(delay)
	q.delayed[id] = struct{}{}
	return nil
}

// DeadLetter implements jobqueue.Broker.
func (b *Broker) DeadLetter(_ context.Context, jobType, id, token, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, rec, err := b.owned(jobType, id, token)
	if err != nil {
		return err
	}
	b.release(q, id, rec)
	rec.state = jobqueue.StateDead
	rec.reason = reason
	q.dead = append(q.dead, id)
	return nil
}

// RecoverStalled implements jobqueue.Broker.
func (b *Broker) RecoverStalled(_ context.Context, jobType string) ([]jobqueue.Stalled, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, jobqueue.ErrBrokerClosed
	}
	q := b.queueFor(jobType)
	now := b.now()
	var ids []string
	for id := range q.active {
		if now.After(q.jobs[id].lockUntil) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	stalled := make([]jobqueue.Stalled, 0, len(ids))
	for _, id := range ids {
		rec := q.jobs[id]
		b.release(q, id, rec)
		rec.state = jobqueue.StateWaiting
		q.wait = append(q.wait, id)
		stalled = append(stalled, jobqueue.Stalled{ID: id, Data: append([]byte(nil), rec.data...)})
	}
	return stalled, nil
}

// Close implements jobqueue.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Info describes a stored job, for inspection in tests and tooling.
type Info struct {
	State    string
	Attempts int
	Reason   string
}

// Job returns the stored state of a job.
func (b *Broker) Job(jobType, id string) (Info, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[jobType]
	if !ok {
		return Info{}, false
	}
	rec, ok := q.jobs[id]
	if !ok {
		return Info{}, false
	}
	return Info{State: rec.state, Attempts: rec.attempts, Reason: rec.reason}, true
}

// JobState reports the state and last failure reason of a job.
func (b *Broker) JobState(_ context.Context, jobType, id string) (state, reason string, err error) {
	info, ok := b.Job(jobType, id)
	if !ok {
		return "", "", fmt.Errorf("job %s: %w", id, jobqueue.ErrJobNotFound)
	}
	return info.State, info.Reason, nil
}

// Dead lists dead-lettered job ids in order.
func (b *Broker) Dead(jobType string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[jobType]
	if !ok {
		return nil
	}
	return append([]string(nil), q.dead...)
}
