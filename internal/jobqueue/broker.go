// Package jobqueue runs typed background jobs on top of a lock-based
// broker. Every job carries a Correlation; the Adapter refuses to enqueue
// jobs without a customer and dead-letters deliveries that lost theirs.
package jobqueue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockLost is returned when a job's lock expired or was taken over.
	ErrLockLost = errors.New("job lock lost")
	// ErrBrokerClosed is returned by a broker after Close.
	ErrBrokerClosed = errors.New("broker closed")
	// ErrJobSettled is returned when a job is acked, retried or
	// dead-lettered a second time.
	ErrJobSettled = errors.New("job already settled")
	// ErrJobNotFound is returned when inspecting a job id the broker never stored.
	ErrJobNotFound = errors.New("job not found")
)

// Job states stored by brokers.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateDead      = "dead"
)

// Delivery is a job claimed from a broker. Token identifies the claim's lock.
type Delivery struct {
	ID      string
	Type    string
	Data    []byte
	Attempt int
	Token   string
}

// Stalled is an active job whose lock expired and which was put back to wait.
type Stalled struct {
	ID   string
	Data []byte
}

// Broker stores jobs per type and hands them out under expiring locks.
type Broker interface {
	// Enqueue stores a job. created is false when id already exists.
	Enqueue(ctx context.Context, jobType, id string, data []byte) (created bool, err error)
	// Claim takes the next waiting job, or returns nil when none is ready.
	Claim(ctx context.Context, jobType string, lockFor time.Duration) (*Delivery, error)
	Renew(ctx context.Context, jobType, id, token string, lockFor time.Duration) error
	Ack(ctx context.Context, jobType, id, token string) error
	Retry(ctx context.Context, jobType, id, token string, delay time.Duration, reason string) error
	DeadLetter(ctx context.Context, jobType, id, token, reason string) error
	// RecoverStalled returns lockless active jobs to wait.
	RecoverStalled(ctx context.Context, jobType string) ([]Stalled, error)
	Close() error
}
