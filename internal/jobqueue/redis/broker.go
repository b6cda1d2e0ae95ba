// Package redisbroker stores jobs in Redis. Each job type gets a wait list,
// an active list, a delayed sorted set and a dead list; job documents live
// in hashes and claims are guarded by expiring lock keys.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/listing-ingest/internal/id/uuid"
	"github.com/JakeFAU/listing-ingest/internal/jobqueue"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "listing"

// DefaultRetention keeps completed job hashes so idempotency keys stay taken.
const DefaultRetention = 24 * time.Hour

// Config configures a Broker created with New.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	Retention time.Duration
}

// Broker implements jobqueue.Broker on Redis.
type Broker struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.Prefix, cfg.Retention), nil
}

// NewWithClient wraps an existing client. The broker closes it on Close.
func NewWithClient(client redis.UniversalClient, prefix string, retention time.Duration) *Broker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Broker{client: client, prefix: prefix, retention: retention, now: time.Now}
}

// SetClock overrides the time source used for delayed jobs.
func (b *Broker) SetClock(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

type keys struct {
	wait, active, delayed, dead, stalled string
	prefix                               string
}

func (b *Broker) keys(jobType string) keys {
	base := b.prefix + ":" + jobType
	return keys{
		wait:    base + ":wait",
		active:  base + ":active",
		delayed: base + ":delayed",
		dead:    base + ":dead",
		stalled: base + ":stalled-check",
		prefix:  base,
	}
}

func (k keys) job(id string) string  { return k.prefix + ":job:" + id }
func (k keys) lock(id string) string { return k.prefix + ":lock:" + id }

// Multi-key moves run as scripts so a crash cannot leave a job stored but
// unqueued, or dequeued but nowhere.
var (
	// KEYS: job, wait. ARGV: id, data, waiting state, enqueuedAt.
	enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "attempts", 0, "state", ARGV[3], "enqueuedAt", ARGV[4])
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1`)

	// KEYS: delayed, wait. ARGV: now, job key prefix, waiting state.
	promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("HSET", ARGV[2] .. id, "state", ARGV[3])
  redis.call("LPUSH", KEYS[2], id)
end
return #due`)

	// KEYS: active, wait, lock, job. ARGV: id, waiting state.
	requeueStalledScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
  return false
end
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
  return false
end
redis.call("HSET", KEYS[4], "state", ARGV[2])
redis.call("LPUSH", KEYS[2], ARGV[1])
return redis.call("HGET", KEYS[4], "data") or ""`)
)

// Enqueue implements jobqueue.Broker.
func (b *Broker) Enqueue(ctx context.Context, jobType, id string, data []byte) (bool, error) {
	k := b.keys(jobType)
	created, err := enqueueScript.Run(ctx, b.client,
		[]string{k.job(id), k.wait},
		id, data, jobqueue.StateWaiting, b.now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue job %s: %w", id, err)
	}
	return created == 1, nil
}

// Claim implements jobqueue.Broker. Due delayed jobs are promoted first.
func (b *Broker) Claim(ctx context.Context, jobType string, lockFor time.Duration) (*jobqueue.Delivery, error) {
	k := b.keys(jobType)
	if err := b.promoteDelayed(ctx, k); err != nil {
		return nil, err
	}

	id, err := b.client.LMove(ctx, k.wait, k.active, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s job: %w", jobType, err)
	}

	token := uuid.NewToken()
	var (
		attempts *redis.IntCmd
		data     *redis.StringCmd
	)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, k.lock(id), token, lockFor)
		attempts = pipe.HIncrBy(ctx, k.job(id), "attempts", 1)
		pipe.HSet(ctx, k.job(id), "state", jobqueue.StateActive)
		data = pipe.HGet(ctx, k.job(id), "data")
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("lock job %s: %w", id, err)
	}
	return &jobqueue.Delivery{
		ID:      id,
		Type:    jobType,
		Data:    []byte(data.Val()),
		Attempt: int(attempts.Val()),
		Token:   token,
	}, nil
}

func (b *Broker) promoteDelayed(ctx context.Context, k keys) error {
	err := promoteScript.Run(ctx, b.client,
		[]string{k.delayed, k.wait},
		strconv.FormatInt(b.now().UnixMilli(), 10), k.prefix+":job:", jobqueue.StateWaiting,
	).Err()
	if err != nil {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	return nil
}

// withOwnership runs settle in a transaction once token is confirmed to own
// the active job. An expired lock still counts while the job is active and
// nobody else claimed it. A concurrent change to the lock or the job hash
// aborts the transaction.
func (b *Broker) withOwnership(ctx context.Context, k keys, id, token string, settle func(pipe redis.Pipeliner)) error {
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k.lock(id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != "" && current != token {
			return jobqueue.ErrLockLost
		}
		active, err := tx.LRange(ctx, k.active, 0, -1).Result()
		if err != nil {
			return err
		}
		if !slices.Contains(active, id) {
			return jobqueue.ErrLockLost
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, k.active, 1, id)
			pipe.Del(ctx, k.lock(id))
			settle(pipe)
			return nil
		})
		return err
	}, k.lock(id), k.job(id))
	if errors.Is(err, redis.TxFailedErr) {
		return jobqueue.ErrLockLost
	}
	return err
}

// Renew implements jobqueue.Broker.
func (b *Broker) Renew(ctx context.Context, jobType, id, token string, lockFor time.Duration) error {
	k := b.keys(jobType)
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k.lock(id)).Result()
		if errors.Is(err, redis.Nil) || (err == nil && current != token) {
			return jobqueue.ErrLockLost
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.PExpire(ctx, k.lock(id), lockFor)
			return nil
		})
		return err
	}, k.lock(id))
	if errors.Is(err, redis.TxFailedErr) {
		return jobqueue.ErrLockLost
	}
	return err
}

// Ack implements jobqueue.Broker.
func (b *Broker) Ack(ctx context.Context, jobType, id, token string) error {
	k := b.keys(jobType)
	return b.withOwnership(ctx, k, id, token, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, k.job(id), "state", jobqueue.StateCompleted)
		pipe.Expire(ctx, k.job(id), b.retention)
	})
}

// Retry implements jobqueue.Broker.
func (b *Broker) Retry(ctx context.Context, jobType, id, token string, delay time.Duration, reason string) error {
	k := b.keys(jobType)
	return b.withOwnership(ctx, k, id, token, func(pipe redis.Pipeliner) {
		if delay <= 0 {
			pipe.HSet(ctx, k.job(id), "state", jobqueue.StateWaiting, "reason", reason)
			pipe.LPush(ctx, k.wait, id)
			return
		}
		pipe.HSet(ctx, k.job(id), "state", jobqueue.StateDelayed, "reason", reason)
		pipe.ZAdd(ctx, k.delayed, redis.Z{Score: float64(b.now().Add(delay).UnixMilli()), Member: id})
	})
}

// DeadLetter implements jobqueue.Broker.
func (b *Broker) DeadLetter(ctx context.Context, jobType, id, token, reason string) error {
	k := b.keys(jobType)
	return b.withOwnership(ctx, k, id, token, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, k.job(id), "state", jobqueue.StateDead, "reason", reason)
		pipe.LPush(ctx, k.dead, id)
	})
}

// RecoverStalled implements jobqueue.Broker. Detection takes two sweeps: a
// job is stalled only when it was active and lockless at the previous sweep
// and still is now, which covers the gap between LMOVE and the lock write.
func (b *Broker) RecoverStalled(ctx context.Context, jobType string) ([]jobqueue.Stalled, error) {
	k := b.keys(jobType)
	candidates, err := b.client.SMembers(ctx, k.stalled).Result()
	if err != nil {
		return nil, fmt.Errorf("read stalled candidates: %w", err)
	}
	slices.Sort(candidates)

	var stalled []jobqueue.Stalled
	for _, id := range candidates {
		data, err := requeueStalledScript.Run(ctx, b.client,
			[]string{k.active, k.wait, k.lock(id), k.job(id)},
			id, jobqueue.StateWaiting,
		).Text()
		if errors.Is(err, redis.Nil) {
			// Locked again, or already settled.
			continue
		}
		if err != nil {
			return stalled, fmt.Errorf("requeue job %s: %w", id, err)
		}
		stalled = append(stalled, jobqueue.Stalled{ID: id, Data: []byte(data)})
	}

	active, err := b.client.LRange(ctx, k.active, 0, -1).Result()
	if err != nil {
		return stalled, fmt.Errorf("read active jobs: %w", err)
	}
	if _, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k.stalled)
		if len(active) > 0 {
			members := make([]any, len(active))
			for i, id := range active {
				members[i] = id
			}
			pipe.SAdd(ctx, k.stalled, members...)
		}
		return nil
	}); err != nil {
		return stalled, fmt.Errorf("mark stalled candidates: %w", err)
	}
	return stalled, nil
}

// Close implements jobqueue.Broker.
func (b *Broker) Close() error {
	if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// JobState returns the stored state and reason of a job.
func (b *Broker) JobState(ctx context.Context, jobType, id string) (state, reason string, err error) {
	fields, err := b.client.HGetAll(ctx, b.keys(jobType).job(id)).Result()
	if err != nil {
		return "", "", fmt.Errorf("read job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return "", "", fmt.Errorf("job %s: %w", id, jobqueue.ErrJobNotFound)
	}
	return fields["state"], fields["reason"], nil
}
