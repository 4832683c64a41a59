package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTerminalTTL is how long done and failed job records are kept in Redis.
const DefaultTerminalTTL = 24 * time.Hour

// RedisQueue stores jobs in Redis. Per queue name it uses:
//
//	<prefix>:job:<id>  job record (JSON)
//	<prefix>:wait      list of ready ids
//	<prefix>:active    list of ids being processed
//	<prefix>:delayed   sorted set of retrying ids scored by due time (unix ms)
//	<prefix>:done      list of completed ids, trimmed to the retention size
//	<prefix>:failed    list of dead-lettered ids, trimmed to the retention size
//
// Dequeue moves ids from wait to active with LMOVE, so each job reaches exactly one worker.
type RedisQueue struct {
	client      redis.UniversalClient
	prefix      string
	retention   int64
	terminalTTL time.Duration
	now         func() time.Time
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithRedisRetention sets how many done and failed ids are kept.
func WithRedisRetention(n int64) RedisOption {
	return func(q *RedisQueue) { q.retention = n }
}

// WithTerminalTTL sets the expiry of done and failed job records.
func WithTerminalTTL(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.terminalTTL = d }
}

// WithRedisClock overrides the clock used for retry delays.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(q *RedisQueue) { q.now = now }
}

// NewRedisQueue creates a queue named name on client.
func NewRedisQueue(client redis.UniversalClient, name string, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client:      client,
		prefix:      "sq:" + name,
		retention:   DefaultRetention,
		terminalTTL: DefaultTerminalTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) jobKey(id string) string { return q.prefix + ":job:" + id }
func (q *RedisQueue) waitKey() string         { return q.prefix + ":wait" }
func (q *RedisQueue) activeKey() string       { return q.prefix + ":active" }
func (q *RedisQueue) delayedKey() string      { return q.prefix + ":delayed" }
func (q *RedisQueue) doneKey() string         { return q.prefix + ":done" }
func (q *RedisQueue) failedKey() string       { return q.prefix + ":failed" }

// promoteScript moves due ids from the delayed set to the wait list atomically.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

func (q *RedisQueue) Enqueue(ctx context.Context, name string, data Data, policy RetryPolicy) (*Job, error) {
	policy = policy.normalized()
	job := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Data:        data,
		MaxAttempts: policy.Attempts,
		Backoff:     policy.Backoff,
		State:       StateEnqueued,
		EnqueuedAt:  q.now(),
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.jobKey(job.ID), raw, 0)
		p.LPush(ctx, q.waitKey(), job.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, q.client, []string{q.delayedKey(), q.waitKey()}, now, 100).Err(); err != nil {
		return nil, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	id, err := q.client.LMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	job, err := q.load(ctx, id)
	if err != nil {
		// the record expired or was removed; drop the dangling id
		q.client.LRem(ctx, q.activeKey(), 1, id)
		return nil, err
	}

	job.State = StateProcessing
	job.Attempts++
	if err := q.save(ctx, q.client, job, 0); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	job, err := q.loadActive(ctx, id)
	if err != nil {
		return err
	}
	job.State = StateDone
	job.FinishedAt = q.now()

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.activeKey(), 1, id)
		p.LPush(ctx, q.doneKey(), id)
		if q.retention > 0 {
			p.LTrim(ctx, q.doneKey(), 0, q.retention-1)
		}
		return q.save(ctx, p, job, q.terminalTTL)
	})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, id string, cause error) (State, error) {
	job, err := q.loadActive(ctx, id)
	if err != nil {
		return "", err
	}
	state := job.fail(cause, q.now())

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.activeKey(), 1, id)
		if state == StateFailed {
			p.LPush(ctx, q.failedKey(), id)
			if q.retention > 0 {
				p.LTrim(ctx, q.failedKey(), 0, q.retention-1)
			}
			return q.save(ctx, p, job, q.terminalTTL)
		}
		p.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.ProcessAfter.UnixMilli()), Member: id})
		return q.save(ctx, p, job, 0)
	})
	if err != nil {
		return "", fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	return state, nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	return q.load(ctx, id)
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	var waiting, active, delayed, done, failed *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, q.waitKey())
		active = p.LLen(ctx, q.activeKey())
		delayed = p.ZCard(ctx, q.delayedKey())
		done = p.LLen(ctx, q.doneKey())
		failed = p.LLen(ctx, q.failedKey())
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	return Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Done:    done.Val(),
		Failed:  failed.Val(),
	}, nil
}

// ErrInterrupted is recorded on jobs whose final attempt was cut short by a crash.
var ErrInterrupted = errors.New("attempt interrupted")

// RecoverActive empties the active list left behind by a crash. It is meant to be called once at
// startup, before any worker runs. The interrupted attempt stays counted: jobs with attempts left go
// back to the wait list, jobs that were on their last attempt are dead-lettered.
func (q *RedisQueue) RecoverActive(ctx context.Context) (requeued, deadLettered int, err error) {
	for {
		id, err := q.client.LIndex(ctx, q.activeKey(), -1).Result()
		if errors.Is(err, redis.Nil) {
			return requeued, deadLettered, nil
		}
		if err != nil {
			return requeued, deadLettered, fmt.Errorf("failed to recover active jobs: %w", err)
		}

		job, err := q.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			if err := q.client.LRem(ctx, q.activeKey(), 1, id).Err(); err != nil {
				return requeued, deadLettered, fmt.Errorf("failed to drop dangling job %s: %w", id, err)
			}
			continue
		}
		if err != nil {
			return requeued, deadLettered, err
		}

		if job.State == StateProcessing && job.Attempts >= job.MaxAttempts {
			if _, err := q.Fail(ctx, id, ErrInterrupted); err != nil {
				return requeued, deadLettered, err
			}
			deadLettered++
			continue
		}

		if err := q.client.LMove(ctx, q.activeKey(), q.waitKey(), "RIGHT", "LEFT").Err(); err != nil {
			return requeued, deadLettered, fmt.Errorf("failed to recover active jobs: %w", err)
		}
		requeued++
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) loadActive(ctx context.Context, id string) (*Job, error) {
	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != StateProcessing {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotProcessing, id, job.State)
	}
	return job, nil
}

func (q *RedisQueue) save(ctx context.Context, c redis.Cmdable, job *Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return c.Set(ctx, q.jobKey(job.ID), raw, ttl).Err()
}
