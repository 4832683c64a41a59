package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backend struct {
	name string
	new  func(t *testing.T, clock *fakeClock) Queue
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			new: func(t *testing.T, clock *fakeClock) Queue {
				return NewMemoryQueue(WithClock(clock.Now))
			},
		},
		{
			name: "redis",
			new: func(t *testing.T, clock *fakeClock) Queue {
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				q := NewRedisQueue(client, "decrypt", WithRedisClock(clock.Now))
				t.Cleanup(func() { q.Close() })
				return q
			},
		},
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, time.Duration(0), RetryPolicy{Attempts: 3}.Delay(2))
}

func TestEnqueueDequeueComplete(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.new(t, newFakeClock())

			enqueued, err := q.Enqueue(ctx, "decrypt", Data{Topic: "car.car1.data", Payload: "abc"}, DefaultRetryPolicy())
			require.NoError(t, err)
			assert.Equal(t, StateEnqueued, enqueued.State)
			assert.Equal(t, 3, enqueued.MaxAttempts)

			job, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, enqueued.ID, job.ID)
			assert.Equal(t, StateProcessing, job.State)
			assert.Equal(t, 1, job.Attempts)
			assert.Equal(t, "car.car1.data", job.Data.Topic)

			_, err = q.Dequeue(ctx)
			require.ErrorIs(t, err, ErrEmpty, "a processing job must not be handed out twice")

			require.NoError(t, q.Complete(ctx, job.ID))
			require.ErrorIs(t, q.Complete(ctx, job.ID), ErrNotProcessing)

			got, err := q.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, StateDone, got.State)

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, Counts{Done: 1}, counts)
		})
	}
}

func TestFIFOOrder(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.new(t, newFakeClock())

			var ids []string
			for _, payload := range []string{"a", "b", "c"} {
				job, err := q.Enqueue(ctx, "decrypt", Data{Payload: payload}, DefaultRetryPolicy())
				require.NoError(t, err)
				ids = append(ids, job.ID)
			}
			for _, id := range ids {
				job, err := q.Dequeue(ctx)
				require.NoError(t, err)
				assert.Equal(t, id, job.ID)
			}
		})
	}
}

func TestRetryWithBackoffThenDeadLetter(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			q := b.new(t, clock)
			cause := errors.New("undecryptable")

			enqueued, err := q.Enqueue(ctx, "decrypt", Data{Topic: "car.car1.data"}, DefaultRetryPolicy())
			require.NoError(t, err)

			// attempt 1
			job, err := q.Dequeue(ctx)
			require.NoError(t, err)
			state, err := q.Fail(ctx, job.ID, cause)
			require.NoError(t, err)
			assert.Equal(t, StateRetrying, state)

			_, err = q.Dequeue(ctx)
			require.ErrorIs(t, err, ErrEmpty, "retry must wait for its backoff")

			clock.Advance(2*time.Second - time.Millisecond)
			_, err = q.Dequeue(ctx)
			require.ErrorIs(t, err, ErrEmpty)

			// attempt 2 after 2s
			clock.Advance(time.Millisecond)
			job, err = q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, job.Attempts)
			state, err = q.Fail(ctx, job.ID, cause)
			require.NoError(t, err)
			assert.Equal(t, StateRetrying, state)

			// attempt 3 after a further 4s
			clock.Advance(3 * time.Second)
			_, err = q.Dequeue(ctx)
			require.ErrorIs(t, err, ErrEmpty)
			clock.Advance(time.Second)
			job, err = q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, job.Attempts)
			state, err = q.Fail(ctx, job.ID, cause)
			require.NoError(t, err)
			assert.Equal(t, StateFailed, state)

			clock.Advance(time.Hour)
			_, err = q.Dequeue(ctx)
			require.ErrorIs(t, err, ErrEmpty, "failed is terminal")

			got, err := q.Get(ctx, enqueued.ID)
			require.NoError(t, err)
			assert.Equal(t, StateFailed, got.State)
			assert.Equal(t, 3, got.Attempts)
			assert.Equal(t, "undecryptable", got.LastError)

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, Counts{Failed: 1}, counts)
		})
	}
}

func TestSingleAttemptPolicy(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.new(t, newFakeClock())

			_, err := q.Enqueue(ctx, "decrypt", Data{}, RetryPolicy{})
			require.NoError(t, err)
			job, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, job.MaxAttempts)

			state, err := q.Fail(ctx, job.ID, errors.New("boom"))
			require.NoError(t, err)
			assert.Equal(t, StateFailed, state)
		})
	}
}

func TestUnknownJob(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.new(t, newFakeClock())

			_, err := q.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, q.Complete(ctx, "missing"), ErrNotFound)
			_, err = q.Fail(ctx, "missing", nil)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestConcurrentDequeueHandsEachJobOnce(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.new(t, newFakeClock())

			const jobs = 50
			for i := 0; i < jobs; i++ {
				_, err := q.Enqueue(ctx, "decrypt", Data{}, DefaultRetryPolicy())
				require.NoError(t, err)
			}

			var mu sync.Mutex
			seen := map[string]int{}
			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						job, err := q.Dequeue(ctx)
						if errors.Is(err, ErrEmpty) {
							return
						}
						if !assert.NoError(t, err) {
							return
						}
						mu.Lock()
						seen[job.ID]++
						mu.Unlock()
						assert.NoError(t, q.Complete(ctx, job.ID))
					}
				}()
			}
			wg.Wait()

			assert.Len(t, seen, jobs)
			for id, n := range seen {
				assert.Equal(t, 1, n, id)
			}
		})
	}
}

func TestMemoryRetention(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(WithRetention(2))

	var first string
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "decrypt", Data{}, DefaultRetryPolicy())
		require.NoError(t, err)
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if i == 0 {
			first = job.ID
		}
		require.NoError(t, q.Complete(ctx, job.ID))
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Done)
	_, err = q.Get(ctx, first)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisRecoverActive(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueue(client, "decrypt")
	defer q.Close()

	enqueued, err := q.Enqueue(ctx, "decrypt", Data{Topic: "car.car1.data"}, DefaultRetryPolicy())
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	// a restarted receiver finds the interrupted job in the active list
	restarted := NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "decrypt")
	defer restarted.Close()
	requeued, deadLettered, err := restarted.RecoverActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Zero(t, deadLettered)

	job, err := restarted.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, enqueued.ID, job.ID)
	assert.Equal(t, 2, job.Attempts)
}

func TestRedisRecoverActiveDeadLettersExhaustedJobs(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	q := NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "decrypt")
	defer q.Close()

	enqueued, err := q.Enqueue(ctx, "decrypt", Data{Topic: "car.car1.data"}, RetryPolicy{Attempts: 1})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempts)

	requeued, deadLettered, err := q.RecoverActive(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Equal(t, 1, deadLettered)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrEmpty)

	stored, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, ErrInterrupted.Error(), stored.LastError)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)
}

func TestRedisTerminalRecordsExpire(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	q := NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "decrypt", WithTerminalTTL(time.Minute))
	defer q.Close()

	_, err := q.Enqueue(ctx, "decrypt", Data{}, DefaultRetryPolicy())
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID))

	mr.FastForward(2 * time.Minute)
	_, err = q.Get(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
