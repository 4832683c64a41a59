package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention is how many done and failed jobs are kept for inspection.
const DefaultRetention = 1000

// MemoryQueue is an in-process queue guarded by a mutex. Jobs do not survive a restart.
type MemoryQueue struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	waiting   []string // FIFO of ready job ids
	delayed   []string // sorted by ProcessAfter
	active    map[string]struct{}
	done      []string
	failed    []string
	retention int
	now       func() time.Time
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithClock overrides the clock used for retry delays.
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// WithRetention sets how many done and failed jobs are kept.
func WithRetention(n int) MemoryOption {
	return func(q *MemoryQueue) { q.retention = n }
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		jobs:      map[string]*Job{},
		active:    map[string]struct{}{},
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, name string, data Data, policy RetryPolicy) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
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

	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.ID] = job
	q.waiting = append(q.waiting, job.ID)
	return job.clone(), nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDelayed()
	if len(q.waiting) == 0 {
		return nil, ErrEmpty
	}

	id := q.waiting[0]
	q.waiting = q.waiting[1:]

	job := q.jobs[id]
	job.State = StateProcessing
	job.Attempts++
	q.active[id] = struct{}{}
	return job.clone(), nil
}

func (q *MemoryQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.activeJob(id)
	if err != nil {
		return err
	}
	delete(q.active, id)
	job.State = StateDone
	job.FinishedAt = q.now()
	q.done = q.retain(append(q.done, id))
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, id string, cause error) (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.activeJob(id)
	if err != nil {
		return "", err
	}
	delete(q.active, id)

	state := job.fail(cause, q.now())
	if state == StateFailed {
		q.failed = q.retain(append(q.failed, id))
		return state, nil
	}

	q.delayed = append(q.delayed, id)
	sort.SliceStable(q.delayed, func(i, j int) bool {
		return q.jobs[q.delayed[i]].ProcessAfter.Before(q.jobs[q.delayed[j]].ProcessAfter)
	})
	return state, nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.clone(), nil
}

func (q *MemoryQueue) Counts(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Counts{
		Waiting: int64(len(q.waiting)),
		Active:  int64(len(q.active)),
		Delayed: int64(len(q.delayed)),
		Done:    int64(len(q.done)),
		Failed:  int64(len(q.failed)),
	}, nil
}

func (q *MemoryQueue) Close() error { return nil }

// promoteDelayed must be called with q.mu held.
func (q *MemoryQueue) promoteDelayed() {
	now := q.now()
	n := 0
	for n < len(q.delayed) && !q.jobs[q.delayed[n]].ProcessAfter.After(now) {
		n++
	}
	if n == 0 {
		return
	}
	q.waiting = append(q.waiting, q.delayed[:n]...)
	q.delayed = append([]string(nil), q.delayed[n:]...)
}

func (q *MemoryQueue) activeJob(id string) (*Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, ok := q.active[id]; !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotProcessing, id, job.State)
	}
	return job, nil
}

// retain trims a terminal list to the retention size, forgetting the oldest jobs.
func (q *MemoryQueue) retain(ids []string) []string {
	if q.retention <= 0 || len(ids) <= q.retention {
		return ids
	}
	drop := len(ids) - q.retention
	for _, id := range ids[:drop] {
		delete(q.jobs, id)
	}
	return append([]string(nil), ids[drop:]...)
}
