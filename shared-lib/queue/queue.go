// Package queue is a small durable job queue with bounded retries and exponential backoff.
//
// A job moves enqueued -> processing -> done on success. A failed attempt moves it to retrying
// until its delay elapses, after which it is processed again; once every attempt is used it ends
// in failed. done and failed are terminal. Every backend hands a job to exactly one worker at a
// time.
package queue

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrEmpty is returned by Dequeue when no job is ready.
	ErrEmpty = errors.New("queue is empty")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrNotProcessing is returned when completing or failing a job that is not being processed.
	ErrNotProcessing = errors.New("job is not processing")
)

// State is the lifecycle state of a job.
type State string

const (
	StateEnqueued   State = "enqueued"
	StateProcessing State = "processing"
	StateRetrying   State = "retrying"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Data is the job payload.
type Data struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// RetryPolicy bounds how often a job is attempted and how long it waits between attempts.
type RetryPolicy struct {
	Attempts int           `json:"attempts"`
	Backoff  time.Duration `json:"backoff"`
}

// DefaultRetryPolicy is three attempts with an exponential backoff starting at two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 2 * time.Second}
}

// Delay returns the wait before the next attempt after attempt failed attempts:
// Backoff * 2^(attempt-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Backoff <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Job is a unit of work.
type Job struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Data         Data          `json:"data"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"maxAttempts"`
	Backoff      time.Duration `json:"backoff"`
	State        State         `json:"state"`
	LastError    string        `json:"lastError,omitempty"`
	EnqueuedAt   time.Time     `json:"enqueuedAt"`
	ProcessAfter time.Time     `json:"processAfter,omitempty"`
	FinishedAt   time.Time     `json:"finishedAt,omitempty"`
}

func (j *Job) policy() RetryPolicy {
	return RetryPolicy{Attempts: j.MaxAttempts, Backoff: j.Backoff}
}

func (j *Job) clone() *Job {
	c := *j
	return &c
}

// fail records a failed attempt and returns the resulting state.
func (j *Job) fail(cause error, now time.Time) State {
	if cause != nil {
		j.LastError = cause.Error()
	}
	if j.Attempts >= j.MaxAttempts {
		j.State = StateFailed
		j.FinishedAt = now
		return j.State
	}
	j.State = StateRetrying
	j.ProcessAfter = now.Add(j.policy().Delay(j.Attempts))
	return j.State
}

// Counts is a snapshot of the number of jobs per state.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
}

// Queue is implemented by every backend.
type Queue interface {
	// Enqueue adds a job in state enqueued.
	Enqueue(ctx context.Context, name string, data Data, policy RetryPolicy) (*Job, error)
	// Dequeue hands the next ready job to the caller in state processing, or returns ErrEmpty.
	Dequeue(ctx context.Context) (*Job, error)
	// Complete moves a processing job to done.
	Complete(ctx context.Context, id string) error
	// Fail consumes one attempt of a processing job and returns its new state, retrying or failed.
	Fail(ctx context.Context, id string, cause error) (State, error)
	// Get returns a snapshot of a job.
	Get(ctx context.Context, id string) (*Job, error)
	// Counts returns the number of jobs per state.
	Counts(ctx context.Context) (Counts, error)
	Close() error
}
