package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

// Handler processes one job. A nil return completes the job, an error consumes one attempt.
type Handler func(ctx context.Context, job *Job) error

// Observer is told the outcome of every processed job.
type Observer func(job *Job, state State, err error)

// WorkerPool runs a Handler over the jobs of a Queue with a fixed number of workers.
type WorkerPool struct {
	queue        Queue
	handler      Handler
	observer     Observer
	concurrency  int
	pollInterval time.Duration
	log          *zap.SugaredLogger
}

// WorkerOption configures a WorkerPool.
type WorkerOption func(*WorkerPool)

// WithConcurrency sets the number of workers.
func WithConcurrency(n int) WorkerOption {
	return func(p *WorkerPool) { p.concurrency = n }
}

// WithPollInterval sets how long an idle worker waits before polling again.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(p *WorkerPool) { p.pollInterval = d }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) WorkerOption {
	return func(p *WorkerPool) { p.observer = o }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(log *zap.SugaredLogger) WorkerOption {
	return func(p *WorkerPool) { p.log = log }
}

// NewWorkerPool creates a pool with two workers polling every 100ms by default.
func NewWorkerPool(q Queue, handler Handler, opts ...WorkerOption) *WorkerPool {
	p := &WorkerPool{
		queue:        q,
		handler:      handler,
		concurrency:  2,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	p.log = logging.OrNop(p.log)
	return p
}

// ProcessNext runs the handler on the next ready job and returns the job with its resulting state.
// Handler failures are reported through the state; the error is only set for queue failures and is
// ErrEmpty when no job is ready.
func (p *WorkerPool) ProcessNext(ctx context.Context) (*Job, State, error) {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		return nil, "", err
	}

	handlerErr := p.invoke(ctx, job)
	if handlerErr == nil {
		if err := p.queue.Complete(ctx, job.ID); err != nil {
			return job, "", err
		}
		p.notify(job, StateDone, nil)
		return job, StateDone, nil
	}

	state, err := p.queue.Fail(ctx, job.ID, handlerErr)
	if err != nil {
		return job, "", err
	}

	if state == StateFailed {
		p.log.Errorw("Job failed permanently",
			"jobId", job.ID,
			"topic", job.Data.Topic,
			"attempt", job.Attempts,
			"error", handlerErr)
	} else {
		p.log.Warnw("Job attempt failed, will retry",
			"jobId", job.ID,
			"topic", job.Data.Topic,
			"attempt", job.Attempts,
			"maxAttempts", job.MaxAttempts,
			"error", handlerErr)
	}
	p.notify(job, state, handlerErr)
	return job, state, nil
}

// Run starts the workers and blocks until ctx is cancelled. Jobs in flight finish first.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.log.Infow("Starting workers", "concurrency", p.concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	err := g.Wait()
	p.log.Infow("Workers stopped")
	return err
}

func (p *WorkerPool) loop(ctx context.Context, worker int) {
	// jobs already handed out are finished on a context that outlives shutdown
	jobCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		_, _, err := p.ProcessNext(jobCtx)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrEmpty) {
			p.log.Errorw("Queue error", "worker", worker, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *WorkerPool) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

func (p *WorkerPool) notify(job *Job, state State, err error) {
	if p.observer != nil {
		p.observer(job, state, err)
	}
}
