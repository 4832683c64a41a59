package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/poc/device/agent/types"
	"github.com/margo/sealed-telemetry/shared-lib/broker"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
	"github.com/margo/sealed-telemetry/shared-lib/queue"
)

// JobName is the name of decrypt jobs.
const JobName = "decrypt"

const enqueueTimeout = 5 * time.Second

// Ingestor subscribes to the telemetry subjects and enqueues one decrypt job per message.
type Ingestor struct {
	broker  broker.Broker
	queue   queue.Queue
	subject string
	policy  queue.RetryPolicy
	metrics *Metrics
	log     *zap.SugaredLogger
}

type IngestorOption func(*Ingestor)

// WithSubject overrides the subscribed subject pattern.
func WithSubject(subject string) IngestorOption {
	return func(i *Ingestor) { i.subject = subject }
}

// WithRetryPolicy overrides the retry policy of enqueued jobs.
func WithRetryPolicy(p queue.RetryPolicy) IngestorOption {
	return func(i *Ingestor) { i.policy = p }
}

func WithIngestorMetrics(m *Metrics) IngestorOption {
	return func(i *Ingestor) { i.metrics = m }
}

func WithIngestorLogger(log *zap.SugaredLogger) IngestorOption {
	return func(i *Ingestor) { i.log = log }
}

func NewIngestor(b broker.Broker, q queue.Queue, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		broker:  b,
		queue:   q,
		subject: broker.TelemetryWildcard,
		policy:  queue.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.log = logging.OrNop(i.log)
	return i
}

// Start subscribes to the telemetry subjects.
func (i *Ingestor) Start() (broker.Subscription, error) {
	sub, err := i.broker.Subscribe(i.subject, i.Handle)
	if err != nil {
		return nil, err
	}
	i.log.Infow("Subscribed to telemetry", "subject", i.subject)
	return sub, nil
}

// Run subscribes and blocks until ctx is done.
func (i *Ingestor) Run(ctx context.Context) error {
	sub, err := i.Start()
	if err != nil {
		return err
	}

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		i.log.Warnw("Failed to unsubscribe", "subject", i.subject, "error", err)
	}
	return nil
}

// Handle enqueues msg. Messages off the telemetry subjects and messages the queue rejects are
// logged and dropped.
func (i *Ingestor) Handle(msg broker.Message) {
	i.metrics.messageReceived()

	carID, err := broker.CarIDFromSubject(msg.Subject)
	if err != nil {
		i.metrics.enqueueFailed()
		i.log.Warnw("Dropping message", "topic", msg.Subject, "error", types.EnqueueError(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	job, err := i.queue.Enqueue(ctx, JobName, queue.Data{Topic: msg.Subject, Payload: string(msg.Data)}, i.policy)
	if err != nil {
		i.metrics.enqueueFailed()
		i.log.Errorw("Dropping message", "topic", msg.Subject, "carId", carID, "error", types.EnqueueError(err))
		return
	}
	i.log.Debugw("Enqueued message", "topic", msg.Subject, "carId", carID, "jobId", job.ID)
}
