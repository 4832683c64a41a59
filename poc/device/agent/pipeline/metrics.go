package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/margo/sealed-telemetry/shared-lib/queue"
)

// Metrics of the receiver pipeline. A nil *Metrics records nothing.
type Metrics struct {
	received        prometheus.Counter
	enqueueFailures prometheus.Counter
	decrypted       prometheus.Counter
	previousKey     prometheus.Counter
	attemptFailures *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	keyGeneration   prometheus.Gauge
	rotations       prometheus.Counter
}

// NewMetrics creates the pipeline metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receiver",
			Name:      "messages_received_total",
			Help:      "Broker messages received by the ingestor.",
		}),
		enqueueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receiver",
			Name:      "enqueue_failures_total",
			Help:      "Broker messages dropped because the queue rejected them.",
		}),
		decrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receiver",
			Name:      "readings_decrypted_total",
			Help:      "Payloads decrypted and forwarded to the display.",
		}),
		previousKey: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receiver",
			Name:      "previous_key_decrypts_total",
			Help:      "Payloads that only opened with the previous key.",
		}),
		attemptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receiver",
			Name:      "decrypt_attempt_failures_total",
			Help:      "Failed decrypt attempts by stage.",
		}, []string{"stage"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receiver",
			Name:      "jobs_finished_total",
			Help:      "Processed jobs by resulting state.",
		}, []string{"state"}),
		keyGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "receiver",
			Name:      "key_generation",
			Help:      "Generation of the installed decryption key.",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receiver",
			Name:      "certificates_rotated_total",
			Help:      "Certificates installed by the rotation agent.",
		}),
	}
	reg.MustRegister(
		m.received,
		m.enqueueFailures,
		m.decrypted,
		m.previousKey,
		m.attemptFailures,
		m.jobs,
		m.keyGeneration,
		m.rotations,
	)
	return m
}

func (m *Metrics) messageReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) enqueueFailed() {
	if m != nil {
		m.enqueueFailures.Inc()
	}
}

func (m *Metrics) readingDecrypted(usedPrevious bool) {
	if m == nil {
		return
	}
	m.decrypted.Inc()
	if usedPrevious {
		m.previousKey.Inc()
	}
}

func (m *Metrics) attemptFailed(stage string) {
	if m != nil {
		m.attemptFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveJob is a queue.Observer counting job outcomes.
func (m *Metrics) ObserveJob(_ *queue.Job, state queue.State, _ error) {
	if m != nil {
		m.jobs.WithLabelValues(string(state)).Inc()
	}
}

// KeyInstalled records the generation of a newly installed key.
func (m *Metrics) KeyInstalled(generation uint64) {
	if m != nil {
		m.keyGeneration.Set(float64(generation))
	}
}

// CertificateRotated counts an installed certificate.
func (m *Metrics) CertificateRotated() {
	if m != nil {
		m.rotations.Inc()
	}
}

// QueueCollector exports the job counts of a queue as gauges.
type QueueCollector struct {
	queue queue.Queue
	desc  *prometheus.Desc
}

func NewQueueCollector(q queue.Queue) *QueueCollector {
	return &QueueCollector{
		queue: q,
		desc: prometheus.NewDesc("receiver_queue_jobs", "Jobs in the decrypt queue by state.",
			[]string{"state"}, nil),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	counts, err := c.queue.Counts(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for state, n := range map[string]int64{
		"waiting": counts.Waiting,
		"active":  counts.Active,
		"delayed": counts.Delayed,
		"done":    counts.Done,
		"failed":  counts.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), state)
	}
}
