package publisher

import "github.com/prometheus/client_golang/prometheus"

// Metrics of the sender. A nil *Metrics records nothing.
type Metrics struct {
	published *prometheus.CounterVec
	failures  *prometheus.CounterVec
	skipped   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sender",
			Name:      "readings_published_total",
			Help:      "Sealed readings published by car.",
		}, []string{"car"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sender",
			Name:      "publish_failures_total",
			Help:      "Readings that could not be sealed or published, by car.",
		}, []string{"car"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sender",
			Name:      "ticks_skipped_total",
			Help:      "Publish ticks skipped because no receiver key was known.",
		}),
	}
	reg.MustRegister(m.published, m.failures, m.skipped)
	return m
}

func (m *Metrics) recordPublished(car string) {
	if m != nil {
		m.published.WithLabelValues(car).Inc()
	}
}

func (m *Metrics) recordFailure(car string) {
	if m != nil {
		m.failures.WithLabelValues(car).Inc()
	}
}

func (m *Metrics) recordSkippedTick() {
	if m != nil {
		m.skipped.Inc()
	}
}
