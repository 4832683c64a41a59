package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type metrics struct {
	registry        *prometheus.Registry
	issued          prometheus.Counter
	issueFailures   *prometheus.CounterVec
	lookups         *prometheus.CounterVec
	gatewayRequests *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pki",
			Name:      "certificates_issued_total",
			Help:      "Device certificates issued and published.",
		}),
		issueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pki",
			Name:      "issue_failures_total",
			Help:      "Failed issuance requests by reason.",
		}, []string{"reason"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pki",
			Name:      "public_key_lookups_total",
			Help:      "Public key lookups by result.",
		}, []string{"result"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pki",
			Name:      "gateway_requests_total",
			Help:      "Content gateway fetches by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.issued,
		m.issueFailures,
		m.lookups,
		m.gatewayRequests,
	)
	return m
}
