package pki

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records issuance activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	issued   *prometheus.CounterVec
	failures *prometheus.CounterVec
	keygen   prometheus.Histogram
}

// NewMetrics creates the issuance collectors and registers them with reg.
// A nil reg leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		issued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelca",
			Subsystem: "pki",
			Name:      "certificates_issued_total",
			Help:      "Certificates issued, by role and issuer kind.",
		}, []string{"role", "issuer"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelca",
			Subsystem: "pki",
			Name:      "issuance_failures_total",
			Help:      "Failed issuance attempts, by error kind.",
		}, []string{"kind"}),
		keygen: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tunnelca",
			Subsystem: "pki",
			Name:      "key_generation_seconds",
			Help:      "Time spent generating RSA key pairs.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
}

func (m *Metrics) observeKeygen(d time.Duration) {
	if m == nil {
		return
	}
	m.keygen.Observe(d.Seconds())
}

func (m *Metrics) observeIssued(role Role, issuer IssuerContext) {
	if m == nil {
		return
	}
	kind := "external"
	if _, ok := issuer.(selfIssuer); ok {
		kind = "self"
	}
	m.issued.WithLabelValues(role.String(), kind).Inc()
}

func (m *Metrics) observeFailure(err error) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(errorKind(err)).Inc()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedUsage):
		return "unsupported_usage"
	case errors.Is(err, ErrConfigMissing):
		return "config_missing"
	default:
		return "crypto_failure"
	}
}
