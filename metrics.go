package caronte

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests      *prometheus.CounterVec
	authFailures  *prometheus.CounterVec
	errors        *prometheus.CounterVec
	errorsDropped prometheus.Counter
}

func newMetrics(r prometheus.Registerer, namespace string, sessions *correlator) *metrics {
	if r == nil {
		r = prometheus.NewRegistry() // This registry will be discarded.
	}
	f := promauto.With(r)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name:      "tunnels_active",
		Namespace: namespace,
		Help:      "Number of live CONNECT tunnels",
	}, func() float64 {
		return float64(sessions.Len())
	})

	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "requests_total",
			Namespace: namespace,
			Help:      "Number of requests forwarded to origins",
		}, []string{"listener", "scheme"}),
		authFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "auth_failures_total",
			Namespace: namespace,
			Help:      "Number of requests rejected with 407",
		}, []string{"stage"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "errors_total",
			Namespace: namespace,
			Help:      "Number of errors emitted by the proxy",
		}, []string{"kind", "reason"}),
		errorsDropped: f.NewCounter(prometheus.CounterOpts{
			Name:      "errors_dropped_total",
			Namespace: namespace,
			Help:      "Number of errors not delivered because the error stream was full",
		}),
	}
}

func (m *metrics) request(hc *HookContext) {
	m.requests.WithLabelValues(hc.Listener.String(), hc.Scheme).Inc()
}

func (m *metrics) authFailure(stage string) {
	m.authFailures.WithLabelValues(stage).Inc()
}

func (m *metrics) error(kind, reason string) {
	m.errors.WithLabelValues(kind, reason).Inc()
}

func (m *metrics) errorDropped() {
	m.errorsDropped.Inc()
}
