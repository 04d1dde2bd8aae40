package resilience

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by the retry loop.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	retries   *prometheus.CounterVec
	exhausted *prometheus.CounterVec
}

// NewMetrics creates the retry collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apiguard",
			Name:      "retry_attempts_total",
			Help:      "Retries issued against downstream dependencies, by policy and triggering status code.",
		}, []string{"policy", "status"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apiguard",
			Name:      "retry_exhausted_total",
			Help:      "Calls that still failed after every retry, by policy.",
		}, []string{"policy"}),
	}

	for _, c := range []prometheus.Collector{m.retries, m.exhausted} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeRetry(policy string, statusCode int) {
	if m == nil {
		return
	}
	status := "transport"
	if statusCode != 0 {
		status = strconv.Itoa(statusCode)
	}
	m.retries.WithLabelValues(policy, status).Inc()
}

func (m *Metrics) observeExhausted(policy string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(policy).Inc()
}
