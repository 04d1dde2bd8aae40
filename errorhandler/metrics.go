package errorhandler

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts error envelopes and business error rewrites. A nil *Metrics is a no-op.
type Metrics struct {
	envelopes      *prometheus.CounterVec
	businessErrors prometheus.Counter
}

// NewMetrics creates the error handler collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apiguard",
			Name:      "error_envelopes_total",
			Help:      "Error envelopes written, by status code and whether the error was handled.",
		}, []string{"status", "handled"}),
		businessErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apiguard",
			Name:      "business_errors_total",
			Help:      "Successful responses re-statused to 400 because of an in-band error.",
		}),
	}

	for _, c := range []prometheus.Collector{m.envelopes, m.businessErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) envelopeWritten(env ErrorEnvelope) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(strconv.Itoa(env.StatusCode), strconv.FormatBool(env.Handled)).Inc()
}

func (m *Metrics) businessError() {
	if m == nil {
		return
	}
	m.businessErrors.Inc()
}
