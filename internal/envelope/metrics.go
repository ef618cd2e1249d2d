package envelope

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts lifecycle transitions. A nil *Metrics is valid and counts
// nothing, which keeps tests and secondary services free of a registry.
type Metrics struct {
	createdTotal      prometheus.Counter
	sentTotal         prometheus.Counter
	signaturesTotal   *prometheus.CounterVec
	declinedTotal     prometheus.Counter
	completedTotal    prometheus.Counter
	voidedTotal       prometheus.Counter
	expiredTotal      prometheus.Counter
	sealAttemptsTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		createdTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envelopes_created_total", Help: "Envelopes created.",
		}),
		sentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envelopes_sent_total", Help: "Envelopes sent out for signing.",
		}),
		signaturesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envelope_signatures_total", Help: "Signature attempts.",
		}, []string{"result"}),
		declinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envelopes_declined_total", Help: "Envelopes declined by a signer.",
		}),
		completedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envelopes_completed_total", Help: "Envelopes sealed and completed.",
		}),
		voidedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envelopes_voided_total", Help: "Envelopes voided by the sender.",
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envelopes_expired_total", Help: "Envelopes expired by the sweep.",
		}),
		sealAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envelope_seal_attempts_total", Help: "Sealing pipeline runs.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.createdTotal, m.sentTotal, m.signaturesTotal, m.declinedTotal,
		m.completedTotal, m.voidedTotal, m.expiredTotal, m.sealAttemptsTotal,
	)
	return m
}

func (m *Metrics) created() {
	if m != nil {
		m.createdTotal.Inc()
	}
}

func (m *Metrics) sent() {
	if m != nil {
		m.sentTotal.Inc()
	}
}

func (m *Metrics) signature(result string) {
	if m != nil {
		m.signaturesTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) declined() {
	if m != nil {
		m.declinedTotal.Inc()
	}
}

func (m *Metrics) completed() {
	if m != nil {
		m.completedTotal.Inc()
	}
}

func (m *Metrics) voided() {
	if m != nil {
		m.voidedTotal.Inc()
	}
}

func (m *Metrics) expired() {
	if m != nil {
		m.expiredTotal.Inc()
	}
}

func (m *Metrics) sealAttempt(status string) {
	if m != nil {
		m.sealAttemptsTotal.WithLabelValues(status).Inc()
	}
}
