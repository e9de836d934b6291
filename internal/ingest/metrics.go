package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	envelopes   *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	requeues    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayreport_envelopes_total",
			Help: "Envelopes processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayreport_dead_letters_total",
			Help: "Messages moved to the dead-letter store, by kind and failure class.",
		}, []string{"kind", "class"}),
		requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayreport_requeues_total",
			Help: "Messages requeued for retry, by kind and failure class.",
		}, []string{"kind", "class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relayreport_handle_duration_seconds",
			Help:    "Time spent dispatching one message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayreport_queue_depth",
			Help: "Messages waiting in each inbound queue.",
		}, []string{"queue"}),
	}
	if reg != nil {
		for _, collector := range []prometheus.Collector{m.envelopes, m.deadLetters, m.requeues, m.duration, m.queueDepth} {
			if err := reg.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// kindLabel keeps label cardinality bounded: kinds read from undecodable
// bodies are untrusted.
func kindLabel(kind Kind) string {
	if !kind.Valid() {
		return "unknown"
	}
	return string(kind)
}

func (m *Metrics) observeVerdict(kind Kind, verdict Verdict, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := kindLabel(kind)
	m.duration.WithLabelValues(label).Observe(elapsed.Seconds())
	switch verdict.Action {
	case ActionAck:
		outcome := verdict.Reason
		if outcome == "" {
			outcome = OutcomeApplied
		}
		m.envelopes.WithLabelValues(label, outcome).Inc()
	case ActionRequeue:
		m.envelopes.WithLabelValues(label, "requeued").Inc()
		m.requeues.WithLabelValues(label, string(verdict.Class)).Inc()
	case ActionDeadLetter:
		m.envelopes.WithLabelValues(label, "dead_lettered").Inc()
		m.deadLetters.WithLabelValues(label, string(verdict.Class)).Inc()
	}
}

func (m *Metrics) setQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}
