package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes gate decision and usage metrics. A nil *Metrics is
// valid and records nothing, for callers that do not scrape.
type Metrics struct {
	decisions  *prometheus.CounterVec
	denials    *prometheus.CounterVec
	tokens     *prometheus.CounterVec
	costUSD    *prometheus.CounterVec
	classified *prometheus.CounterVec
	checkTime  prometheus.Histogram
}

// NewMetrics registers the gate metrics on the given registerer.
// Pass nil for the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_gate_decisions_total",
			Help: "Authorization decisions by action kind and outcome.",
		}, []string{"kind", "allowed"}),

		denials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_gate_denials_total",
			Help: "Denied authorizations by reason.",
		}, []string{"kind", "reason"}),

		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_usage_tokens_total",
			Help: "Tokens recorded against budgets by scope.",
		}, []string{"scope"}),

		costUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_usage_cost_usd_total",
			Help: "USD cost recorded against budgets by scope.",
		}, []string{"scope"}),

		classified: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_autosearch_classifications_total",
			Help: "Autosearch classifications by selected mode.",
		}, []string{"mode"}),

		checkTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_gate_check_duration_seconds",
			Help:    "Time spent running the authorization check chain.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) recordDecision(kind Kind, d Decision) {
	if m == nil {
		return
	}
	allowed := "false"
	if d.Allowed {
		allowed = "true"
	}
	m.decisions.WithLabelValues(string(kind), allowed).Inc()
	if !d.Allowed {
		m.denials.WithLabelValues(string(kind), string(d.Reason)).Inc()
	}
}

func (m *Metrics) recordUsage(scopeKey string, tokens int, costUSD float64) {
	if m == nil {
		return
	}
	if tokens > 0 {
		m.tokens.WithLabelValues(scopeKey).Add(float64(tokens))
	}
	if costUSD > 0 {
		m.costUSD.WithLabelValues(scopeKey).Add(costUSD)
	}
}

func (m *Metrics) recordClassification(mode string) {
	if m == nil {
		return
	}
	m.classified.WithLabelValues(mode).Inc()
}

func (m *Metrics) observeCheckDuration(seconds float64) {
	if m == nil {
		return
	}
	m.checkTime.Observe(seconds)
}
