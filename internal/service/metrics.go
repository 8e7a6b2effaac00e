package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/engine"
)

// Operation labels.
const (
	opEvaluate = "evaluate"
	opApply    = "apply"
)

// Metrics holds the promotion decision collectors.
type Metrics struct {
	decisions *prometheus.CounterVec
	discount  *prometheus.CounterVec
	aborts    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the promotion collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promotion_decisions_total",
			Help: "Candidate decisions by operation and outcome",
		}, []string{"operation", "decision"}),
		discount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promotion_discount_minor_units_total",
			Help: "Committed discount in minor currency units",
		}, []string{"currency"}),
		aborts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promotion_aborts_total",
			Help: "Requests aborted by operation and stage",
		}, []string{"operation", "stage"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promotion_evaluation_duration_seconds",
			Help:    "Time to reach a decision in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation", "result"}),
	}
}

func (m *Metrics) observeResolution(op string, res *engine.Resolution) {
	if m == nil || res == nil {
		return
	}
	if n := len(res.Applied); n > 0 {
		m.decisions.WithLabelValues(op, string(domain.DecisionApplied)).Add(float64(n))
	}
	for _, ex := range res.Excluded {
		m.decisions.WithLabelValues(op, string(ex.Reason.Decision())).Inc()
	}
}

func (m *Metrics) observeDiscount(amount domain.Money) {
	if m == nil || amount.Amount == 0 {
		return
	}
	m.discount.WithLabelValues(amount.Currency).Add(float64(amount.Amount))
}

func (m *Metrics) observeAbort(op, stage string) {
	if m == nil {
		return
	}
	m.aborts.WithLabelValues(op, stage).Inc()
}

func (m *Metrics) observeDuration(op, result string, seconds float64) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op, result).Observe(seconds)
}
