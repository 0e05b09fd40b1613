package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Verification outcomes.
const (
	VerifyVerified   = "verified"
	VerifyUnverified = "unverified"
	VerifyError      = "error"
)

type Metrics struct {
	inspectionsTotal   *prometheus.CounterVec
	blockReasonsTotal  *prometheus.CounterVec
	challengesTotal    *prometheus.CounterVec
	verificationsTotal *prometheus.CounterVec
	ratelimitHitsTotal *prometheus.CounterVec
	tasksInFlight      prometheus.Gauge
	inspectionDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inspectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "klyr_inspections_total", Help: "Total inspected requests"},
			[]string{"policy", "action", "code"},
		),
		blockReasonsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "klyr_block_reasons_total", Help: "Decision reasons by initiator"},
			[]string{"policy", "initiator"},
		),
		challengesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "klyr_challenges_total", Help: "Challenge responses by phase"},
			[]string{"phase"},
		),
		verificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "klyr_verifications_total", Help: "Verification cookie checks by outcome"},
			[]string{"outcome"},
		),
		ratelimitHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "klyr_ratelimit_hits_total", Help: "Total rate limit hits"},
			[]string{"policy", "limit"},
		),
		tasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "klyr_tasks_in_flight", Help: "Inspection tasks not yet finished"},
		),
		inspectionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "klyr_inspection_duration_seconds",
				Help:    "Inspection duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"policy"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.inspectionsTotal,
		m.blockReasonsTotal,
		m.challengesTotal,
		m.verificationsTotal,
		m.ratelimitHitsTotal,
		m.tasksInFlight,
		m.inspectionDuration,
	)

	return m
}

func (m *Metrics) Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observe records one finished inspection.
func (m *Metrics) Observe(rec logging.Record, duration time.Duration) {
	if m == nil {
		return
	}

	m.inspectionsTotal.WithLabelValues(rec.Policy, rec.Action, intToString(rec.StatusCode)).Inc()
	m.inspectionDuration.WithLabelValues(rec.Policy).Observe(duration.Seconds())

	switch rec.StatusCode {
	case decision.StatusChallengePhase01:
		m.challengesTotal.WithLabelValues("phase01").Inc()
	case decision.StatusChallengePhase02:
		m.challengesTotal.WithLabelValues("phase02").Inc()
	}

	for _, r := range rec.Reasons {
		m.blockReasonsTotal.WithLabelValues(rec.Policy, r.Initiator).Inc()
		if r.Initiator == string(decision.InitiatorLimit) {
			m.ratelimitHitsTotal.WithLabelValues(rec.Policy, r.ID).Inc()
		}
	}
}

func (m *Metrics) ObserveVerification(outcome string) {
	if m == nil {
		return
	}
	m.verificationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksInFlight.Inc()
}

func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.tasksInFlight.Dec()
}

func intToString(code int) string {
	if code == 0 {
		return "0"
	}
	return strconv.Itoa(code)
}
