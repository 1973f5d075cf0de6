package monitoring

import (
	"context"
	"errors"
	"sync"

	"streamqos/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports control loop output. It is an evaluation sink
// and a session observer, so per-session series are removed when a session
// ends.
type PrometheusCollector struct {
	sessionsActive prometheus.Gauge
	evaluations    prometheus.Counter

	recommendations *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	gaps            *prometheus.CounterVec
	advisories      *prometheus.CounterVec

	networkScoreDist prometheus.Histogram

	sessionBitrate   *prometheus.GaugeVec
	sessionScore     *prometheus.GaugeVec
	sessionBandwidth *prometheus.GaugeVec

	mu    sync.Mutex
	tiers map[domain.SessionID]string
}

// NewPrometheusCollector registers the collector's metrics with reg, or with
// the default registerer when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamqos_sessions_active",
			Help: "Number of monitoring sessions with a running control loop",
		}),

		evaluations: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamqos_evaluations_total",
			Help: "Total number of control loop evaluations emitted",
		}),

		recommendations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamqos_recommendations_total",
			Help: "Evaluations by recommended tier",
		}, []string{"tier"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamqos_tier_transitions_total",
			Help: "Proposed tier changes by direction",
		}, []string{"direction"}),

		gaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamqos_telemetry_gaps_total",
			Help: "Ticks skipped because telemetry could not be fetched",
		}, []string{"reason"}),

		advisories: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamqos_advisories_total",
			Help: "Optimization advisories emitted by category and severity",
		}, []string{"category", "severity"}),

		networkScoreDist: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamqos_network_score",
			Help:    "Distribution of composite network scores (0-100)",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),

		sessionBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamqos_session_recommended_bitrate_kbps",
			Help: "Bitrate of the tier currently recommended for a session",
		}, []string{"session_id", "tier"}),

		sessionScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamqos_session_network_score",
			Help: "Latest network score of a session (0-100)",
		}, []string{"session_id"}),

		sessionBandwidth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamqos_session_effective_bandwidth_kbps",
			Help: "Latest jitter-adjusted bandwidth of a session",
		}, []string{"session_id"}),

		tiers: make(map[domain.SessionID]string),
	}
}

func (p *PrometheusCollector) OnEvaluation(_ context.Context, eval domain.Evaluation) {
	rec := eval.Recommendation
	id := string(eval.SessionID)

	p.evaluations.Inc()
	p.recommendations.WithLabelValues(rec.Recommended).Inc()
	p.networkScoreDist.Observe(float64(rec.NetworkScore))

	if rec.Transition != nil && rec.Transition.Transition && rec.Transition.Direction != "" {
		p.transitions.WithLabelValues(string(rec.Transition.Direction)).Inc()
	}
	for _, adv := range eval.Advisories {
		p.advisories.WithLabelValues(adv.Category, string(adv.Severity)).Inc()
	}

	p.mu.Lock()
	if prev, ok := p.tiers[eval.SessionID]; ok && prev != rec.Recommended {
		p.sessionBitrate.DeleteLabelValues(id, prev)
	}
	p.tiers[eval.SessionID] = rec.Recommended
	p.mu.Unlock()

	p.sessionBitrate.WithLabelValues(id, rec.Recommended).Set(float64(rec.Bitrate))
	p.sessionScore.WithLabelValues(id).Set(float64(rec.NetworkScore))
	p.sessionBandwidth.WithLabelValues(id).Set(rec.Bandwidth.Effective)
}

func (p *PrometheusCollector) OnTelemetryGap(_ context.Context, gap domain.TelemetryGap) {
	p.gaps.WithLabelValues(gapReason(gap.Err)).Inc()
}

func (p *PrometheusCollector) SessionStarted(domain.SessionID) {
	p.sessionsActive.Inc()
}

func (p *PrometheusCollector) SessionEnded(id domain.SessionID) {
	p.sessionsActive.Dec()

	p.mu.Lock()
	tier, ok := p.tiers[id]
	delete(p.tiers, id)
	p.mu.Unlock()

	if ok {
		p.sessionBitrate.DeleteLabelValues(string(id), tier)
	}
	p.sessionScore.DeleteLabelValues(string(id))
	p.sessionBandwidth.DeleteLabelValues(string(id))
}

func gapReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrSourceSuspended):
		return "suspended"
	case errors.Is(err, domain.ErrNoTelemetry):
		return "no_telemetry"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
