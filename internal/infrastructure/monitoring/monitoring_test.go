package monitoring

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"streamqos/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func evaluation(id domain.SessionID, tier string, bitrate, score int, transition *domain.Transition) domain.Evaluation {
	return domain.Evaluation{
		SessionID: id,
		Sequence:  1,
		Recommendation: domain.Recommendation{
			Recommended:  tier,
			Bitrate:      bitrate,
			NetworkScore: score,
			Bandwidth:    domain.BandwidthSummary{Available: 5000, Effective: 4800, Recommended: bitrate},
			Transition:   transition,
		},
		Advisories: []domain.Advisory{
			{Category: "packet_loss", Severity: domain.SeverityWarning, Message: "loss"},
		},
	}
}

func TestPrometheusCollector_OnEvaluation(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())
	ctx := context.Background()

	c.SessionStarted("s1")
	c.OnEvaluation(ctx, evaluation("s1", "720p60", 2500, 80, nil))
	c.OnEvaluation(ctx, evaluation("s1", "1080p60", 5000, 90, &domain.Transition{
		Transition: true, From: "720p60", To: "1080p60", Steps: 1, Direction: domain.DirectionUpgrade,
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.evaluations))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recommendations.WithLabelValues("720p60")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("upgrade")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.advisories.WithLabelValues("packet_loss", "warning")))
	assert.Equal(t, 90.0, testutil.ToFloat64(c.sessionScore.WithLabelValues("s1")))
	assert.Equal(t, 4800.0, testutil.ToFloat64(c.sessionBandwidth.WithLabelValues("s1")))

	// the previous tier's series is replaced, not accumulated
	assert.Equal(t, 1, testutil.CollectAndCount(c.sessionBitrate))
	assert.Equal(t, 5000.0, testutil.ToFloat64(c.sessionBitrate.WithLabelValues("s1", "1080p60")))
}

func TestPrometheusCollector_SessionEndedRemovesSeries(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.SessionStarted("s1")
	c.OnEvaluation(context.Background(), evaluation("s1", "720p60", 2500, 80, nil))
	c.SessionEnded("s1")

	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 0, testutil.CollectAndCount(c.sessionBitrate))
	assert.Equal(t, 0, testutil.CollectAndCount(c.sessionScore))
	assert.Equal(t, 0, testutil.CollectAndCount(c.sessionBandwidth))
}

func TestPrometheusCollector_GapReasons(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())
	ctx := context.Background()

	c.OnTelemetryGap(ctx, domain.TelemetryGap{Err: domain.ErrNoTelemetry})
	c.OnTelemetryGap(ctx, domain.TelemetryGap{Err: fmt.Errorf("%w: retry in 1s", domain.ErrSourceSuspended)})
	c.OnTelemetryGap(ctx, domain.TelemetryGap{Err: errors.New("socket closed")})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.gaps.WithLabelValues("no_telemetry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gaps.WithLabelValues("suspended")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gaps.WithLabelValues("error")))
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddFuncCheck("signal", func() bool { return true }, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck("redis", func(context.Context) (bool, error) {
		return false, errors.New("connection refused")
	}, time.Second, 100*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["signal"])
	assert.Equal(t, "connection refused", status.Checks["redis"])
	assert.Equal(t, "connection refused", h.LastResults()["redis"])
}
