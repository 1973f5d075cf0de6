package ports

import (
	"context"
	"time"

	"streamqos/internal/core/domain"
)

type QualityService interface {
	RecommendQuality(snapshot domain.TelemetrySnapshot) domain.Recommendation
	PredictQuality(history []float64) domain.QualityTier
	QualityTransition(current, recommended string) domain.Transition
	TransitionPath(from, to string) []string
	QualityByBitrate(kbps float64) domain.QualityTier
	CanSupportQuality(name string, bandwidth, packetLoss, jitter float64) bool
	Tiers() domain.TierTable
}

type TransmissionService interface {
	OptimizeTransmission(snapshot domain.TelemetrySnapshot) domain.TransmissionPolicy
	OptimizationRecommendations(snapshot domain.TelemetrySnapshot) []domain.Advisory
	DataSavings(originalKbps, optimizedKbps, durationSec float64) domain.DataSavings
	OptimalBufferSeconds(bandwidth, jitter float64) float64
}

// ControlLoop drives the engines periodically for one monitoring session.
type ControlLoop interface {
	Start(ctx context.Context, source TelemetrySource, period time.Duration) error
	Stop()
	Running() bool
	SessionID() domain.SessionID
	Last() (domain.Evaluation, bool)
}
