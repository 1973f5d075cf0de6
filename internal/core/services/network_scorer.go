package services

import (
	"math"

	"streamqos/internal/core/domain"
)

const (
	maxBandwidthScore  = 40.0
	maxPacketLossScore = 30.0
	maxJitterScore     = 30.0

	// bandwidth at which the bandwidth component saturates, kbps
	bandwidthScoreCeiling = 10000.0
)

// ScoreNetwork computes the composite 0-100 network score. The label is
// derived from the unrounded total.
func ScoreNetwork(bandwidthKbps, packetLossPct, jitterMs float64) domain.NetworkScore {
	bandwidthScore := math.Min(maxBandwidthScore, math.Max(0, bandwidthKbps)/bandwidthScoreCeiling*maxBandwidthScore)
	packetLossScore := math.Max(0, maxPacketLossScore-math.Max(0, packetLossPct)*6)
	jitterScore := math.Max(0, maxJitterScore-math.Max(0, jitterMs)/5)

	total := bandwidthScore + packetLossScore + jitterScore
	score := int(math.Round(total))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return domain.NetworkScore{
		Score: score,
		Components: domain.ScoreComponents{
			Bandwidth:  int(math.Round(bandwidthScore)),
			PacketLoss: int(math.Round(packetLossScore)),
			Jitter:     int(math.Round(jitterScore)),
		},
		Label: labelForScore(total),
	}
}

func labelForScore(total float64) domain.NetworkLabel {
	switch {
	case total >= 75:
		return domain.NetworkExcellent
	case total >= 50:
		return domain.NetworkGood
	case total >= 25:
		return domain.NetworkFair
	default:
		return domain.NetworkPoor
	}
}
