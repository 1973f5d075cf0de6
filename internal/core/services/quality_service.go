package services

import (
	"math"

	"streamqos/internal/core/domain"
)

const (
	// Tier changes within this many steps of the current tier are suppressed.
	hysteresisSteps = 1

	minPredictSamples     = 3
	degradingMultiplier   = 0.7
	stableTrendMultiplier = 0.85
)

// QualityService picks a video quality tier from network telemetry.
// All methods are pure and safe for concurrent use.
type QualityService struct {
	profile domain.QoSProfile
}

func NewQualityService(profile domain.QoSProfile) *QualityService {
	return &QualityService{profile: profile}
}

// Tiers returns the tier ladder, highest bitrate first.
func (qs *QualityService) Tiers() domain.TierTable {
	return qs.profile.Tiers
}

// RecommendQuality runs the buffer-aware tier selection for one snapshot and
// proposes a transition when the change is larger than the hysteresis window.
func (qs *QualityService) RecommendQuality(snapshot domain.TelemetrySnapshot) domain.Recommendation {
	adjusted := qs.AdjustedBandwidth(snapshot)
	state := qs.profile.Buffer.Classify(snapshot.BufferSeconds)
	tier := qs.DetermineOptimalQuality(adjusted, state)
	score := ScoreNetwork(snapshot.BandwidthKbps, snapshot.PacketLossPct, snapshot.JitterMs)

	return domain.Recommendation{
		Recommended: tier.Name,
		Bitrate:     tier.BitrateKbps,
		Bandwidth: domain.BandwidthSummary{
			Available:   snapshot.BandwidthKbps,
			Effective:   adjusted,
			Recommended: tier.BitrateKbps,
		},
		BufferState:  state,
		BufferLength: snapshot.BufferSeconds,
		NetworkMetrics: domain.NetworkMetrics{
			PacketLoss: snapshot.PacketLossPct,
			Jitter:     snapshot.JitterMs,
			Quality:    score.Label,
		},
		NetworkScore: score.Score,
		Transition:   qs.proposeTransition(snapshot.CurrentTier, tier),
		Tier:         tier,
	}
}

// AdjustedBandwidth discounts raw bandwidth by packet loss and by a jitter
// penalty above the jitter threshold. Never negative.
func (qs *QualityService) AdjustedBandwidth(snapshot domain.TelemetrySnapshot) float64 {
	effective := snapshot.BandwidthKbps * (1 - snapshot.PacketLossPct/100)
	jitterPenalty := math.Max(0, (snapshot.JitterMs-qs.profile.JitterThreshold)/1000)
	return math.Max(0, effective*(1-jitterPenalty))
}

// DetermineOptimalQuality returns the best tier whose bitrate fits within the
// utilization budget for the buffer state, or the lowest tier if none fits.
func (qs *QualityService) DetermineOptimalQuality(adjustedKbps float64, state domain.BufferState) domain.QualityTier {
	tiers := qs.profile.Tiers
	budget := adjustedKbps * qs.profile.Utilization.For(state)
	selected := tiers.Lowest()

	if state == domain.BufferHigh {
		// Comfortable buffer: walk up the ladder from the bottom and keep the
		// last tier that still fits.
		for i := len(tiers) - 1; i >= 0; i-- {
			if float64(tiers[i].BitrateKbps) <= budget {
				selected = tiers[i]
			}
		}
		return selected
	}

	for _, tier := range tiers {
		if float64(tier.BitrateKbps) <= budget {
			return tier
		}
	}
	return selected
}

func (qs *QualityService) proposeTransition(current string, selected domain.QualityTier) *domain.Transition {
	currentIdx := qs.profile.Tiers.Index(current)
	if currentIdx < 0 {
		return &domain.Transition{
			Transition: true,
			From:       current,
			To:         selected.Name,
			Reason:     "unknown current tier",
		}
	}

	t := qs.transitionBetween(currentIdx, qs.profile.Tiers.Index(selected.Name))
	if !t.Transition {
		return nil
	}
	return &t
}

// transitionBetween applies the hysteresis rule to two tier indices. A
// positive distance means the target has a higher bitrate.
func (qs *QualityService) transitionBetween(currentIdx, targetIdx int) domain.Transition {
	distance := currentIdx - targetIdx
	steps := distance
	if steps < 0 {
		steps = -steps
	}
	if steps <= hysteresisSteps {
		return domain.Transition{
			Transition: false,
			Reason:     "within hysteresis threshold",
		}
	}

	direction := domain.DirectionDowngrade
	if distance > 0 {
		direction = domain.DirectionUpgrade
	}
	return domain.Transition{
		Transition: true,
		From:       qs.profile.Tiers[currentIdx].Name,
		To:         qs.profile.Tiers[targetIdx].Name,
		Steps:      steps,
		Direction:  direction,
	}
}

// QualityTransition applies the hysteresis rule to a pair of tier names.
func (qs *QualityService) QualityTransition(current, recommended string) domain.Transition {
	currentIdx := qs.profile.Tiers.Index(current)
	targetIdx := qs.profile.Tiers.Index(recommended)
	if currentIdx < 0 || targetIdx < 0 {
		return domain.Transition{
			Transition: false,
			Reason:     "invalid quality",
		}
	}
	return qs.transitionBetween(currentIdx, targetIdx)
}

// PredictQuality estimates the tier the recent bandwidth trend can sustain.
// It is advisory and never produces a transition by itself.
func (qs *QualityService) PredictQuality(history []float64) domain.QualityTier {
	tiers := qs.profile.Tiers
	if len(history) < minPredictSamples {
		return tiers.Middle()
	}

	window := qs.profile.PredictWindow
	if window <= 0 || window > len(history) {
		window = len(history)
	}
	recent := history[len(history)-window:]

	var sum float64
	for _, v := range recent {
		sum += v
	}
	mean := sum / float64(len(recent))
	trend := recent[len(recent)-1] - mean

	multiplier := stableTrendMultiplier
	if trend < 0 {
		multiplier = degradingMultiplier
	}

	for _, tier := range tiers {
		if float64(tier.BitrateKbps) <= mean*multiplier {
			return tier
		}
	}
	return tiers.Lowest()
}

// TransitionPath lists the tiers visited when stepping one tier at a time
// from one quality to another, both ends included.
func (qs *QualityService) TransitionPath(from, to string) []string {
	tiers := qs.profile.Tiers
	fromIdx, toIdx := tiers.Index(from), tiers.Index(to)
	if fromIdx < 0 || toIdx < 0 {
		return []string{to}
	}

	step := 1
	if toIdx < fromIdx {
		step = -1
	}
	path := make([]string, 0, abs(toIdx-fromIdx)+1)
	for i := fromIdx; ; i += step {
		path = append(path, tiers[i].Name)
		if i == toIdx {
			break
		}
	}
	return path
}

// QualityByBitrate returns the tier whose bitrate is closest to kbps.
func (qs *QualityService) QualityByBitrate(kbps float64) domain.QualityTier {
	tiers := qs.profile.Tiers
	closest := tiers[0]
	minDiff := math.Abs(float64(closest.BitrateKbps) - kbps)
	for _, tier := range tiers[1:] {
		if diff := math.Abs(float64(tier.BitrateKbps) - kbps); diff < minDiff {
			minDiff = diff
			closest = tier
		}
	}
	return closest
}

// CanSupportQuality checks the named tier's minimum network requirements.
func (qs *QualityService) CanSupportQuality(name string, bandwidth, packetLoss, jitter float64) bool {
	tier, ok := qs.profile.Tiers.Lookup(name)
	if !ok {
		return false
	}
	return bandwidth >= float64(tier.BitrateKbps) &&
		packetLoss <= tier.MaxPacketLoss &&
		jitter <= tier.MaxJitterMs
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
