package domain

import (
	"fmt"
	"time"
)

// QoSProfile is the static configuration the decision engines run against.
// It is built once at startup and treated as read-only afterwards.
type QoSProfile struct {
	Tiers       TierTable
	Buffer      BufferThresholds
	Utilization UtilizationFactors

	Compression     map[CompressionLevel]CompressionProfile
	BufferProfiles  map[BufferStrategy]BufferProfile
	DesiredFPS      int
	HistorySize     int
	PredictWindow   int
	TickInterval    time.Duration
	JitterThreshold float64 // ms, jitter above this discounts bandwidth
}

// DefaultQoSProfile returns the built-in profile.
func DefaultQoSProfile() QoSProfile {
	return QoSProfile{
		Tiers:       DefaultTierTable(),
		Buffer:      DefaultBufferThresholds(),
		Utilization: DefaultUtilizationFactors(),
		Compression: map[CompressionLevel]CompressionProfile{
			CompressionHigh:   {Ratio: 0.3, FPS: 25, KeyframeInterval: 5},
			CompressionMedium: {Ratio: 0.5, FPS: 30, KeyframeInterval: 3},
			CompressionLow:    {Ratio: 0.7, FPS: 60, KeyframeInterval: 2},
		},
		BufferProfiles: map[BufferStrategy]BufferProfile{
			BufferStrategyAggressive:   {Size: 5, Prefill: 2, Target: 8},
			BufferStrategyNormal:       {Size: 10, Prefill: 4, Target: 12},
			BufferStrategyConservative: {Size: 20, Prefill: 8, Target: 16},
		},
		DesiredFPS:      60,
		HistorySize:     60,
		PredictWindow:   5,
		TickInterval:    time.Second,
		JitterThreshold: 50,
	}
}

// Validate checks the profile for internal consistency.
func (p QoSProfile) Validate() error {
	if err := p.Tiers.Validate(); err != nil {
		return err
	}
	if !(p.Buffer.Critical <= p.Buffer.Low && p.Buffer.Low <= p.Buffer.High) {
		return fmt.Errorf("buffer thresholds must satisfy critical <= low <= high")
	}
	for _, state := range []BufferState{BufferCritical, BufferLow, BufferNormal, BufferHigh} {
		f, ok := p.Utilization[state]
		if !ok || f <= 0 || f > 1 {
			return fmt.Errorf("utilization factor for %s must be in (0, 1]", state)
		}
	}
	for _, level := range []CompressionLevel{CompressionLow, CompressionMedium, CompressionHigh} {
		if _, ok := p.Compression[level]; !ok {
			return fmt.Errorf("missing compression profile %q", level)
		}
	}
	for _, strategy := range []BufferStrategy{BufferStrategyAggressive, BufferStrategyNormal, BufferStrategyConservative} {
		if _, ok := p.BufferProfiles[strategy]; !ok {
			return fmt.Errorf("missing buffer profile %q", strategy)
		}
	}
	if p.DesiredFPS <= 0 {
		return fmt.Errorf("desired fps must be > 0")
	}
	if p.HistorySize <= 0 {
		return fmt.Errorf("history size must be > 0")
	}
	if p.PredictWindow <= 0 {
		return fmt.Errorf("predict window must be > 0")
	}
	if p.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be > 0")
	}
	return nil
}
