package domain

// BufferState partitions playback buffer occupancy.
type BufferState string

const (
	BufferCritical BufferState = "critical"
	BufferLow      BufferState = "low"
	BufferNormal   BufferState = "normal"
	BufferHigh     BufferState = "high"
)

// BufferThresholds are the boundaries, in seconds, between buffer states.
// critical: < Critical, low: < Low, high: > High, normal otherwise.
type BufferThresholds struct {
	Critical float64 `yaml:"critical"`
	Low      float64 `yaml:"low"`
	High     float64 `yaml:"high"`
}

func DefaultBufferThresholds() BufferThresholds {
	return BufferThresholds{
		Critical: 2,
		Low:      5,
		High:     20,
	}
}

// Classify maps a buffer length onto exactly one state.
func (bt BufferThresholds) Classify(seconds float64) BufferState {
	switch {
	case seconds < bt.Critical:
		return BufferCritical
	case seconds < bt.Low:
		return BufferLow
	case seconds > bt.High:
		return BufferHigh
	default:
		return BufferNormal
	}
}

// UtilizationFactors is the share of adjusted bandwidth a tier may consume
// in each buffer state.
type UtilizationFactors map[BufferState]float64

func DefaultUtilizationFactors() UtilizationFactors {
	return UtilizationFactors{
		BufferCritical: 0.5,
		BufferLow:      0.7,
		BufferNormal:   0.8,
		BufferHigh:     0.9,
	}
}

// For returns the factor for a state, falling back to the normal factor.
func (uf UtilizationFactors) For(state BufferState) float64 {
	if f, ok := uf[state]; ok {
		return f
	}
	return uf[BufferNormal]
}
