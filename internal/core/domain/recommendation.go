package domain

// NetworkLabel is the qualitative grade attached to a network score.
type NetworkLabel string

const (
	NetworkExcellent NetworkLabel = "excellent"
	NetworkGood      NetworkLabel = "good"
	NetworkFair      NetworkLabel = "fair"
	NetworkPoor      NetworkLabel = "poor"
)

// ScoreComponents holds the rounded per-factor contributions to a score.
type ScoreComponents struct {
	Bandwidth  int `json:"bandwidth"`
	PacketLoss int `json:"packetLoss"`
	Jitter     int `json:"jitter"`
}

// NetworkScore is a composite 0-100 network quality score.
type NetworkScore struct {
	Score      int             `json:"score"`
	Components ScoreComponents `json:"components"`
	Label      NetworkLabel    `json:"quality"`
}

type TransitionDirection string

const (
	DirectionUpgrade   TransitionDirection = "upgrade"
	DirectionDowngrade TransitionDirection = "downgrade"
)

// Transition describes a proposed tier change.
type Transition struct {
	Transition bool                `json:"transition"`
	From       string              `json:"from,omitempty"`
	To         string              `json:"to,omitempty"`
	Steps      int                 `json:"steps,omitempty"`
	Direction  TransitionDirection `json:"direction,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

type BandwidthSummary struct {
	Available   float64 `json:"available"`
	Effective   float64 `json:"effective"`
	Recommended int     `json:"recommended"`
}

type NetworkMetrics struct {
	PacketLoss float64      `json:"packetLoss"`
	Jitter     float64      `json:"jitter"`
	Quality    NetworkLabel `json:"quality"`
}

// Recommendation is the quality decision for a single tick. Transition is
// nil unless a tier change is proposed.
type Recommendation struct {
	Recommended    string           `json:"recommended"`
	Bitrate        int              `json:"bitrate"`
	Bandwidth      BandwidthSummary `json:"bandwidth"`
	BufferState    BufferState      `json:"bufferState"`
	BufferLength   float64          `json:"bufferLength"`
	NetworkMetrics NetworkMetrics   `json:"networkMetrics"`
	NetworkScore   int              `json:"networkScore"`
	Transition     *Transition      `json:"transition,omitempty"`

	Tier QualityTier `json:"-"`
}
