package domain

import "fmt"

// QualityTier is a named video quality level with a fixed target bitrate.
type QualityTier struct {
	Name        string `json:"name" yaml:"name"`
	BitrateKbps int    `json:"bitrate" yaml:"bitrate_kbps"`
	Resolution  string `json:"resolution" yaml:"resolution"`
	FPS         int    `json:"fps" yaml:"fps"`

	// Minimum network requirements to sustain the tier
	MaxPacketLoss float64 `json:"maxPacketLoss" yaml:"max_packet_loss"`
	MaxJitterMs   float64 `json:"maxJitter" yaml:"max_jitter_ms"`
}

// IsZero reports whether the tier is the empty value.
func (t QualityTier) IsZero() bool {
	return t.Name == ""
}

// TierTable is the ordered list of quality tiers, highest bitrate first.
type TierTable []QualityTier

// DefaultTierTable returns the built-in tier ladder.
func DefaultTierTable() TierTable {
	return TierTable{
		{Name: "4k60", BitrateKbps: 15000, Resolution: "3840x2160", FPS: 60, MaxPacketLoss: 0.5, MaxJitterMs: 30},
		{Name: "1080p60", BitrateKbps: 5000, Resolution: "1920x1080", FPS: 60, MaxPacketLoss: 1, MaxJitterMs: 50},
		{Name: "720p60", BitrateKbps: 2500, Resolution: "1280x720", FPS: 60, MaxPacketLoss: 2, MaxJitterMs: 75},
		{Name: "480p30", BitrateKbps: 1200, Resolution: "854x480", FPS: 30, MaxPacketLoss: 3, MaxJitterMs: 100},
		{Name: "360p30", BitrateKbps: 600, Resolution: "640x360", FPS: 30, MaxPacketLoss: 5, MaxJitterMs: 150},
	}
}

// Validate checks that the table is non-empty, names are unique and bitrates
// strictly decrease.
func (tt TierTable) Validate() error {
	if len(tt) == 0 {
		return fmt.Errorf("%w: no tiers", ErrInvalidTierTable)
	}

	seen := make(map[string]struct{}, len(tt))
	for i, tier := range tt {
		if tier.Name == "" {
			return fmt.Errorf("%w: tier %d has no name", ErrInvalidTierTable, i)
		}
		if _, dup := seen[tier.Name]; dup {
			return fmt.Errorf("%w: duplicate tier %q", ErrInvalidTierTable, tier.Name)
		}
		seen[tier.Name] = struct{}{}

		if tier.BitrateKbps <= 0 {
			return fmt.Errorf("%w: tier %q bitrate must be > 0", ErrInvalidTierTable, tier.Name)
		}
		if tier.FPS <= 0 {
			return fmt.Errorf("%w: tier %q fps must be > 0", ErrInvalidTierTable, tier.Name)
		}
		if i > 0 && tier.BitrateKbps >= tt[i-1].BitrateKbps {
			return fmt.Errorf("%w: tier %q bitrate %d must be below %q (%d)",
				ErrInvalidTierTable, tier.Name, tier.BitrateKbps, tt[i-1].Name, tt[i-1].BitrateKbps)
		}
	}
	return nil
}

// Index returns the position of the named tier, or -1 when unknown.
func (tt TierTable) Index(name string) int {
	for i, tier := range tt {
		if tier.Name == name {
			return i
		}
	}
	return -1
}

// Lookup returns the named tier.
func (tt TierTable) Lookup(name string) (QualityTier, bool) {
	if i := tt.Index(name); i >= 0 {
		return tt[i], true
	}
	return QualityTier{}, false
}

func (tt TierTable) Highest() QualityTier { return tt[0] }

func (tt TierTable) Lowest() QualityTier { return tt[len(tt)-1] }

// Middle returns the tier in the middle of the ladder. It is the starting
// guess when there is no bandwidth history yet.
func (tt TierTable) Middle() QualityTier { return tt[len(tt)/2] }

// Names returns tier names in table order.
func (tt TierTable) Names() []string {
	names := make([]string, len(tt))
	for i, tier := range tt {
		names[i] = tier.Name
	}
	return names
}
