package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// CompressionLevel names a compression profile. Note the naming follows the
// amount of compression applied, so "high" is the lowest bitrate.
type CompressionLevel string

const (
	CompressionLow    CompressionLevel = "low"
	CompressionMedium CompressionLevel = "medium"
	CompressionHigh   CompressionLevel = "high"
)

type CompressionProfile struct {
	Ratio            float64 `json:"ratio" yaml:"ratio"`
	FPS              int     `json:"fps" yaml:"fps"`
	KeyframeInterval int     `json:"keyframeInterval" yaml:"keyframe_interval"`
}

type CompressionPolicy struct {
	Level CompressionLevel `json:"level"`
	CompressionProfile
	DataReductionPct Percent `json:"dataReduction"`
}

// Percent is a whole percentage that travels as a string such as "70%",
// which is what player clients display as-is.
type Percent int

func (p Percent) String() string {
	return strconv.Itoa(int(p)) + "%"
}

func (p Percent) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(p.String())), nil
}

// UnmarshalJSON accepts "70%", "70" or a bare number.
func (p *Percent) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSuffix(strings.TrimSpace(unquoted), "%")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid percentage %s", data)
	}
	*p = Percent(v)
	return nil
}

type BufferStrategy string

const (
	BufferStrategyAggressive   BufferStrategy = "aggressive"
	BufferStrategyNormal       BufferStrategy = "normal"
	BufferStrategyConservative BufferStrategy = "conservative"
)

// BufferProfile sizes are in seconds.
type BufferProfile struct {
	Size    int `json:"size" yaml:"size"`
	Prefill int `json:"prefill" yaml:"prefill"`
	Target  int `json:"target" yaml:"target"`
}

type BufferPolicy struct {
	Strategy BufferStrategy `json:"strategy"`
	BufferProfile
}

type FragmentationPolicy struct {
	SizeBytes int    `json:"size"`
	Reason    string `json:"reason"`
}

type RetransmissionPolicy struct {
	Enabled           bool    `json:"enabled"`
	TimeoutMs         int     `json:"timeout"`
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	PacketLoss        float64 `json:"packetLoss"`
	FECEnabled        bool    `json:"fecEnabled"`
}

type EncodingProfileName string

const (
	EncodingLowLatency  EncodingProfileName = "low_latency"
	EncodingBalanced    EncodingProfileName = "balanced"
	EncodingHighQuality EncodingProfileName = "high_quality"
)

type EncodingProfile struct {
	Name         EncodingProfileName `json:"selected"`
	DisplayName  string              `json:"name"`
	Preset       string              `json:"preset"`
	Profile      string              `json:"profile"`
	LatencyClass string              `json:"latency"`
	SuitedFor    string              `json:"suitedFor"`
}

type AudioProfileName string

const (
	AudioUltraLow AudioProfileName = "ultra_low"
	AudioLow      AudioProfileName = "low"
	AudioMedium   AudioProfileName = "medium"
	AudioHigh     AudioProfileName = "high"
)

type AudioProfile struct {
	Name         AudioProfileName `json:"profile"`
	Codec        string           `json:"codec"`
	BitrateKbps  int              `json:"bitrate"`
	SampleRateHz int              `json:"sampleRate"`
	Channels     int              `json:"channels"`
	FrameSizeMs  int              `json:"frameSize"`
	DTXEnabled   bool             `json:"dtxEnabled"`
}

type FrameDropIntensity string

const (
	DropIntensityLow    FrameDropIntensity = "low"
	DropIntensityMedium FrameDropIntensity = "medium"
	DropIntensityHigh   FrameDropIntensity = "high"
)

type FrameDropPolicy struct {
	DropFrames      bool               `json:"dropFrames"`
	TargetFrameRate int                `json:"targetFrameRate"`
	DropPattern     string             `json:"dropPattern"`
	Intensity       FrameDropIntensity `json:"intensity"`
}

type PrefetchStrategy string

const (
	PrefetchAggressive   PrefetchStrategy = "aggressive"
	PrefetchConservative PrefetchStrategy = "conservative"
)

type PrefetchPolicy struct {
	Enabled           bool             `json:"enabled"`
	PrefetchSeconds   float64          `json:"prefetchSeconds"`
	Strategy          PrefetchStrategy `json:"strategy"`
	ParallelDownloads int              `json:"parallelDownloads"`
}

// TransmissionPolicy bundles every transmission sub-decision for one tick.
type TransmissionPolicy struct {
	Compression     CompressionPolicy    `json:"compression"`
	Buffer          BufferPolicy         `json:"buffer"`
	Fragmentation   FragmentationPolicy  `json:"packetFragmentation"`
	Retransmission  RetransmissionPolicy `json:"retransmissionPolicy"`
	EncodingProfile EncodingProfile      `json:"encodingProfile"`
	AudioProfile    AudioProfile         `json:"audioProfile"`
	FrameDrop       FrameDropPolicy      `json:"frameDrop"`
	Prefetch        PrefetchPolicy       `json:"prefetch"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Advisory is a single finding from the optimization checks.
type Advisory struct {
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// DataSavings compares data volume at two bitrates over a duration.
type DataSavings struct {
	OriginalBytes  float64 `json:"originalBytes"`
	OptimizedBytes float64 `json:"optimizedBytes"`
	SavedBytes     float64 `json:"savedBytes"`
	OriginalSize   string  `json:"originalSize"`
	OptimizedSize  string  `json:"optimizedSize"`
	Savings        string  `json:"savings"`
	PercentSaved   int     `json:"percentageSaved"`
	Duration       float64 `json:"duration"`
}
