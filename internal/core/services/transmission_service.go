package services

import (
	"math"

	"streamqos/internal/core/domain"

	"github.com/dustin/go-humanize"
)

const (
	mtuBytes = 1500

	retransmitBackoffMultiplier = 1.5
	fecLossThreshold            = 2.0 // percent, FEC strictly above

	opusFrameSizeMs = 20
)

var encodingProfiles = map[domain.EncodingProfileName]domain.EncodingProfile{
	domain.EncodingLowLatency: {
		Name:         domain.EncodingLowLatency,
		DisplayName:  "Low Latency",
		Preset:       "ultrafast",
		Profile:      "baseline",
		LatencyClass: "< 100ms",
		SuitedFor:    "Live streaming, Real-time communication",
	},
	domain.EncodingBalanced: {
		Name:         domain.EncodingBalanced,
		DisplayName:  "Balanced",
		Preset:       "veryfast",
		Profile:      "main",
		LatencyClass: "100-200ms",
		SuitedFor:    "General streaming",
	},
	domain.EncodingHighQuality: {
		Name:         domain.EncodingHighQuality,
		DisplayName:  "High Quality",
		Preset:       "fast",
		Profile:      "high",
		LatencyClass: "200-500ms",
		SuitedFor:    "On-demand streaming",
	},
}

var audioProfiles = map[domain.AudioProfileName]domain.AudioProfile{
	domain.AudioUltraLow: {BitrateKbps: 12, SampleRateHz: 8000, Channels: 1},
	domain.AudioLow:      {BitrateKbps: 24, SampleRateHz: 16000, Channels: 1},
	domain.AudioMedium:   {BitrateKbps: 64, SampleRateHz: 48000, Channels: 2},
	domain.AudioHigh:     {BitrateKbps: 128, SampleRateHz: 48000, Channels: 2},
}

// TransmissionService derives transmission parameters from network telemetry.
// Every sub-decision is an independent threshold function.
type TransmissionService struct {
	profile domain.QoSProfile
}

func NewTransmissionService(profile domain.QoSProfile) *TransmissionService {
	return &TransmissionService{profile: profile}
}

// OptimizeTransmission builds the full transmission policy for a snapshot.
func (ts *TransmissionService) OptimizeTransmission(snapshot domain.TelemetrySnapshot) domain.TransmissionPolicy {
	bandwidth := math.Max(0, snapshot.BandwidthKbps)
	compression := ts.Compression(bandwidth)

	desiredFPS := ts.profile.DesiredFPS
	if tier, ok := ts.profile.Tiers.Lookup(snapshot.CurrentTier); ok {
		desiredFPS = tier.FPS
	}

	return domain.TransmissionPolicy{
		Compression:     compression,
		Buffer:          ts.BufferStrategy(snapshot.PacketLossPct),
		Fragmentation:   Fragmentation(bandwidth),
		Retransmission:  Retransmission(snapshot.PacketLossPct),
		EncodingProfile: EncodingProfileFor(snapshot.JitterMs),
		AudioProfile:    AudioProfileFor(bandwidth),
		FrameDrop:       FrameDrop(bandwidth, compression.FPS, desiredFPS),
		Prefetch:        Prefetch(bandwidth),
	}
}

// Compression picks the compression level by available bandwidth.
func (ts *TransmissionService) Compression(bandwidth float64) domain.CompressionPolicy {
	level := domain.CompressionHigh
	switch {
	case bandwidth > 8000:
		level = domain.CompressionLow
	case bandwidth > 3000:
		level = domain.CompressionMedium
	}

	profile := ts.profile.Compression[level]
	return domain.CompressionPolicy{
		Level:              level,
		CompressionProfile: profile,
		DataReductionPct:   domain.Percent(math.Round((1 - profile.Ratio) * 100)),
	}
}

// BufferStrategy picks the client buffering strategy by packet loss.
func (ts *TransmissionService) BufferStrategy(packetLoss float64) domain.BufferPolicy {
	strategy := domain.BufferStrategyNormal
	switch {
	case packetLoss > 5:
		strategy = domain.BufferStrategyConservative
	case packetLoss < 1:
		strategy = domain.BufferStrategyAggressive
	}

	return domain.BufferPolicy{
		Strategy:      strategy,
		BufferProfile: ts.profile.BufferProfiles[strategy],
	}
}

// Fragmentation sizes packets: smaller on thin links, MTU on fat ones.
func Fragmentation(bandwidth float64) domain.FragmentationPolicy {
	switch {
	case bandwidth < 1000:
		return domain.FragmentationPolicy{SizeBytes: 500, Reason: "Low bandwidth - smaller packets"}
	case bandwidth < 5000:
		return domain.FragmentationPolicy{SizeBytes: 1000, Reason: "Medium bandwidth - standard packets"}
	default:
		return domain.FragmentationPolicy{SizeBytes: mtuBytes, Reason: "High bandwidth - maximum packet size"}
	}
}

// Retransmission scales retries and timeouts with packet loss and enables
// FEC strictly above 2% loss.
func Retransmission(packetLoss float64) domain.RetransmissionPolicy {
	policy := domain.RetransmissionPolicy{
		Enabled:           true,
		BackoffMultiplier: retransmitBackoffMultiplier,
		PacketLoss:        packetLoss,
		FECEnabled:        packetLoss > fecLossThreshold,
	}

	switch {
	case packetLoss < 0.5:
		policy.MaxRetries, policy.TimeoutMs = 1, 50
	case packetLoss < 2:
		policy.MaxRetries, policy.TimeoutMs = 2, 75
	case packetLoss < 5:
		policy.MaxRetries, policy.TimeoutMs = 3, 100
	default:
		policy.MaxRetries, policy.TimeoutMs = 5, 200
	}
	return policy
}

// EncodingProfileFor trades encoder quality for latency as jitter grows.
func EncodingProfileFor(jitter float64) domain.EncodingProfile {
	switch {
	case jitter > 100:
		return encodingProfiles[domain.EncodingLowLatency]
	case jitter > 50:
		return encodingProfiles[domain.EncodingBalanced]
	default:
		return encodingProfiles[domain.EncodingHighQuality]
	}
}

func AudioProfileFor(bandwidth float64) domain.AudioProfile {
	name := domain.AudioMedium
	switch {
	case bandwidth < 500:
		name = domain.AudioUltraLow
	case bandwidth < 1000:
		name = domain.AudioLow
	case bandwidth > 5000:
		name = domain.AudioHigh
	}

	profile := audioProfiles[name]
	profile.Name = name
	profile.Codec = "opus"
	profile.FrameSizeMs = opusFrameSizeMs
	profile.DTXEnabled = true
	return profile
}

// FrameDrop decides whether to thin the frame rate given link capacity.
func FrameDrop(bandwidth float64, fps, desiredFPS int) domain.FrameDropPolicy {
	capacityMbps := bandwidth / 1000
	target := fps
	if desiredFPS < target {
		target = desiredFPS
	}

	switch {
	case capacityMbps < 1:
		return domain.FrameDropPolicy{
			DropFrames:      true,
			TargetFrameRate: maxInt(15, target/2),
			DropPattern:     "uniform",
			Intensity:       domain.DropIntensityHigh,
		}
	case capacityMbps < 2:
		return domain.FrameDropPolicy{
			DropFrames:      true,
			TargetFrameRate: maxInt(24, int(math.Floor(float64(target)*0.66))),
			DropPattern:     "uniform",
			Intensity:       domain.DropIntensityMedium,
		}
	default:
		return domain.FrameDropPolicy{
			DropFrames:      false,
			TargetFrameRate: target,
			DropPattern:     "none",
			Intensity:       domain.DropIntensityLow,
		}
	}
}

// Prefetch sizes segment prefetching by bandwidth.
func Prefetch(bandwidth float64) domain.PrefetchPolicy {
	strategy := domain.PrefetchConservative
	if bandwidth > 5000 {
		strategy = domain.PrefetchAggressive
	}
	parallel := 2
	if bandwidth > 3000 {
		parallel = 4
	}

	return domain.PrefetchPolicy{
		Enabled:           true,
		PrefetchSeconds:   math.Max(5, math.Min(20, bandwidth/500)),
		Strategy:          strategy,
		ParallelDownloads: parallel,
	}
}

// OptimizationRecommendations runs independent threshold checks and returns
// findings in check order: bandwidth, packet loss, jitter, buffer.
func (ts *TransmissionService) OptimizationRecommendations(snapshot domain.TelemetrySnapshot) []domain.Advisory {
	advisories := make([]domain.Advisory, 0, 4)

	switch {
	case snapshot.BandwidthKbps < 1000:
		advisories = append(advisories, domain.Advisory{
			Category: "Bandwidth",
			Severity: domain.SeverityCritical,
			Message:  "Very low bandwidth detected. Consider reducing quality or enabling aggressive compression.",
		})
	case snapshot.BandwidthKbps < 3000:
		advisories = append(advisories, domain.Advisory{
			Category: "Bandwidth",
			Severity: domain.SeverityWarning,
			Message:  "Low bandwidth. Adaptive bitrate adjustment recommended.",
		})
	}

	switch {
	case snapshot.PacketLossPct > 5:
		advisories = append(advisories, domain.Advisory{
			Category: "Network Quality",
			Severity: domain.SeverityCritical,
			Message:  "High packet loss detected. Consider using FEC or reducing bitrate.",
		})
	case snapshot.PacketLossPct > 2:
		advisories = append(advisories, domain.Advisory{
			Category: "Network Quality",
			Severity: domain.SeverityWarning,
			Message:  "Moderate packet loss. Enable retransmission policies.",
		})
	}

	if snapshot.JitterMs > 150 {
		advisories = append(advisories, domain.Advisory{
			Category: "Network Stability",
			Severity: domain.SeverityWarning,
			Message:  "High jitter detected. Increase buffer size to reduce stuttering.",
		})
	}

	if snapshot.BufferSeconds < 3 {
		advisories = append(advisories, domain.Advisory{
			Category: "Buffering",
			Severity: domain.SeverityWarning,
			Message:  "Low buffer. Quality adjustment may occur soon.",
		})
	}

	return advisories
}

// DataSavings compares the data volume of two bitrates (kbps) over a
// duration in seconds.
func (ts *TransmissionService) DataSavings(originalKbps, optimizedKbps, durationSec float64) domain.DataSavings {
	original := math.Max(0, originalKbps*1000*durationSec/8)
	optimized := math.Max(0, optimizedKbps*1000*durationSec/8)
	saved := original - optimized

	percent := 0
	if original > 0 {
		percent = int(math.Round(saved / original * 100))
	}

	return domain.DataSavings{
		OriginalBytes:  original,
		OptimizedBytes: optimized,
		SavedBytes:     saved,
		OriginalSize:   humanize.IBytes(uint64(original)),
		OptimizedSize:  humanize.IBytes(uint64(optimized)),
		Savings:        formatSigned(saved),
		PercentSaved:   percent,
		Duration:       durationSec,
	}
}

// OptimalBufferSeconds suggests a client buffer length for the conditions.
func (ts *TransmissionService) OptimalBufferSeconds(bandwidth, jitter float64) float64 {
	buffer := 10.0
	switch {
	case bandwidth < 1000:
		buffer = 20
	case bandwidth < 3000:
		buffer = 15
	}

	switch {
	case jitter > 100:
		buffer += 5
	case jitter > 50:
		buffer += 2
	}
	return buffer
}

func formatSigned(bytes float64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
