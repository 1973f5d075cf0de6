package services

import (
	"testing"

	"streamqos/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestTransmissionService_ModerateNetwork(t *testing.T) {
	ts := NewTransmissionService(domain.DefaultQoSProfile())

	policy := ts.OptimizeTransmission(snapshotOf(3000, 2, 80, 10, ""))

	// the medium threshold is strictly above 3000 kbps
	assert.Equal(t, domain.CompressionHigh, policy.Compression.Level)
	assert.Equal(t, domain.BufferStrategyNormal, policy.Buffer.Strategy)
	assert.Equal(t, 10, policy.Buffer.Size)
	assert.Equal(t, 1000, policy.Fragmentation.SizeBytes)
	assert.False(t, policy.Retransmission.FECEnabled)
	assert.Equal(t, 3, policy.Retransmission.MaxRetries)
	assert.Equal(t, 100, policy.Retransmission.TimeoutMs)
	assert.Equal(t, domain.EncodingBalanced, policy.EncodingProfile.Name)
	assert.Equal(t, "Balanced", policy.EncodingProfile.DisplayName)

	policy = ts.OptimizeTransmission(snapshotOf(3001, 2, 80, 10, ""))
	assert.Equal(t, domain.CompressionMedium, policy.Compression.Level)
	assert.Equal(t, domain.Percent(50), policy.Compression.DataReductionPct)
}

func TestTransmissionService_ThinLink(t *testing.T) {
	ts := NewTransmissionService(domain.DefaultQoSProfile())

	policy := ts.OptimizeTransmission(snapshotOf(600, 0, 10, 10, ""))

	assert.Equal(t, domain.AudioLow, policy.AudioProfile.Name)
	assert.Equal(t, 24, policy.AudioProfile.BitrateKbps)
	assert.Equal(t, "opus", policy.AudioProfile.Codec)
	assert.True(t, policy.AudioProfile.DTXEnabled)
	assert.True(t, policy.FrameDrop.DropFrames)
	assert.Equal(t, domain.DropIntensityHigh, policy.FrameDrop.Intensity)
	assert.Equal(t, 15, policy.FrameDrop.TargetFrameRate)
	assert.Equal(t, domain.BufferStrategyAggressive, policy.Buffer.Strategy)
	assert.Equal(t, 500, policy.Fragmentation.SizeBytes)
	assert.Equal(t, domain.EncodingHighQuality, policy.EncodingProfile.Name)
	assert.Equal(t, 5.0, policy.Prefetch.PrefetchSeconds)
	assert.Equal(t, domain.PrefetchConservative, policy.Prefetch.Strategy)
	assert.Equal(t, 2, policy.Prefetch.ParallelDownloads)
}

func TestTransmissionService_FatLink(t *testing.T) {
	ts := NewTransmissionService(domain.DefaultQoSProfile())

	policy := ts.OptimizeTransmission(snapshotOf(12000, 0.2, 120, 10, "1080p60"))

	assert.Equal(t, domain.CompressionLow, policy.Compression.Level)
	assert.Equal(t, 60, policy.Compression.FPS)
	assert.Equal(t, domain.Percent(30), policy.Compression.DataReductionPct)
	assert.Equal(t, 1500, policy.Fragmentation.SizeBytes)
	assert.Equal(t, domain.AudioHigh, policy.AudioProfile.Name)
	assert.Equal(t, domain.EncodingLowLatency, policy.EncodingProfile.Name)
	assert.False(t, policy.FrameDrop.DropFrames)
	assert.Equal(t, 60, policy.FrameDrop.TargetFrameRate)
	assert.Equal(t, "none", policy.FrameDrop.DropPattern)
	assert.Equal(t, 20.0, policy.Prefetch.PrefetchSeconds)
	assert.Equal(t, domain.PrefetchAggressive, policy.Prefetch.Strategy)
	assert.Equal(t, 4, policy.Prefetch.ParallelDownloads)
}

func TestTransmissionService_FrameDropUsesCurrentTierFPS(t *testing.T) {
	ts := NewTransmissionService(domain.DefaultQoSProfile())

	policy := ts.OptimizeTransmission(snapshotOf(9000, 0, 0, 10, "480p30"))
	assert.Equal(t, 30, policy.FrameDrop.TargetFrameRate)

	policy = ts.OptimizeTransmission(snapshotOf(1500, 0, 0, 10, ""))
	assert.Equal(t, domain.DropIntensityMedium, policy.FrameDrop.Intensity)
	assert.Equal(t, 24, policy.FrameDrop.TargetFrameRate)
}

func TestRetransmission_FECBoundary(t *testing.T) {
	tests := []struct {
		loss    float64
		fec     bool
		retries int
		timeout int
	}{
		{0, false, 1, 50},
		{0.5, false, 2, 75},
		{1.99, false, 2, 75},
		{2, false, 3, 100},
		{2.01, true, 3, 100},
		{5, true, 5, 200},
		{40, true, 5, 200},
	}

	for _, tt := range tests {
		policy := Retransmission(tt.loss)
		assert.Equal(t, tt.fec, policy.FECEnabled, "loss %v", tt.loss)
		assert.Equal(t, tt.retries, policy.MaxRetries, "loss %v", tt.loss)
		assert.Equal(t, tt.timeout, policy.TimeoutMs, "loss %v", tt.loss)
		assert.True(t, policy.Enabled)
		assert.Equal(t, 1.5, policy.BackoffMultiplier)
	}
}

func TestAudioProfileFor(t *testing.T) {
	tests := []struct {
		bandwidth float64
		want      domain.AudioProfileName
		rate      int
	}{
		{100, domain.AudioUltraLow, 8000},
		{499, domain.AudioUltraLow, 8000},
		{500, domain.AudioLow, 16000},
		{1000, domain.AudioMedium, 48000},
		{5000, domain.AudioMedium, 48000},
		{5001, domain.AudioHigh, 48000},
	}

	for _, tt := range tests {
		profile := AudioProfileFor(tt.bandwidth)
		assert.Equal(t, tt.want, profile.Name, "bandwidth %v", tt.bandwidth)
		assert.Equal(t, tt.rate, profile.SampleRateHz)
		assert.Equal(t, 20, profile.FrameSizeMs)
	}
}

func TestTransmissionService_OptimizationRecommendations(t *testing.T) {
	ts := NewTransmissionService(domain.DefaultQoSProfile())

	advisories := ts.OptimizationRecommendations(snapshotOf(800, 7, 200, 1, ""))

	if assert.Len(t, advisories, 4) {
		assert.Equal(t, "Bandwidth", advisories[0].Category)
		assert.Equal(t, domain.SeverityCritical, advisories[0].Severity)
		assert.Equal(t, "Network Quality", advisories[1].Category)
		assert.Equal(t, domain.SeverityCritical, advisories[1].Severity)
		assert.Equal(t, "Network Stability", advisories[2].Category)
		assert.Equal(t, "Buffering", advisories[3].Category)
	}

	advisories = ts.OptimizationRecommendations(snapshotOf(2000, 3, 10, 10, ""))
	if assert.Len(t, advisories, 2) {
		assert.Equal(t, domain.SeverityWarning, advisories[0].Severity)
		assert.Equal(t, domain.SeverityWarning, advisories[1].Severity)
	}

	assert.Empty(t, ts.OptimizationRecommendations(snapshotOf(10000, 0, 10, 10, "")))
}

func TestTransmissionService_DataSavings(t *testing.T) {
	ts := NewTransmissionService(domain.DefaultQoSProfile())

	savings := ts.DataSavings(5000, 2500, 60)

	assert.Equal(t, 37500000.0, savings.OriginalBytes)
	assert.Equal(t, 18750000.0, savings.OptimizedBytes)
	assert.Equal(t, 18750000.0, savings.SavedBytes)
	assert.Equal(t, 50, savings.PercentSaved)
	assert.Equal(t, "36 MiB", savings.OriginalSize)
	assert.Equal(t, "18 MiB", savings.OptimizedSize)

	zero := ts.DataSavings(0, 0, 60)
	assert.Equal(t, 0, zero.PercentSaved)
}

func TestTransmissionService_OptimalBufferSeconds(t *testing.T) {
	ts := NewTransmissionService(domain.DefaultQoSProfile())

	assert.Equal(t, 10.0, ts.OptimalBufferSeconds(5000, 10))
	assert.Equal(t, 25.0, ts.OptimalBufferSeconds(500, 150))
	assert.Equal(t, 17.0, ts.OptimalBufferSeconds(2000, 60))
}
