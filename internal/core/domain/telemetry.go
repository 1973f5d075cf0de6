package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Neutral values used when a telemetry field is missing or malformed.
const (
	DefaultBandwidthKbps float64 = 0
	DefaultPacketLossPct float64 = 0
	DefaultJitterMs      float64 = 0
	DefaultBufferSeconds float64 = 10
)

// TelemetryRecord is the record delivered by the telemetry collaborator once
// per tick. Field names follow the browser client contract.
type TelemetryRecord struct {
	Bandwidth      float64 `json:"bandwidth"`    // kbps
	PacketLoss     float64 `json:"packetLoss"`   // percent, 0-100
	Jitter         float64 `json:"jitter"`       // ms
	BufferLength   float64 `json:"bufferLength"` // seconds
	CurrentQuality string  `json:"currentQuality"`
}

// NewTelemetryRecord returns a record populated with the neutral defaults.
func NewTelemetryRecord() TelemetryRecord {
	return TelemetryRecord{
		Bandwidth:    DefaultBandwidthKbps,
		PacketLoss:   DefaultPacketLossPct,
		Jitter:       DefaultJitterMs,
		BufferLength: DefaultBufferSeconds,
	}
}

// UnmarshalJSON decodes the record field by field. A field that is missing,
// null or of the wrong type keeps its neutral default instead of failing the
// whole record.
func (r *TelemetryRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = NewTelemetryRecord()
	r.Bandwidth = decodeNumber(raw["bandwidth"], DefaultBandwidthKbps)
	r.PacketLoss = decodeNumber(raw["packetLoss"], DefaultPacketLossPct)
	r.Jitter = decodeNumber(raw["jitter"], DefaultJitterMs)
	r.BufferLength = decodeNumber(raw["bufferLength"], DefaultBufferSeconds)

	if v, ok := raw["currentQuality"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			r.CurrentQuality = strings.TrimSpace(s)
		}
	}
	return nil
}

func decodeNumber(v json.RawMessage, fallback float64) float64 {
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return fallback
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return fallback
	}
	return f
}

// TelemetrySnapshot is a normalized, immutable network reading.
type TelemetrySnapshot struct {
	BandwidthKbps float64
	PacketLossPct float64
	JitterMs      float64
	BufferSeconds float64
	CurrentTier   string
	At            time.Time
}

// NewTelemetrySnapshot clamps a record into the valid input domain of the
// decision engines.
func NewTelemetrySnapshot(r TelemetryRecord, at time.Time) TelemetrySnapshot {
	return TelemetrySnapshot{
		BandwidthKbps: clampMin(sanitize(r.Bandwidth, DefaultBandwidthKbps), 0),
		PacketLossPct: clamp(sanitize(r.PacketLoss, DefaultPacketLossPct), 0, 100),
		JitterMs:      clampMin(sanitize(r.Jitter, DefaultJitterMs), 0),
		BufferSeconds: clampMin(sanitize(r.BufferLength, DefaultBufferSeconds), 0),
		CurrentTier:   r.CurrentQuality,
		At:            at,
	}
}

// Record converts the snapshot back into its wire form.
func (s TelemetrySnapshot) Record() TelemetryRecord {
	return TelemetryRecord{
		Bandwidth:      s.BandwidthKbps,
		PacketLoss:     s.PacketLossPct,
		Jitter:         s.JitterMs,
		BufferLength:   s.BufferSeconds,
		CurrentQuality: s.CurrentTier,
	}
}

func sanitize(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

func clampMin(v, min float64) float64 {
	if v < min {
		return min
	}
	return v
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
