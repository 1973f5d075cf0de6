package telemetry

import (
	"context"
	"fmt"
	"sync"

	"streamqos/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// StatsGetter is satisfied by *webrtc.PeerConnection.
type StatsGetter interface {
	GetStats() webrtc.StatsReport
}

type inboundSample struct {
	timestampMs     float64
	bytesReceived   uint64
	packetsReceived uint32
	packetsLost     int32
}

// PeerStatsSource turns the inbound video stats of a peer connection into
// telemetry records. Rates are computed between consecutive fetches, so the
// first fetch only primes the source.
type PeerStatsSource struct {
	peer StatsGetter

	mu             sync.Mutex
	prev           *inboundSample
	bufferSeconds  float64
	currentQuality string
}

func NewPeerStatsSource(peer StatsGetter) *PeerStatsSource {
	return &PeerStatsSource{
		peer:          peer,
		bufferSeconds: domain.DefaultBufferSeconds,
	}
}

func (s *PeerStatsSource) SetPlayerState(bufferSeconds float64, currentQuality string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferSeconds = bufferSeconds
	s.currentQuality = currentQuality
}

func (s *PeerStatsSource) SetCurrentQuality(tier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentQuality = tier
}

func (s *PeerStatsSource) Fetch(ctx context.Context) (domain.TelemetryRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.TelemetryRecord{}, err
	}

	inbound, ok := videoInbound(s.peer.GetStats())
	if !ok {
		return domain.TelemetryRecord{}, fmt.Errorf("%w: no inbound video stream", domain.ErrNoTelemetry)
	}

	cur := inboundSample{
		timestampMs:     float64(inbound.Timestamp),
		bytesReceived:   inbound.BytesReceived,
		packetsReceived: inbound.PacketsReceived,
		packetsLost:     inbound.PacketsLost,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.prev
	s.prev = &cur
	if prev == nil {
		return domain.TelemetryRecord{}, fmt.Errorf("%w: priming peer stats", domain.ErrNoTelemetry)
	}

	elapsedMs := cur.timestampMs - prev.timestampMs
	if elapsedMs <= 0 || cur.bytesReceived < prev.bytesReceived {
		return domain.TelemetryRecord{}, fmt.Errorf("%w: peer stats did not advance", domain.ErrNoTelemetry)
	}

	return domain.TelemetryRecord{
		Bandwidth:      float64(cur.bytesReceived-prev.bytesReceived) * 8 / elapsedMs,
		PacketLoss:     intervalLossPct(prev, &cur),
		Jitter:         inbound.Jitter * 1000,
		BufferLength:   s.bufferSeconds,
		CurrentQuality: s.currentQuality,
	}, nil
}

func intervalLossPct(prev, cur *inboundSample) float64 {
	received := float64(cur.packetsReceived) - float64(prev.packetsReceived)
	lost := float64(cur.packetsLost) - float64(prev.packetsLost)
	if lost < 0 {
		lost = 0
	}
	expected := received + lost
	if expected <= 0 {
		return 0
	}
	return lost / expected * 100
}

// videoInbound picks the inbound video stream with the most bytes.
func videoInbound(report webrtc.StatsReport) (webrtc.InboundRTPStreamStats, bool) {
	var (
		best  webrtc.InboundRTPStreamStats
		found bool
	)
	for _, stats := range report {
		inbound, ok := stats.(webrtc.InboundRTPStreamStats)
		if !ok || inbound.Kind != "video" {
			continue
		}
		if !found || inbound.BytesReceived > best.BytesReceived {
			best = inbound
			found = true
		}
	}
	return best, found
}
