package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"streamqos/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const videoClockRate = 90000

// RTCPSource derives telemetry from RTCP feedback on a video stream: packet
// loss and jitter from reception reports, bandwidth from REMB. Without REMB it
// falls back to the receive bitrate measured from RTP packets.
type RTCPSource struct {
	clockRate uint32
	meter     *BitrateMeter
	now       func() time.Time

	mu             sync.RWMutex
	lossPct        float64
	jitterMs       float64
	rembKbps       float64
	bufferSeconds  float64
	currentQuality string
	haveReport     bool
	haveREMB       bool
}

func NewRTCPSource(clockRate uint32) *RTCPSource {
	if clockRate == 0 {
		clockRate = videoClockRate
	}
	return &RTCPSource{
		clockRate:     clockRate,
		meter:         NewBitrateMeter(DefaultMeterDuration, DefaultMeterWindow),
		now:           time.Now,
		bufferSeconds: domain.DefaultBufferSeconds,
	}
}

// HandleRaw accepts either a compound RTCP packet or a single RTP packet.
// The two are told apart by the second byte, as on a muxed port (RFC 5761).
func (s *RTCPSource) HandleRaw(buf []byte) error {
	if len(buf) < 2 {
		return fmt.Errorf("packet too short: %d bytes", len(buf))
	}

	if isRTCP(buf) {
		pkts, err := rtcp.Unmarshal(buf)
		if err != nil {
			return fmt.Errorf("failed to unmarshal rtcp: %w", err)
		}
		s.HandleRTCP(pkts)
		return nil
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf); err != nil {
		return fmt.Errorf("failed to unmarshal rtp: %w", err)
	}
	s.HandleRTP(pkt)
	return nil
}

// RTCP packet types occupy 192-223, which RTP payload types avoid on a
// muxed stream.
func isRTCP(buf []byte) bool {
	return buf[1] >= 192 && buf[1] <= 223
}

func (s *RTCPSource) HandleRTCP(pkts []rtcp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			s.applyReports(p.Reports)
		case *rtcp.SenderReport:
			s.applyReports(p.Reports)
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			s.rembKbps = float64(p.Bitrate) / 1000
			s.haveREMB = true
		}
	}
}

// applyReports keeps the worst stream among the reports.
func (s *RTCPSource) applyReports(reports []rtcp.ReceptionReport) {
	if len(reports) == 0 {
		return
	}

	var loss, jitter float64
	for _, r := range reports {
		if l := float64(r.FractionLost) / 256 * 100; l > loss {
			loss = l
		}
		if j := float64(r.Jitter) / float64(s.clockRate) * 1000; j > jitter {
			jitter = j
		}
	}
	s.lossPct = loss
	s.jitterMs = jitter
	s.haveReport = true
}

// HandleRTP feeds the fallback bitrate meter.
func (s *RTCPSource) HandleRTP(pkt *rtp.Packet) {
	s.meter.AddPacket(pkt, s.now())
}

// SetPlayerState records what the player reports about itself.
func (s *RTCPSource) SetPlayerState(bufferSeconds float64, currentQuality string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferSeconds = bufferSeconds
	s.currentQuality = currentQuality
}

func (s *RTCPSource) SetCurrentQuality(tier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentQuality = tier
}

func (s *RTCPSource) Fetch(_ context.Context) (domain.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.haveReport && !s.haveREMB {
		return domain.TelemetryRecord{}, domain.ErrNoTelemetry
	}

	bandwidth := s.rembKbps
	if !s.haveREMB {
		measured, ok := s.meter.BitrateKbps(s.now())
		if !ok {
			return domain.TelemetryRecord{}, fmt.Errorf("%w: no bandwidth estimate yet", domain.ErrNoTelemetry)
		}
		bandwidth = measured
	}

	return domain.TelemetryRecord{
		Bandwidth:      bandwidth,
		PacketLoss:     s.lossPct,
		Jitter:         s.jitterMs,
		BufferLength:   s.bufferSeconds,
		CurrentQuality: s.currentQuality,
	}, nil
}
