package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PeerReceiver terminates a sending peer's WebRTC connection. Incoming tracks
// are drained so the stats interceptors keep counting, and the connection's
// inbound video stats are exposed through the embedded PeerStatsSource.
type PeerReceiver struct {
	*PeerStatsSource

	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	closeMu sync.Mutex
	closed  bool
	tracks  sync.WaitGroup
}

func NewPeerReceiver(iceServers []string, logger *zap.SugaredLogger) (*PeerReceiver, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add video transceiver: %w", err)
	}

	r := &PeerReceiver{
		PeerStatsSource: NewPeerStatsSource(pc),
		pc:              pc,
		logger:          logger,
	}
	pc.OnTrack(r.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debugw("peer connection state changed", "state", state.String())
	})
	return r, nil
}

func (r *PeerReceiver) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	r.logger.Infow("receiving track", "kind", track.Kind().String(), "codec", track.Codec().MimeType, "ssrc", track.SSRC())

	r.tracks.Add(1)
	go func() {
		defer r.tracks.Done()
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				if !errors.Is(err, io.EOF) {
					r.logger.Debugw("track read stopped", "ssrc", track.SSRC(), "error", err)
				}
				return
			}
		}
	}()
}

// Answer applies a remote offer and returns the local answer once ICE
// gathering has finished, so the client needs no trickled candidates.
func (r *PeerReceiver) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("expected an offer, got %s", offer.Type)
	}
	if err := r.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(r.pc)
	if err := r.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *r.pc.LocalDescription(), nil
}

// AddICECandidate applies a candidate trickled by the remote peer.
func (r *PeerReceiver) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return r.pc.AddICECandidate(candidate)
}

func (r *PeerReceiver) Close() error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	r.closeMu.Unlock()

	err := r.pc.Close()
	r.tracks.Wait()
	return err
}
