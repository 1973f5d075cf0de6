package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamqos/internal/core/domain"
	"streamqos/internal/core/services"
	"streamqos/internal/infrastructure/middleware"
	"streamqos/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestServer(t *testing.T) (*WebSocketServer, *httptest.Server) {
	t.Helper()

	profile := domain.DefaultQoSProfile()
	profile.TickInterval = 20 * time.Millisecond

	cfg := config.DefaultConfig()
	srv := NewWebSocketServer(
		services.NewQualityService(profile),
		services.NewTransmissionService(profile),
		profile,
		nil,
		middleware.NewWebSocketLimiter(cfg),
		ServerConfig{
			PingInterval: time.Second,
			PongTimeout:  5 * time.Second,
			WriteTimeout: time.Second,
			SendBuffer:   64,
		},
		zaptest.NewLogger(t).Sugar(),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	mux.HandleFunc("/health", srv.HealthCheck)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) SignalMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg SignalMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(SignalMessage{Type: msgType, Payload: body}))
}

func TestWebSocketServer_TelemetryProducesRecommendation(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dial(t, ts, "")

	hello := readUntil(t, conn, MsgSession)
	var session SessionPayload
	require.NoError(t, json.Unmarshal(hello.Payload, &session))
	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, ModeJSON, session.Mode)
	assert.Equal(t, []string{"4k60", "1080p60", "720p60", "480p30", "360p30"}, session.Tiers)

	send(t, conn, MsgTelemetry, map[string]interface{}{
		"bandwidth":    5000,
		"packetLoss":   0,
		"jitter":       0,
		"bufferLength": 10,
	})

	msg := readUntil(t, conn, MsgRecommendation)
	assert.Equal(t, session.SessionID, msg.SessionID)
	assert.NotZero(t, msg.Sequence)

	var rec domain.Recommendation
	require.NoError(t, json.Unmarshal(msg.Payload, &rec))
	assert.Equal(t, "720p60", rec.Recommended)
	assert.Equal(t, domain.BufferNormal, rec.BufferState)

	policy := readUntil(t, conn, MsgTransmissionPolicy)
	assert.Equal(t, msg.Sequence, policy.Sequence)

	assert.Contains(t, srv.ActiveSessions(), session.SessionID)
	require.Eventually(t, func() bool {
		_, err := srv.LastEvaluation(session.SessionID)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketServer_GapBeforeFirstReport(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")

	msg := readUntil(t, conn, MsgTelemetryGap)
	var gap domain.TelemetryGap
	require.NoError(t, json.Unmarshal(msg.Payload, &gap))
	assert.Contains(t, gap.Reason, domain.ErrNoTelemetry.Error())
}

func TestWebSocketServer_SetQualityUnknownTier(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")
	readUntil(t, conn, MsgSession)

	send(t, conn, MsgSetQuality, SetQualityPayload{Quality: "8k120"})

	msg := readUntil(t, conn, MsgError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "UNKNOWN_TIER", payload.Code)
}

func TestWebSocketServer_RejectsUnknownType(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")
	readUntil(t, conn, MsgSession)

	send(t, conn, "subscribe", map[string]string{"stream": "main"})

	msg := readUntil(t, conn, MsgError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "INVALID_INPUT", payload.Code)
}

func TestWebSocketServer_RTCPModeRejectsJSONTelemetry(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "?mode=rtcp")

	hello := readUntil(t, conn, MsgSession)
	var session SessionPayload
	require.NoError(t, json.Unmarshal(hello.Payload, &session))
	assert.Equal(t, ModeRTCP, session.Mode)

	send(t, conn, MsgTelemetry, map[string]interface{}{"bandwidth": 5000})
	readUntil(t, conn, MsgError)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	readUntil(t, conn, MsgError)
}

func TestWebSocketServer_RTCPModeMeasuresRTP(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "?mode=rtcp")
	readUntil(t, conn, MsgSession)

	report, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 1, Reports: []rtcp.ReceptionReport{{SSRC: 10}}},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, report))

	for i := 0; i < 20; i++ {
		pkt := &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: uint16(i), SSRC: 10},
			Payload: make([]byte, 1200),
		}
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, raw))
		time.Sleep(10 * time.Millisecond)
	}

	msg := readUntil(t, conn, MsgRecommendation)
	var rec domain.Recommendation
	require.NoError(t, json.Unmarshal(msg.Payload, &rec))
	assert.NotEmpty(t, rec.Recommended)
}

func TestWebSocketServer_WebRTCModeAnswersOffer(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "?mode=webrtc")

	hello := readUntil(t, conn, MsgSession)
	var session SessionPayload
	require.NoError(t, json.Unmarshal(hello.Payload, &session))
	assert.Equal(t, ModeWebRTC, session.Mode)

	publisher, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { publisher.Close() })

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "qos-test")
	require.NoError(t, err)
	_, err = publisher.AddTrack(track)
	require.NoError(t, err)

	offer, err := publisher.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(publisher)
	require.NoError(t, publisher.SetLocalDescription(offer))
	<-gathered

	send(t, conn, MsgOffer, publisher.LocalDescription())

	msg := readUntil(t, conn, MsgAnswer)
	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(msg.Payload, &answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "m=video")
	require.NoError(t, publisher.SetRemoteDescription(answer))

	// JSON telemetry belongs to json mode only
	send(t, conn, MsgTelemetry, map[string]interface{}{"bandwidth": 5000})
	readUntil(t, conn, MsgError)
}

func TestWebSocketServer_OfferRejectedInJSONMode(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")
	readUntil(t, conn, MsgSession)

	send(t, conn, MsgOffer, map[string]string{"type": "offer", "sdp": "v=0"})

	msg := readUntil(t, conn, MsgError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "INVALID_INPUT", payload.Code)
}

func TestWebSocketServer_UnknownMode(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?mode=smoke-signals"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketServer_LastEvaluationUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	_, err := srv.LastEvaluation("missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestWebSocketServer_Shutdown(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dial(t, ts, "")
	readUntil(t, conn, MsgSession)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.Eventually(t, func() bool { return len(srv.ActiveSessions()) == 0 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, wsResp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusServiceUnavailable, wsResp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	srv := &WebSocketServer{config: ServerConfig{AllowedOrigins: []string{"https://player.example.com"}}, logger: zaptest.NewLogger(t).Sugar()}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "https://player.example.com")
	assert.True(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, srv.checkOrigin(req))
}
