package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"streamqos/internal/core/domain"
	"streamqos/internal/core/ports"
	"streamqos/internal/core/services"
	"streamqos/internal/infrastructure/middleware"
	"streamqos/internal/infrastructure/telemetry"
	"streamqos/pkg/config"
	"streamqos/pkg/errors"
	"streamqos/pkg/tracing"
	"streamqos/pkg/utils"
	"streamqos/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Inbound message types.
const (
	MsgTelemetry   = "telemetry"
	MsgSetQuality  = "set_quality"
	MsgPlayerState = "player_state"
	MsgPing        = "ping"
	MsgOffer       = "offer"
	MsgCandidate   = "ice_candidate"
)

// Outbound message types.
const (
	MsgSession            = "session"
	MsgAnswer             = "answer"
	MsgRecommendation     = "recommendation"
	MsgTransmissionPolicy = "transmission_policy"
	MsgAdvisories         = "advisories"
	MsgPrediction         = "prediction"
	MsgTelemetryGap       = "telemetry_gap"
	MsgPong               = "pong"
	MsgError              = "error"
)

// Telemetry modes, selected with the "mode" query parameter.
const (
	ModeJSON   = "json"
	ModeRTCP   = "rtcp"
	ModeWebRTC = "webrtc"
)

const answerTimeout = 5 * time.Second

type SignalMessage struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"sessionId,omitempty"`
	Sequence  uint64           `json:"sequence,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

type SessionPayload struct {
	SessionID      domain.SessionID `json:"sessionId"`
	Mode           string           `json:"mode"`
	TickIntervalMs int64            `json:"tickIntervalMs"`
	Tiers          []string         `json:"tiers"`
}

type SetQualityPayload struct {
	Quality string `json:"quality"`
}

type PlayerStatePayload struct {
	BufferLength   float64 `json:"bufferLength"`
	CurrentQuality string  `json:"currentQuality"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	TelemetryMaxAge time.Duration
	SendBuffer      int
	AllowedOrigins  []string
	ICEServers      []string
	Guard           telemetry.GuardConfig
}

func ServerConfigFrom(cfg *config.Config) ServerConfig {
	return ServerConfig{
		PingInterval:    cfg.Signal.PingInterval,
		PongTimeout:     cfg.Signal.PongTimeout,
		WriteTimeout:    cfg.Signal.WriteTimeout,
		TelemetryMaxAge: cfg.Signal.TelemetryMaxAge,
		SendBuffer:      cfg.Signal.SendBuffer,
		AllowedOrigins:  cfg.Signal.AllowedOrigins,
		ICEServers:      cfg.Signal.ICEServers,
		Guard: telemetry.GuardConfig{
			FailureThreshold: cfg.QoS.Guard.FailureThreshold,
			Cooldown:         cfg.QoS.Guard.Cooldown,
		},
	}
}

// WebSocketServer runs one control loop per connected player. Telemetry comes
// from pushed JSON records, from RTP and RTCP relayed in binary frames, or from
// the stats of a WebRTC connection negotiated over the socket. Every
// evaluation the loop produces is sent back to the player.
type WebSocketServer struct {
	quality      ports.QualityService
	transmission ports.TransmissionService
	profile      domain.QoSProfile
	shared       ports.EvaluationSink
	limiter      *middleware.WebSocketLimiter
	config       ServerConfig
	upgrader     websocket.Upgrader

	sessions map[domain.SessionID]*session
	mu       sync.RWMutex
	closed   bool

	accepted atomic.Uint64
	logger   *zap.SugaredLogger
}

func NewWebSocketServer(
	quality ports.QualityService,
	transmission ports.TransmissionService,
	profile domain.QoSProfile,
	shared ports.EvaluationSink,
	limiter *middleware.WebSocketLimiter,
	cfg ServerConfig,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}

	s := &WebSocketServer{
		quality:      quality,
		transmission: transmission,
		profile:      profile,
		shared:       shared,
		limiter:      limiter,
		config:       cfg,
		sessions:     make(map[domain.SessionID]*session),
		logger:       logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.logger.Warnw("websocket origin rejected", "origin", origin)
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		writeAppError(w, errors.FromDomain(domain.ErrLoopStopped))
		return
	}

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = ModeJSON
	}
	if mode != ModeJSON && mode != ModeRTCP && mode != ModeWebRTC {
		writeAppError(w, errors.NewInvalidInputError(fmt.Sprintf("unknown telemetry mode %q", mode)))
		return
	}

	release := func() {}
	if s.limiter != nil {
		var appErr *errors.AppError
		release, appErr = s.limiter.Acquire(r)
		if appErr != nil {
			writeAppError(w, appErr)
			return
		}
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sess, err := s.newSession(conn, mode)
	if err != nil {
		s.logger.Errorw("failed to create session", "mode", mode, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session setup failed"),
			time.Now().Add(s.config.WriteTimeout))
		return
	}
	if err := s.register(sess); err != nil {
		sess.close()
		s.logger.Warnw("rejecting connection during shutdown", "session_id", sess.id)
		return
	}
	s.accepted.Inc()
	sess.logger.Infow("session connected", "mode", mode, "remote_addr", r.RemoteAddr)
	if obs, ok := s.shared.(ports.SessionObserver); ok {
		obs.SessionStarted(sess.id)
		defer obs.SessionEnded(sess.id)
	}

	go sess.writeLoop()

	sess.sendJSON(MsgSession, 0, SessionPayload{
		SessionID:      sess.id,
		Mode:           mode,
		TickIntervalMs: s.profile.TickInterval.Milliseconds(),
		Tiers:          s.profile.Tiers.Names(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := sess.loop.Start(ctx, sess.source, s.profile.TickInterval); err != nil {
		sess.logger.Errorw("failed to start control loop", "error", err)
		cancel()
		s.unregister(sess)
		sess.close()
		return
	}

	sess.readLoop(ctx)

	cancel()
	sess.loop.Stop()
	s.unregister(sess)
	sess.close()
	sess.logger.Infow("session disconnected", "dropped_messages", sess.dropped.Load())
}

func (s *WebSocketServer) newSession(conn *websocket.Conn, mode string) (*session, error) {
	id := domain.SessionID(utils.GenerateSessionID())
	log := s.logger.With("session_id", id)

	sess := &session{
		id:     id,
		mode:   mode,
		conn:   conn,
		config: s.config,
		out:    make(chan []byte, s.config.SendBuffer),
		quit:   make(chan struct{}),
		logger: log,
		tiers:  s.profile.Tiers,
	}
	if s.limiter != nil {
		sess.limiter = s.limiter.MessageLimiter()
		if s.limiter.MaxMessageSize > 0 {
			conn.SetReadLimit(s.limiter.MaxMessageSize)
		}
	}

	var raw ports.TelemetrySource
	switch mode {
	case ModeRTCP:
		sess.rtcp = telemetry.NewRTCPSource(0)
		sess.player = sess.rtcp
		raw = sess.rtcp
	case ModeWebRTC:
		peer, err := telemetry.NewPeerReceiver(s.config.ICEServers, log.Named("peer"))
		if err != nil {
			return nil, err
		}
		sess.peer = peer
		sess.player = peer
		raw = peer
	default:
		sess.push = telemetry.NewPushSource(s.config.TelemetryMaxAge)
		raw = sess.push
	}
	sess.guard = telemetry.NewGuardedSource(raw, s.config.Guard, log)
	sess.source = sess.guard

	sink := services.FanoutSink{&connSink{sess: sess}, s.shared}
	sess.loop = services.NewAdaptiveBitrateService(s.quality, s.transmission, sink, s.profile, s.logger,
		services.WithSessionID(id))
	return sess, nil
}

func (s *WebSocketServer) register(sess *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrLoopStopped
	}
	s.sessions[sess.id] = sess
	return nil
}

func (s *WebSocketServer) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
}

// LastEvaluation returns the most recent evaluation of a live session.
func (s *WebSocketServer) LastEvaluation(id domain.SessionID) (domain.Evaluation, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Evaluation{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	eval, ok := sess.loop.Last()
	if !ok {
		return domain.Evaluation{}, fmt.Errorf("%w: session %s has not been evaluated", domain.ErrNoTelemetry, id)
	}
	return eval, nil
}

// ActiveSessions lists live session IDs in lexical order.
func (s *WebSocketServer) ActiveSessions() []domain.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]domain.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Accepting reports whether new sessions are admitted.
func (s *WebSocketServer) Accepting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.sessions)
	closed := s.closed
	s.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if closed {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"sessions":  count,
		"accepted":  s.accepted.Load(),
	})
}

// Shutdown stops accepting connections, stops every control loop and closes
// the sockets with a going-away frame.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, sess := range sessions {
			sess.loop.Stop()
			deadline := time.Now().Add(s.config.WriteTimeout)
			_ = sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			sess.close()
			_ = sess.conn.Close()
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeAppError(w http.ResponseWriter, appErr *errors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}

type session struct {
	id     domain.SessionID
	mode   string
	conn   *websocket.Conn
	config ServerConfig
	tiers  domain.TierTable

	loop   *services.AdaptiveBitrateService
	source ports.TelemetrySource
	guard  *telemetry.GuardedSource
	push   *telemetry.PushSource
	rtcp   *telemetry.RTCPSource
	peer   *telemetry.PeerReceiver
	player playerStateSetter

	limiter *rate.Limiter
	out     chan []byte
	quit    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	logger  *zap.SugaredLogger
}

// playerStateSetter is implemented by sources that cannot see the player's
// buffer or tier on their own.
type playerStateSetter interface {
	SetPlayerState(bufferSeconds float64, currentQuality string)
	SetCurrentQuality(tier string)
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.quit)
		if s.peer != nil {
			if err := s.peer.Close(); err != nil {
				s.logger.Debugw("error closing peer connection", "error", err)
			}
		}
	})
}

// sendJSON queues a message without blocking. Messages are dropped when the
// client is not draining its socket fast enough.
func (s *session) sendJSON(msgType string, seq uint64, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Errorw("failed to encode payload", "type", msgType, "error", err)
		return
	}
	data, err := json.Marshal(SignalMessage{Type: msgType, SessionID: s.id, Sequence: seq, Payload: body})
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", msgType, "error", err)
		return
	}

	select {
	case <-s.quit:
	case s.out <- data:
	default:
		s.dropped.Inc()
		s.logger.Debugw("outbound queue full, dropping message", "type", msgType, "sequence", seq)
	}
}

func (s *session) sendError(code errors.ErrorCode, message string) {
	s.sendJSON(MsgError, 0, ErrorPayload{Code: string(code), Message: message})
}

// writeLoop is the only writer on the connection.
func (s *session) writeLoop() {
	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.quit:
			return
		case data := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing message", "error", err)
				_ = s.conn.Close()
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "error", err)
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))

		if s.limiter != nil && !s.limiter.Allow() {
			s.sendError(errors.ErrCodeRateLimit, "rate limit exceeded")
			continue
		}

		if err := s.handleFrame(ctx, kind, data); err != nil {
			s.logger.Debugw("rejected message", "error", err)
			appErr := errors.FromDomain(err)
			s.sendError(appErr.Code, appErr.Message)
		}
	}
}

func (s *session) handleFrame(ctx context.Context, kind int, data []byte) error {
	if kind == websocket.BinaryMessage {
		if s.rtcp == nil {
			return errors.NewInvalidInputError("binary frames require rtcp mode")
		}
		_, span := tracing.TraceWebSocketMessage(ctx, "rtp", string(s.id))
		defer span.End()
		if err := s.rtcp.HandleRaw(data); err != nil {
			span.RecordError(err)
			return errors.WrapError(err, errors.ErrCodeInvalidInput, "malformed rtp or rtcp packet", http.StatusBadRequest)
		}
		return nil
	}

	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.NewInvalidInputError("malformed message")
	}
	if msg.Type == "" {
		return errors.NewInvalidInputError("message type is required")
	}
	if msg.SessionID != "" && msg.SessionID != s.id {
		return errors.NewInvalidInputError("session id mismatch")
	}

	_, span := tracing.TraceWebSocketMessage(ctx, msg.Type, string(s.id))
	defer span.End()

	switch msg.Type {
	case MsgTelemetry:
		return s.handleTelemetry(msg)
	case MsgSetQuality:
		return s.handleSetQuality(msg)
	case MsgPlayerState:
		return s.handlePlayerState(msg)
	case MsgOffer:
		return s.handleOffer(ctx, msg)
	case MsgCandidate:
		return s.handleCandidate(msg)
	case MsgPing:
		s.sendJSON(MsgPong, msg.Sequence, map[string]int64{"serverTime": time.Now().UnixMilli()})
		return nil
	default:
		span.SetAttributes(attribute.Bool("ws.unknown_type", true))
		return errors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *session) handleTelemetry(msg SignalMessage) error {
	if s.push == nil {
		return errors.NewInvalidInputError(fmt.Sprintf("telemetry records are not accepted in %s mode", s.mode))
	}
	record := domain.NewTelemetryRecord()
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &record); err != nil {
			return errors.NewInvalidInputError("invalid telemetry payload")
		}
	}
	s.push.Push(record)
	return nil
}

func (s *session) handleSetQuality(msg SignalMessage) error {
	var payload SetQualityPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return errors.NewInvalidInputError("invalid set_quality payload")
	}
	if err := validation.ValidateTierName(payload.Quality); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}
	if _, ok := s.tiers.Lookup(payload.Quality); !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTier, payload.Quality)
	}

	if s.push != nil {
		s.push.SetCurrentQuality(payload.Quality)
	} else {
		s.player.SetCurrentQuality(payload.Quality)
	}
	return nil
}

func (s *session) handlePlayerState(msg SignalMessage) error {
	if s.player == nil {
		return errors.NewInvalidInputError("player_state is not used in json mode")
	}
	payload := PlayerStatePayload{BufferLength: domain.DefaultBufferSeconds}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return errors.NewInvalidInputError("invalid player_state payload")
	}
	if err := validation.ValidateMeasurement(payload.BufferLength, "bufferLength"); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}
	s.player.SetPlayerState(payload.BufferLength, payload.CurrentQuality)
	return nil
}

func (s *session) handleOffer(ctx context.Context, msg SignalMessage) error {
	if s.peer == nil {
		return errors.NewInvalidInputError("offers are only accepted in webrtc mode")
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &offer); err != nil || offer.SDP == "" {
		return errors.NewInvalidInputError("invalid offer payload")
	}

	ctx, cancel := context.WithTimeout(ctx, answerTimeout)
	defer cancel()
	answer, err := s.peer.Answer(ctx, offer)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	}
	s.sendJSON(MsgAnswer, msg.Sequence, answer)
	return nil
}

func (s *session) handleCandidate(msg SignalMessage) error {
	if s.peer == nil {
		return errors.NewInvalidInputError("ice candidates are only accepted in webrtc mode")
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &candidate); err != nil || candidate.Candidate == "" {
		return errors.NewInvalidInputError("invalid ice_candidate payload")
	}
	if err := s.peer.AddICECandidate(candidate); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	}
	return nil
}

// connSink forwards loop output to the session's socket.
type connSink struct {
	sess *session
}

func (c *connSink) OnEvaluation(_ context.Context, eval domain.Evaluation) {
	c.sess.sendJSON(MsgRecommendation, eval.Sequence, eval.Recommendation)
	c.sess.sendJSON(MsgTransmissionPolicy, eval.Sequence, eval.Policy)
	c.sess.sendJSON(MsgAdvisories, eval.Sequence, eval.Advisories)
	if eval.Prediction != nil {
		c.sess.sendJSON(MsgPrediction, eval.Sequence, map[string]interface{}{
			"quality": eval.Prediction.Name,
			"bitrate": eval.Prediction.BitrateKbps,
		})
	}
}

func (c *connSink) OnTelemetryGap(_ context.Context, gap domain.TelemetryGap) {
	c.sess.sendJSON(MsgTelemetryGap, gap.Sequence, gap)
}
