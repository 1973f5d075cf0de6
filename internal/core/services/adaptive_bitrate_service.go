package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"streamqos/internal/core/domain"
	"streamqos/internal/core/ports"
	"streamqos/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type LoopState string

const (
	LoopIdle    LoopState = "idle"
	LoopRunning LoopState = "running"
)

const defaultTickInterval = time.Second

// AdaptiveBitrateService periodically pulls telemetry for one session, runs
// the quality and transmission engines and hands the result to a sink.
// Ticks run sequentially on a single goroutine.
type AdaptiveBitrateService struct {
	quality      ports.QualityService
	transmission ports.TransmissionService
	sink         ports.EvaluationSink
	logger       *zap.SugaredLogger
	profile      domain.QoSProfile
	sessionID    domain.SessionID
	now          func() time.Time

	mu    sync.Mutex
	state LoopState
	stop  chan struct{}
	done  chan struct{}

	history  *BandwidthHistory
	sequence atomic.Uint64

	lastMu   sync.RWMutex
	last     domain.Evaluation
	hasLast  bool
	lastTier string
}

type LoopOption func(*AdaptiveBitrateService)

func WithSessionID(id domain.SessionID) LoopOption {
	return func(a *AdaptiveBitrateService) {
		a.sessionID = id
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) LoopOption {
	return func(a *AdaptiveBitrateService) {
		a.now = now
	}
}

func NewAdaptiveBitrateService(
	quality ports.QualityService,
	transmission ports.TransmissionService,
	sink ports.EvaluationSink,
	profile domain.QoSProfile,
	logger *zap.SugaredLogger,
	opts ...LoopOption,
) *AdaptiveBitrateService {
	a := &AdaptiveBitrateService{
		quality:      quality,
		transmission: transmission,
		sink:         sink,
		logger:       logger,
		profile:      profile,
		sessionID:    domain.SessionID(uuid.New().String()),
		now:          time.Now,
		state:        LoopIdle,
		history:      NewBandwidthHistory(profile.HistorySize),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("session_id", a.sessionID)
	return a
}

// Start begins ticking every period (the profile's tick interval when
// period is not positive). Calling Start on a running loop is a no-op.
// The bandwidth history is cleared on every transition to running.
func (a *AdaptiveBitrateService) Start(ctx context.Context, source ports.TelemetrySource, period time.Duration) error {
	if source == nil {
		return errors.New("telemetry source is required")
	}
	if period <= 0 {
		period = a.profile.TickInterval
	}
	if period <= 0 {
		period = defaultTickInterval
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == LoopRunning {
		return nil
	}

	a.history.Clear()
	a.lastMu.Lock()
	a.lastTier = ""
	a.lastMu.Unlock()

	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	a.state = LoopRunning

	go a.run(ctx, source, period, a.stop, a.done)

	a.logger.Infow("control loop started", "period", period)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish. History
// is kept until the next Start.
// Concurrent callers all wait for the same tick.
func (a *AdaptiveBitrateService) Stop() {
	a.mu.Lock()
	done := a.done
	stopping := a.state == LoopRunning
	if stopping {
		close(a.stop)
		a.state = LoopIdle
	}
	a.mu.Unlock()

	if done == nil {
		return
	}
	<-done
	if stopping {
		a.logger.Infow("control loop stopped", "ticks", a.sequence.Load())
	}
}

func (a *AdaptiveBitrateService) run(ctx context.Context, source ports.TelemetrySource, period time.Duration, stop, done chan struct{}) {
	defer func() {
		a.mu.Lock()
		if a.done == done {
			a.state = LoopIdle
		}
		a.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			a.tick(ctx, source)
		}
	}
}

func (a *AdaptiveBitrateService) tick(ctx context.Context, source ports.TelemetrySource) {
	seq := a.sequence.Inc()
	ctx, span := tracing.TraceTick(ctx, string(a.sessionID), seq)
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "qos.tick")

	record, err := source.Fetch(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		a.logger.Warnw("telemetry fetch failed", "sequence", seq, "error", err)
		a.sink.OnTelemetryGap(ctx, domain.TelemetryGap{
			SessionID: a.sessionID,
			Sequence:  seq,
			At:        a.now(),
			Err:       err,
			Reason:    err.Error(),
		})
		return
	}

	eval := a.evaluate(record, seq)

	tracing.AddSpanAttributes(ctx,
		tracing.TierKey.String(eval.Recommendation.Recommended),
		tracing.BitrateKey.Int(eval.Recommendation.Bitrate),
		tracing.BandwidthKey.Float64(eval.Telemetry.Bandwidth),
		tracing.PacketLossKey.Float64(eval.Telemetry.PacketLoss),
		tracing.JitterKey.Float64(eval.Telemetry.Jitter),
		tracing.BufferStateKey.String(string(eval.Recommendation.BufferState)),
		tracing.NetworkScoreKey.Int(eval.Recommendation.NetworkScore),
	)

	if t := eval.Recommendation.Transition; t != nil {
		a.logger.Infow("quality transition proposed",
			"sequence", seq,
			"from", t.From,
			"to", t.To,
			"steps", t.Steps,
			"direction", t.Direction,
		)
	} else {
		a.logger.Debugw("evaluation",
			"sequence", seq,
			"tier", eval.Recommendation.Recommended,
			"score", eval.Recommendation.NetworkScore,
		)
	}

	a.sink.OnEvaluation(ctx, eval)
}

func (a *AdaptiveBitrateService) evaluate(record domain.TelemetryRecord, seq uint64) domain.Evaluation {
	at := a.now()

	a.lastMu.RLock()
	lastTier := a.lastTier
	a.lastMu.RUnlock()
	if record.CurrentQuality == "" {
		record.CurrentQuality = lastTier
	}

	snapshot := domain.NewTelemetrySnapshot(record, at)
	a.history.Push(snapshot.BandwidthKbps)

	rec := a.quality.RecommendQuality(snapshot)
	prediction := a.quality.PredictQuality(a.history.Samples())

	eval := domain.Evaluation{
		SessionID:      a.sessionID,
		Sequence:       seq,
		At:             at,
		Telemetry:      snapshot.Record(),
		Recommendation: rec,
		Policy:         a.transmission.OptimizeTransmission(snapshot),
		Advisories:     a.transmission.OptimizationRecommendations(snapshot),
		Prediction:     &prediction,
	}

	a.lastMu.Lock()
	a.last = eval
	a.hasLast = true
	a.lastTier = rec.Recommended
	a.lastMu.Unlock()

	return eval
}

// Last returns the most recent evaluation. A telemetry gap does not replace it.
func (a *AdaptiveBitrateService) Last() (domain.Evaluation, bool) {
	a.lastMu.RLock()
	defer a.lastMu.RUnlock()
	return a.last, a.hasLast
}

// History returns the buffered bandwidth samples, oldest first.
func (a *AdaptiveBitrateService) History() []float64 {
	return a.history.Samples()
}

// Trend reports the short-term bandwidth direction over the prediction window.
func (a *AdaptiveBitrateService) Trend() Trend {
	return a.history.Trend(a.profile.PredictWindow)
}

func (a *AdaptiveBitrateService) State() LoopState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *AdaptiveBitrateService) Running() bool {
	return a.State() == LoopRunning
}

func (a *AdaptiveBitrateService) SessionID() domain.SessionID {
	return a.sessionID
}

// FanoutSink delivers to each sink in order.
type FanoutSink []ports.EvaluationSink

func (f FanoutSink) OnEvaluation(ctx context.Context, eval domain.Evaluation) {
	for _, sink := range f {
		if sink != nil {
			sink.OnEvaluation(ctx, eval)
		}
	}
}

func (f FanoutSink) OnTelemetryGap(ctx context.Context, gap domain.TelemetryGap) {
	for _, sink := range f {
		if sink != nil {
			sink.OnTelemetryGap(ctx, gap)
		}
	}
}

func (f FanoutSink) SessionStarted(id domain.SessionID) {
	for _, sink := range f {
		if obs, ok := sink.(ports.SessionObserver); ok {
			obs.SessionStarted(id)
		}
	}
}

func (f FanoutSink) SessionEnded(id domain.SessionID) {
	for _, sink := range f {
		if obs, ok := sink.(ports.SessionObserver); ok {
			obs.SessionEnded(id)
		}
	}
}

// LoggingSink logs every evaluation and gap.
type LoggingSink struct {
	Logger *zap.SugaredLogger
}

func (s LoggingSink) OnEvaluation(_ context.Context, eval domain.Evaluation) {
	s.Logger.Infow("qos evaluation",
		"session_id", eval.SessionID,
		"sequence", eval.Sequence,
		"tier", eval.Recommendation.Recommended,
		"bitrate", eval.Recommendation.Bitrate,
		"buffer_state", eval.Recommendation.BufferState,
		"network", eval.Recommendation.NetworkMetrics.Quality,
		"advisories", len(eval.Advisories),
	)
}

func (s LoggingSink) OnTelemetryGap(_ context.Context, gap domain.TelemetryGap) {
	s.Logger.Warnw("telemetry gap",
		"session_id", gap.SessionID,
		"sequence", gap.Sequence,
		"reason", gap.Reason,
	)
}
