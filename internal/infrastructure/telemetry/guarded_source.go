package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamqos/internal/core/domain"
	"streamqos/internal/core/ports"

	"go.uber.org/zap"
)

type GuardState int

const (
	GuardClosed  GuardState = iota // fetches pass through
	GuardOpen                      // fetches fail fast with ErrSourceSuspended
	GuardProbing                   // one fetch allowed to test recovery
)

func (s GuardState) String() string {
	switch s {
	case GuardClosed:
		return "closed"
	case GuardOpen:
		return "open"
	case GuardProbing:
		return "probing"
	default:
		return "unknown"
	}
}

type GuardConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		FailureThreshold: 5,
		Cooldown:         10 * time.Second,
	}
}

// GuardedSource stops hammering a failing telemetry source. After
// FailureThreshold consecutive errors it short-circuits fetches for Cooldown,
// then lets a single probe through. Until the source has produced its first
// record, ErrNoTelemetry means the session is still warming up and is not
// counted.
type GuardedSource struct {
	source ports.TelemetrySource
	config GuardConfig
	logger *zap.SugaredLogger
	now    func() time.Time

	mu        sync.Mutex
	state     GuardState
	failures  int
	primed    bool
	openSince time.Time
}

func NewGuardedSource(source ports.TelemetrySource, config GuardConfig, logger *zap.SugaredLogger) *GuardedSource {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultGuardConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultGuardConfig().Cooldown
	}
	return &GuardedSource{
		source: source,
		config: config,
		logger: logger,
		now:    time.Now,
		state:  GuardClosed,
	}
}

func (g *GuardedSource) Fetch(ctx context.Context) (domain.TelemetryRecord, error) {
	if err := g.allow(); err != nil {
		return domain.TelemetryRecord{}, err
	}

	record, err := g.source.Fetch(ctx)
	if err != nil {
		g.onFailure(err)
		return domain.TelemetryRecord{}, err
	}
	g.onSuccess()
	return record, nil
}

func (g *GuardedSource) State() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *GuardedSource) allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case GuardOpen:
		remaining := g.config.Cooldown - g.now().Sub(g.openSince)
		if remaining > 0 {
			return fmt.Errorf("%w: retry in %s", domain.ErrSourceSuspended, remaining.Round(time.Millisecond))
		}
		g.transitionTo(GuardProbing)
		return nil
	case GuardProbing:
		// a probe is already in flight
		return domain.ErrSourceSuspended
	default:
		return nil
	}
}

func (g *GuardedSource) onFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.primed && errors.Is(err, domain.ErrNoTelemetry) {
		return
	}

	g.failures++
	if g.state == GuardProbing || g.failures >= g.config.FailureThreshold {
		g.openSince = g.now()
		g.transitionTo(GuardOpen)
	}
}

func (g *GuardedSource) onSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures = 0
	g.primed = true
	g.transitionTo(GuardClosed)
}

func (g *GuardedSource) transitionTo(state GuardState) {
	if g.state == state {
		return
	}
	from := g.state
	g.state = state
	if g.logger != nil {
		g.logger.Infow("telemetry guard state changed",
			"from", from.String(),
			"to", state.String(),
			"failures", g.failures,
		)
	}
}
