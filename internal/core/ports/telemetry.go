package ports

import (
	"context"

	"streamqos/internal/core/domain"
)

// TelemetrySource yields one telemetry record per control loop tick.
type TelemetrySource interface {
	Fetch(ctx context.Context) (domain.TelemetryRecord, error)
}

// EvaluationSink consumes what a control loop emits. Implementations must not
// block for long; the loop calls them from its tick goroutine.
type EvaluationSink interface {
	OnEvaluation(ctx context.Context, eval domain.Evaluation)
	OnTelemetryGap(ctx context.Context, gap domain.TelemetryGap)
}

// SessionObserver is implemented by sinks that keep per-session state and
// need to release it when the session ends.
type SessionObserver interface {
	SessionStarted(id domain.SessionID)
	SessionEnded(id domain.SessionID)
}
