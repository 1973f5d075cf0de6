package domain

import "errors"

var (
	ErrUnknownTier      = errors.New("unknown quality tier")
	ErrInvalidTierTable = errors.New("invalid tier table")
	ErrNoTelemetry      = errors.New("no telemetry received yet")
	ErrSourceSuspended  = errors.New("telemetry source suspended")
	ErrLoopStopped      = errors.New("control loop stopped")
	ErrSessionNotFound  = errors.New("monitoring session not found")
)
