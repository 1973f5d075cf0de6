package domain

import "time"

// SessionID identifies one monitoring session (one control loop).
type SessionID string

// Evaluation is everything a control loop tick produces.
type Evaluation struct {
	SessionID      SessionID          `json:"sessionId"`
	Sequence       uint64             `json:"sequence"`
	At             time.Time          `json:"at"`
	Telemetry      TelemetryRecord    `json:"telemetry"`
	Recommendation Recommendation     `json:"recommendation"`
	Policy         TransmissionPolicy `json:"transmissionPolicy"`
	Advisories     []Advisory         `json:"advisories"`
	Prediction     *QualityTier       `json:"prediction,omitempty"`
}

// TelemetryGap reports a tick skipped because telemetry could not be fetched.
type TelemetryGap struct {
	SessionID SessionID `json:"sessionId"`
	Sequence  uint64    `json:"sequence"`
	At        time.Time `json:"at"`
	Err       error     `json:"-"`
	Reason    string    `json:"reason"`
}
