package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"streamqos/internal/core/domain"
)

// PushSource holds the latest record pushed by a client. Fetch returns
// ErrNoTelemetry until the first push, or once the latest push is older
// than maxAge.
type PushSource struct {
	maxAge time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	record   domain.TelemetryRecord
	pushedAt time.Time
	received bool
}

// NewPushSource creates a source. A non-positive maxAge disables staleness.
func NewPushSource(maxAge time.Duration) *PushSource {
	return &PushSource{
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (s *PushSource) Push(record domain.TelemetryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = record
	s.pushedAt = s.now()
	s.received = true
}

func (s *PushSource) Fetch(_ context.Context) (domain.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.received {
		return domain.TelemetryRecord{}, domain.ErrNoTelemetry
	}
	if s.maxAge > 0 {
		if age := s.now().Sub(s.pushedAt); age > s.maxAge {
			return domain.TelemetryRecord{}, fmt.Errorf("%w: last report %s ago", domain.ErrNoTelemetry, age.Round(time.Millisecond))
		}
	}
	return s.record, nil
}

// SetCurrentQuality updates the client's reported tier without a full push.
func (s *PushSource) SetCurrentQuality(tier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.CurrentQuality = tier
}
