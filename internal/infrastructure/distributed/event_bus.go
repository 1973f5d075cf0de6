package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"streamqos/internal/core/domain"
	"streamqos/pkg/tracing"
	"streamqos/pkg/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventEvaluation     EventType = "qos.evaluation"
	EventTelemetryGap   EventType = "qos.telemetry_gap"
	EventTransition     EventType = "qos.transition"
	EventSessionStarted EventType = "session.started"
	EventSessionEnded   EventType = "session.ended"
)

const DefaultChannel = "streamqos:events"

// Event is the envelope published on the bus.
type Event struct {
	ID         string           `json:"event_id"`
	Type       EventType        `json:"type"`
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	SessionID  domain.SessionID `json:"session_id,omitempty"`
	Sequence   uint64           `json:"sequence,omitempty"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// RedisClient is the subset of go-redis the bus needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type EventBusConfig struct {
	Channel        string
	InstanceID     string
	QueueSize      int
	PublishRetries uint64
	PublishTimeout time.Duration
	DrainTimeout   time.Duration // spent publishing the backlog after shutdown
}

// EventBus publishes control loop output to Redis pub/sub. As a sink it only
// enqueues; a background worker publishes with retries, so a slow Redis never
// stalls a control loop. Events are dropped when the queue is full.
type EventBus struct {
	client RedisClient
	config EventBusConfig
	logger *zap.SugaredLogger
	now    func() time.Time

	queue     chan *Event
	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	mu      sync.Mutex
	running bool
	done    chan struct{}
	pubsub  *redis.PubSub
}

func NewEventBus(client RedisClient, config EventBusConfig, logger *zap.SugaredLogger) *EventBus {
	if config.Channel == "" {
		config.Channel = DefaultChannel
	}
	if config.InstanceID == "" {
		config.InstanceID = utils.GenerateEventID()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 2 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 2 * time.Second
	}
	return &EventBus{
		client: client,
		config: config,
		logger: logger,
		now:    time.Now,
		queue:  make(chan *Event, config.QueueSize),
	}
}

// Start launches the publish worker. Once ctx is done the worker flushes the
// backlog for up to DrainTimeout and exits; the bus can then be started again.
func (eb *EventBus) Start(ctx context.Context) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.running {
		return
	}
	eb.running = true
	eb.done = make(chan struct{})
	go eb.worker(ctx, eb.done)
}

// Wait blocks until the worker has exited.
func (eb *EventBus) Wait() {
	eb.mu.Lock()
	done := eb.done
	eb.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (eb *EventBus) worker(ctx context.Context, done chan struct{}) {
	defer func() {
		eb.mu.Lock()
		eb.running = false
		eb.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			eb.drain()
			return
		case event := <-eb.queue:
			eb.publishQueued(ctx, event)
		}
	}
}

func (eb *EventBus) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), eb.config.DrainTimeout)
	defer cancel()

	for {
		select {
		case event := <-eb.queue:
			if ctx.Err() != nil {
				lost := uint64(len(eb.queue)) + 1
				eb.dropped.Add(lost)
				eb.logger.Warnw("drain timed out, dropping queued events", "dropped", lost)
				return
			}
			eb.publishQueued(ctx, event)
		default:
			return
		}
	}
}

func (eb *EventBus) publishQueued(ctx context.Context, event *Event) {
	if err := eb.Publish(ctx, event); err != nil {
		eb.failed.Inc()
		eb.logger.Warnw("failed to publish event",
			"type", event.Type,
			"session_id", event.SessionID,
			"error", err,
		)
	}
}

// Publish stamps and publishes one event synchronously, retrying transient
// Redis errors with exponential backoff.
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = utils.GenerateEventID()
	}
	event.InstanceID = eb.config.InstanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = eb.now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, span := tracing.TracePublish(ctx, eb.config.Channel, string(event.Type))
	defer span.End()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		pubCtx, cancel := context.WithTimeout(ctx, eb.config.PublishTimeout)
		defer cancel()
		return eb.client.Publish(pubCtx, eb.config.Channel, data).Err()
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, eb.config.PublishRetries), ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("failed to publish event after %d attempts: %w", attempts, err)
	}

	eb.published.Inc()
	eb.logger.Debugw("published event",
		"type", event.Type,
		"session_id", event.SessionID,
		"sequence", event.Sequence,
		"attempts", attempts,
	)
	return nil
}

func (eb *EventBus) enqueue(eventType EventType, sessionID domain.SessionID, seq uint64, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			eb.logger.Errorw("failed to marshal event payload", "type", eventType, "error", err)
			return
		}
		raw = data
	}

	event := &Event{
		Type:      eventType,
		Timestamp: eb.now(),
		SessionID: sessionID,
		Sequence:  seq,
		Payload:   raw,
	}

	select {
	case eb.queue <- event:
	default:
		eb.dropped.Inc()
		eb.logger.Debugw("event queue full, dropping event", "type", eventType, "session_id", sessionID)
	}
}

func (eb *EventBus) OnEvaluation(_ context.Context, eval domain.Evaluation) {
	eb.enqueue(EventEvaluation, eval.SessionID, eval.Sequence, eval)
	if t := eval.Recommendation.Transition; t != nil && t.Transition {
		eb.enqueue(EventTransition, eval.SessionID, eval.Sequence, t)
	}
}

func (eb *EventBus) OnTelemetryGap(_ context.Context, gap domain.TelemetryGap) {
	eb.enqueue(EventTelemetryGap, gap.SessionID, gap.Sequence, gap)
}

func (eb *EventBus) SessionStarted(id domain.SessionID) {
	eb.enqueue(EventSessionStarted, id, 0, nil)
}

func (eb *EventBus) SessionEnded(id domain.SessionID) {
	eb.enqueue(EventSessionEnded, id, 0, nil)
}

// Stats reports publish counters.
func (eb *EventBus) Stats() (published, dropped, failed uint64) {
	return eb.published.Load(), eb.dropped.Load(), eb.failed.Load()
}

// Subscribe calls handler for every event on the channel until ctx is done.
// Events from this instance are skipped unless includeOwn is set.
func (eb *EventBus) Subscribe(ctx context.Context, includeOwn bool, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	eb.pubsub = eb.client.Subscribe(ctx, eb.config.Channel)
	pubsub := eb.pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		_ = pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if !includeOwn && event.InstanceID == eb.config.InstanceID {
				continue
			}

			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Close ends an active subscription.
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
