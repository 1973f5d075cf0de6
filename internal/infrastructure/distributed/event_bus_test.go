package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"streamqos/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRedis struct {
	mu       sync.Mutex
	failures int
	messages []string
	channels []string
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return redis.NewIntResult(0, errors.New("connection reset"))
	}
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Subscribe(context.Context, ...string) *redis.PubSub {
	return nil
}

func (f *fakeRedis) events(t *testing.T) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, 0, len(f.messages))
	for _, m := range f.messages {
		var e Event
		require.NoError(t, json.Unmarshal([]byte(m), &e))
		out = append(out, e)
	}
	return out
}

func TestEventBus_PublishRetries(t *testing.T) {
	client := &fakeRedis{failures: 2}
	bus := NewEventBus(client, EventBusConfig{InstanceID: "node-1", PublishRetries: 3}, zaptest.NewLogger(t).Sugar())

	err := bus.Publish(context.Background(), &Event{Type: EventSessionStarted, SessionID: "s1"})
	require.NoError(t, err)

	events := client.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "node-1", events[0].InstanceID)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, DefaultChannel, client.channels[0])

	published, _, _ := bus.Stats()
	assert.Equal(t, uint64(1), published)
}

func TestEventBus_PublishGivesUp(t *testing.T) {
	client := &fakeRedis{failures: 10}
	bus := NewEventBus(client, EventBusConfig{PublishRetries: 1}, zaptest.NewLogger(t).Sugar())

	err := bus.Publish(context.Background(), &Event{Type: EventSessionEnded})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestEventBus_SinkPublishesAsync(t *testing.T) {
	client := &fakeRedis{}
	bus := NewEventBus(client, EventBusConfig{Channel: "qos:test"}, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)

	bus.OnEvaluation(ctx, domain.Evaluation{
		SessionID: "s1",
		Sequence:  7,
		Recommendation: domain.Recommendation{
			Recommended: "1080p60",
			Transition:  &domain.Transition{Transition: true, From: "720p60", To: "1080p60", Steps: 1, Direction: domain.DirectionUpgrade},
		},
	})
	bus.OnTelemetryGap(ctx, domain.TelemetryGap{SessionID: "s1", Sequence: 8, Reason: "no telemetry received yet"})

	require.Eventually(t, func() bool { return len(client.events(t)) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	bus.Wait()

	events := client.events(t)
	assert.Equal(t, EventEvaluation, events[0].Type)
	assert.Equal(t, uint64(7), events[0].Sequence)
	assert.Equal(t, EventTransition, events[1].Type)
	assert.Equal(t, EventTelemetryGap, events[2].Type)
	assert.Equal(t, "qos:test", client.channels[2])

	var transition domain.Transition
	require.NoError(t, json.Unmarshal(events[1].Payload, &transition))
	assert.Equal(t, "1080p60", transition.To)
}

func TestEventBus_FlushesBacklogAndRestarts(t *testing.T) {
	client := &fakeRedis{}
	bus := NewEventBus(client, EventBusConfig{}, zaptest.NewLogger(t).Sugar())

	bus.SessionStarted("a")
	bus.SessionStarted("b")
	bus.SessionEnded("a")

	stopped, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Start(stopped)
	bus.Wait()
	assert.Len(t, client.events(t), 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	bus.SessionEnded("b")
	require.Eventually(t, func() bool { return len(client.events(t)) == 4 }, time.Second, 5*time.Millisecond)

	cancel()
	bus.Wait()
	published, dropped, failed := bus.Stats()
	assert.Equal(t, uint64(4), published)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
}

func TestEventBus_DropsWhenQueueFull(t *testing.T) {
	bus := NewEventBus(&fakeRedis{}, EventBusConfig{QueueSize: 1}, zaptest.NewLogger(t).Sugar())

	bus.SessionStarted("a")
	bus.SessionStarted("b")

	_, dropped, _ := bus.Stats()
	assert.Equal(t, uint64(1), dropped)
}
