package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/events"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes. Methods not overridden panic via the nil
// embedded interface.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	connected bool
	messages  []published
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakeClient) Disconnect(quiesce uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (f *fakeClient) byTopic(suffix string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.messages {
		if strings.HasSuffix(m.topic, "/"+suffix) {
			out = append(out, m)
		}
	}
	return out
}

func newTestHandler(t *testing.T, bus *events.EventBus) (*MQTTHandler, *fakeClient) {
	t.Helper()

	cfg := config.DefaultConfig()
	app := cfg.GetApplicationData()
	app.MQTT.Enabled = true
	app.MQTT.TopicPrefix = "test"
	app.MQTT.TransformIntervalMs = 1000
	cfg.SetApplicationData(app)

	h, err := NewMQTTHandler(cfg, bus, "relay")
	require.NoError(t, err)

	fake := &fakeClient{}
	h.client = fake
	return h, fake
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.DefaultConfig(), events.NewEventBus(), "client")
	assert.Error(t, err)
}

func TestNewMQTTHandlerSetsOfflineWill(t *testing.T) {
	cfg := config.DefaultConfig()
	app := cfg.GetApplicationData()
	app.MQTT.Enabled = true
	app.MQTT.TopicPrefix = "test"
	cfg.SetApplicationData(app)

	h, err := NewMQTTHandler(cfg, events.NewEventBus(), "relay")
	require.NoError(t, err)

	opts := h.client.OptionsReader()
	require.True(t, opts.WillEnabled())
	assert.Equal(t, "test/relay/"+TopicStatus, opts.WillTopic())
	assert.True(t, opts.WillRetained())

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(opts.WillPayload(), &status))
	assert.Equal(t, "offline", status["state"])
	assert.Equal(t, h.InstanceID(), status["instance_id"])
}

func TestMQTTHandlerLifecycle(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	h, fake := newTestHandler(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	require.Eventually(t, func() bool {
		return bus.HandlerCount(events.EventPeerJoined) == 1 && len(fake.byTopic(TopicStatus)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventPeerJoined,
		Source:  "relay",
		Payload: events.PeerPayload{PeerID: 3, Address: "127.0.0.1:4000"},
	}))

	joined := fake.byTopic(TopicPeerJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "test/relay/peers/joined", joined[0].topic)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(joined[0].payload, &msg))
	assert.Equal(t, h.InstanceID(), msg["instance_id"])
	assert.Equal(t, "relay", msg["role"])
	payload := msg["payload"].(map[string]interface{})
	assert.Equal(t, float64(3), payload["peer_id"])

	cancel()
	require.NoError(t, <-done)

	status := fake.byTopic(TopicStatus)
	require.Len(t, status, 2)
	assert.True(t, status[1].retained)
	assert.Contains(t, string(status[1].payload), `"offline"`)
	assert.Zero(t, bus.HandlerCount(events.EventPeerJoined))
	assert.False(t, fake.IsConnected())
}

func TestMQTTTransformThrottle(t *testing.T) {
	h, fake := newTestHandler(t, events.NewEventBus())
	fake.connected = true

	now := time.Unix(0, 0)
	h.now = func() time.Time { return now }

	transform := func(peer uint8) events.Event {
		return events.Event{
			Type:    events.EventPeerTransform,
			Payload: events.PeerTransformPayload{PeerID: peer},
		}
	}

	ctx := context.Background()
	require.NoError(t, h.onEvent(ctx, transform(1)))
	require.NoError(t, h.onEvent(ctx, transform(1)))
	require.NoError(t, h.onEvent(ctx, transform(2)))
	assert.Len(t, fake.byTopic(TopicPeerTransform), 2)

	now = now.Add(1500 * time.Millisecond)
	require.NoError(t, h.onEvent(ctx, transform(1)))
	assert.Len(t, fake.byTopic(TopicPeerTransform), 3)

	assert.Error(t, h.onEvent(ctx, events.Event{Type: events.EventPeerTransform, Payload: "bad"}))
}

func TestMQTTSkipsWhenDisconnected(t *testing.T) {
	h, fake := newTestHandler(t, events.NewEventBus())

	require.NoError(t, h.onEvent(context.Background(), events.Event{
		Type:    events.EventRelayStats,
		Payload: events.RelayStatsPayload{Peers: 1},
	}))
	assert.Empty(t, fake.byTopic(TopicRelayStats))
}
