// Package telemetry publishes peer presence, transforms and relay stats to
// an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/events"
	"github.com/monosync-project/monosync/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicStatus        = "status"
	TopicPeerJoined    = "peers/joined"
	TopicPeerLeft      = "peers/left"
	TopicPeerEvicted   = "peers/evicted"
	TopicPeerTransform = "peers/transform"
	TopicUnknownAction = "peers/unknown_action"
	TopicRelayStats    = "relay/stats"
	TopicHeartbeat     = "heartbeat"
)

// AppVersion is reported in every message.
var AppVersion = "dev"

// MQTTHandler manages the MQTT connection and publishes bus events.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	instanceID string
	role       string

	// Metadata included in every message
	metadata map[string]interface{}

	// last transform publish per peer
	lastTransform     map[uint8]time.Time
	transformInterval time.Duration
	now               func() time.Time
}

// NewMQTTHandler creates a handler for role ("client" or "relay").
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus, role string) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	instanceID := uuid.NewString()
	sysInfo := util.GetSystemInfo()

	handler := &MQTTHandler{
		cfg:        mqttCfg,
		eventBus:   eventBus,
		logger:     log.With().Str("component", "mqtt").Logger(),
		instanceID: instanceID,
		role:       role,
		metadata: map[string]interface{}{
			"instance_id": instanceID,
			"role":        role,
			"hostname":    sysInfo.Hostname,
			"platform":    sysInfo.Platform,
			"cpu_cores":   sysInfo.CPUCores,
			"memory_mb":   sysInfo.TotalMemory,
			"app_version": AppVersion,
		},
		lastTransform:     make(map[uint8]time.Time),
		transformInterval: time.Duration(mqttCfg.TransformIntervalMs) * time.Millisecond,
		now:               time.Now,
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("monosync-%s-%s", role, instanceID[:8]))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetBinaryWill(handler.topic(TopicStatus), handler.statusPayload("offline"), 1, true)

	if mqttCfg.UseTLS {
		tlsConfig, err := buildTLSConfig(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		handler.logger.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

func buildTLSConfig(mqttCfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if mqttCfg.CAFile != "" {
		pem, err := os.ReadFile(mqttCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in MQTT CA file %s", mqttCfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS
	if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// InstanceID identifies this process in every published message.
func (h *MQTTHandler) InstanceID() string {
	return h.instanceID
}

// Start connects to the broker, subscribes to bus events and blocks until
// ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	h.publishRetained(TopicStatus, h.statusPayload("online"))

	<-ctx.Done()

	h.unsubscribeEvents()
	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

var subscriptions = []struct {
	event events.EventType
	name  string
}{
	{events.EventPeerJoined, "mqtt.peerJoined"},
	{events.EventPeerLeft, "mqtt.peerLeft"},
	{events.EventPeerEvicted, "mqtt.peerEvicted"},
	{events.EventPeerTransform, "mqtt.peerTransform"},
	{events.EventUnknownAction, "mqtt.unknownAction"},
	{events.EventRelayStats, "mqtt.relayStats"},
	{events.EventHeartbeat, "mqtt.heartbeat"},
}

func (h *MQTTHandler) subscribeEvents() {
	for _, s := range subscriptions {
		h.eventBus.Subscribe(s.event, s.name, h.onEvent)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, s := range subscriptions {
		h.eventBus.Unsubscribe(s.event, s.name)
	}
}

func (h *MQTTHandler) topic(suffix string) string {
	prefix := h.cfg.TopicPrefix
	if prefix == "" {
		prefix = "monosync"
	}
	return fmt.Sprintf("%s/%s/%s", prefix, h.role, suffix)
}

// onEvent routes a bus event to its topic.
func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.EventPeerJoined:
		h.publish(TopicPeerJoined, event.Payload)
	case events.EventPeerLeft:
		h.publish(TopicPeerLeft, event.Payload)
	case events.EventPeerEvicted:
		h.publish(TopicPeerEvicted, event.Payload)
	case events.EventUnknownAction:
		h.publish(TopicUnknownAction, event.Payload)
	case events.EventRelayStats:
		h.publish(TopicRelayStats, event.Payload)
	case events.EventHeartbeat:
		h.publish(TopicHeartbeat, event.Payload)
	case events.EventPeerTransform:
		p, ok := event.Payload.(events.PeerTransformPayload)
		if !ok {
			return fmt.Errorf("unexpected transform payload %T", event.Payload)
		}
		if h.allowTransform(p.PeerID) {
			h.publish(TopicPeerTransform, p)
		}
	}
	return nil
}

// allowTransform throttles transform publishes to one per peer per interval.
func (h *MQTTHandler) allowTransform(peer uint8) bool {
	if h.transformInterval <= 0 {
		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if last, ok := h.lastTransform[peer]; ok && now.Sub(last) < h.transformInterval {
		return false
	}
	h.lastTransform[peer] = now
	return true
}

// publish sends a JSON message at QoS 1.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	h.send(suffix, h.buildMessage(payload), false)
}

func (h *MQTTHandler) publishRetained(suffix string, data []byte) {
	h.send(suffix, data, true)
}

func (h *MQTTHandler) send(suffix string, payload interface{}, retained bool) {
	if !h.client.IsConnected() {
		return
	}

	topic := h.topic(suffix)

	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	default:
		var err error
		data, err = json.Marshal(p)
		if err != nil {
			h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
			return
		}
	}

	token := h.client.Publish(topic, 1, retained, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = h.now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) statusPayload(state string) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"instance_id": h.instanceID,
		"role":        h.role,
		"state":       state,
	})
	return data
}

// PublishShutdown marks this instance offline.
func (h *MQTTHandler) PublishShutdown() {
	h.publishRetained(TopicStatus, h.statusPayload("offline"))
}
