// Package events defines event types and payloads for the MonoSync event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Peer events, emitted for every decoded datagram
	EventPeerJoined    EventType = "peer_joined"
	EventPeerLeft      EventType = "peer_left"
	EventPeerTransform EventType = "peer_transform"
	EventUnknownAction EventType = "unknown_action"

	// Relay events
	EventPeerEvicted EventType = "peer_evicted"
	EventRelayStats  EventType = "relay_stats"

	// Client events
	EventHeartbeat EventType = "heartbeat"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event flowing through the EventBus.
type Event struct {
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Vector mirrors protocol.Vector3 so this package stays a leaf.
type Vector struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// PeerPayload identifies a peer and where its datagram came from.
type PeerPayload struct {
	PeerID  uint8  `json:"peer_id"`
	Address string `json:"address,omitempty"`
}

// PeerTransformPayload carries a decoded Transform message.
type PeerTransformPayload struct {
	PeerID   uint8  `json:"peer_id"`
	Address  string `json:"address,omitempty"`
	Position Vector `json:"position"`
	Rotation Vector `json:"rotation"`
}

// UnknownActionPayload carries an action code the decoder does not know.
type UnknownActionPayload struct {
	PeerID     uint8  `json:"peer_id"`
	Address    string `json:"address,omitempty"`
	Action     uint8  `json:"action"`
	PayloadLen int    `json:"payload_len"`
}

// PeerEvictedPayload is emitted when a silent peer is dropped by the relay.
type PeerEvictedPayload struct {
	PeerID   uint8     `json:"peer_id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

// RelayStatsPayload is a periodic snapshot of relay traffic.
type RelayStatsPayload struct {
	Peers            int    `json:"peers"`
	DatagramsIn      uint64 `json:"datagrams_in"`
	DatagramsOut     uint64 `json:"datagrams_out"`
	BytesIn          uint64 `json:"bytes_in"`
	BytesOut         uint64 `json:"bytes_out"`
	MalformedDropped uint64 `json:"malformed_dropped"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// ConfigChangedPayload names the field that was updated at runtime.
type ConfigChangedPayload struct {
	Section string      `json:"section"`
	Key     string      `json:"key"`
	Value   interface{} `json:"value,omitempty"`
}

// HeartbeatPayload is the periodic liveness report of a client.
type HeartbeatPayload struct {
	PeerID            uint8  `json:"peer_id"`
	Connected         bool   `json:"connected"`
	Remote            string `json:"remote,omitempty"`
	RemotePeers       int    `json:"remote_peers"`
	DatagramsSent     uint64 `json:"datagrams_sent"`
	DatagramsReceived uint64 `json:"datagrams_received"`
	Ticks             uint64 `json:"ticks"`
}
