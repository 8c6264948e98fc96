package protocol

import (
	"errors"
	"fmt"
)

// ErrShortMessage is returned by Decode when a datagram is too short for
// its header or for the payload its action requires.
var ErrShortMessage = errors.New("message too short")

// Message is a decoded datagram.
type Message interface {
	Sender() PeerID
	Action() Action
}

// DisconnectMessage announces that a peer is leaving.
type DisconnectMessage struct {
	Peer PeerID
}

func (m DisconnectMessage) Sender() PeerID { return m.Peer }
func (m DisconnectMessage) Action() Action { return ActionDisconnect }

// TransformMessage carries a peer's position and euler rotation.
type TransformMessage struct {
	Peer     PeerID
	Position Vector3
	Rotation Vector3
}

func (m TransformMessage) Sender() PeerID { return m.Peer }
func (m TransformMessage) Action() Action { return ActionTransform }

// UnknownMessage is any action this package does not know. The payload
// after the header is kept so callers can handle their own actions.
type UnknownMessage struct {
	Peer    PeerID
	Code    Action
	Payload []byte
}

func (m UnknownMessage) Sender() PeerID { return m.Peer }
func (m UnknownMessage) Action() Action { return m.Code }

// WriteHeader appends the peer id and action code.
func WriteHeader(p *Packet, peer PeerID, action Action) *Packet {
	return p.WriteBytes(peer, byte(action))
}

// BuildTransform appends a Transform message.
// Format: [peer:1][action:1][position:12][rotation:12]
func BuildTransform(p *Packet, peer PeerID, position, rotation Vector3) *Packet {
	return WriteHeader(p, peer, ActionTransform).
		WriteVector3(position).
		WriteVector3(rotation)
}

// BuildDisconnect appends a Disconnect message.
// Format: [peer:1][action:1]
func BuildDisconnect(p *Packet, peer PeerID) *Packet {
	return WriteHeader(p, peer, ActionDisconnect)
}

// Decode reads the header and the action payload from the packet's cursor
// using the try readers, so truncated datagrams are reported, never read
// past. Trailing bytes after a known payload are ignored.
func Decode(p *Packet) (Message, error) {
	peer, ok := p.TryReadByte()
	if !ok {
		return nil, fmt.Errorf("failed to read peer id: %w", ErrShortMessage)
	}
	code, ok := p.TryReadByte()
	if !ok {
		return nil, fmt.Errorf("failed to read action from peer %d: %w", peer, ErrShortMessage)
	}

	switch action := Action(code); action {
	case ActionDisconnect:
		return DisconnectMessage{Peer: peer}, nil
	case ActionTransform:
		position, ok := p.TryReadVector3()
		if !ok {
			return nil, fmt.Errorf("failed to parse transform position: %w", ErrShortMessage)
		}
		rotation, ok := p.TryReadVector3()
		if !ok {
			return nil, fmt.Errorf("failed to parse transform rotation: %w", ErrShortMessage)
		}
		return TransformMessage{Peer: peer, Position: position, Rotation: rotation}, nil
	default:
		payload, _ := p.TryReadBytes(p.Remaining())
		return UnknownMessage{Peer: peer, Code: action, Payload: payload}, nil
	}
}
