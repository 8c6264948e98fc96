// Package protocol implements the binary wire format shared by MonoSync
// peers and relays. Every datagram is one message; all multi-byte values
// are little-endian and there is no magic number, version or outer length.
//
//	byte 0     : sender peer id
//	byte 1     : action code
//	bytes 2..N : action payload
package protocol

import (
	"fmt"
	"math/rand"
)

// PeerID identifies the sender of a datagram. Ids are picked at random and
// are not negotiated, so two peers can collide.
type PeerID = uint8

// Action is the second byte of every message.
type Action uint8

// Known action codes. Anything else decodes as an UnknownMessage.
const (
	ActionDisconnect Action = 0x00 // Peer is leaving
	ActionTransform  Action = 0x01 // Position + rotation update
)

var actionNames = map[Action]string{
	ActionDisconnect: "disconnect",
	ActionTransform:  "transform",
}

// String returns the lowercase action name.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(a))
}

const (
	// HeaderSize is the peer id byte plus the action byte.
	HeaderSize = 2

	// TransformPayloadSize is position + rotation, six float32 values.
	TransformPayloadSize = 2 * Vector3Size

	// TransformMessageSize is the full size of a Transform datagram.
	TransformMessageSize = HeaderSize + TransformPayloadSize

	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507
)

// RandomPeerID picks a peer id uniformly from 0-255.
func RandomPeerID() PeerID {
	return PeerID(rand.Intn(256))
}
