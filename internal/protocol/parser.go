package protocol

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/monosync-project/monosync/internal/events"
)

// Parser turns received datagrams into bus events.
type Parser struct {
	logger zerolog.Logger
	source string
}

// NewParser creates a parser. source is stamped on every produced event.
func NewParser(source string) *Parser {
	return &Parser{
		logger: log.With().Str("component", "parser").Str("source", source).Logger(),
		source: source,
	}
}

// Parse decodes one datagram. The decoded message is returned alongside the
// event so callers that route on peer id do not need to type-switch the payload.
// A malformed datagram yields an error and must be dropped whole.
func (p *Parser) Parse(pkt *Packet, from string) (*events.Event, Message, error) {
	msg, err := Decode(pkt)
	if err != nil {
		p.logger.Debug().
			Err(err).
			Str("from", from).
			Int("len", pkt.Len()).
			Msg("dropping malformed datagram")
		return nil, nil, fmt.Errorf("failed to decode datagram from %s: %w", from, err)
	}

	switch m := msg.(type) {
	case DisconnectMessage:
		p.logger.Debug().Uint8("peer", m.Peer).Str("from", from).Msg("peer disconnect")
		return &events.Event{
			Type:   events.EventPeerLeft,
			Source: p.source,
			Payload: events.PeerPayload{
				PeerID:  m.Peer,
				Address: from,
			},
		}, msg, nil

	case TransformMessage:
		p.logger.Trace().
			Uint8("peer", m.Peer).
			Float32("x", m.Position.X).
			Float32("y", m.Position.Y).
			Float32("z", m.Position.Z).
			Msg("peer transform")
		return &events.Event{
			Type:   events.EventPeerTransform,
			Source: p.source,
			Payload: events.PeerTransformPayload{
				PeerID:   m.Peer,
				Address:  from,
				Position: toEventVector(m.Position),
				Rotation: toEventVector(m.Rotation),
			},
		}, msg, nil

	case UnknownMessage:
		p.logger.Warn().
			Uint8("peer", m.Peer).
			Uint8("action", uint8(m.Code)).
			Int("payload_len", len(m.Payload)).
			Msg("unknown action")
		return &events.Event{
			Type:   events.EventUnknownAction,
			Source: p.source,
			Payload: events.UnknownActionPayload{
				PeerID:     m.Peer,
				Address:    from,
				Action:     uint8(m.Code),
				PayloadLen: len(m.Payload),
			},
		}, msg, nil
	}

	return nil, nil, fmt.Errorf("unhandled message type %T", msg)
}

func toEventVector(v Vector3) events.Vector {
	return events.Vector{X: v.X, Y: v.Y, Z: v.Z}
}
