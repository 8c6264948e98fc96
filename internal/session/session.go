// Package session is the application layer on top of the transport client:
// it owns the local peer's identity and transform, streams that transform
// at a fixed tick rate and keeps a table of the peers it hears from.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/events"
	"github.com/monosync-project/monosync/internal/network"
	"github.com/monosync-project/monosync/internal/protocol"
)

// ErrNotConnected is returned by Run on a session that has not connected.
var ErrNotConnected = errors.New("session is not connected")

// Options tunes a Session.
type Options struct {
	// PeerID is 0-255, or config.RandomPeerID to draw one.
	PeerID       int
	TickInterval time.Duration
}

// OptionsFromConfig derives session options from the client config.
func OptionsFromConfig(c config.ClientConfig) Options {
	return Options{
		PeerID:       c.PeerID,
		TickInterval: c.TickInterval(),
	}
}

// Session drives one peer.
type Session struct {
	id      protocol.PeerID
	tick    time.Duration
	client  *network.Client
	parser  *protocol.Parser
	tracker *Tracker
	bus     *events.EventBus
	logger  zerolog.Logger

	// sendMu serializes use of the client's staging packet between the tick
	// loop and callers such as Leave.
	sendMu sync.Mutex

	stateMu  sync.RWMutex
	position protocol.Vector3
	rotation protocol.Vector3

	ticks atomic.Uint64
}

// New wires a session to client. The client's receive handler is replaced.
// bus may be nil.
func New(client *network.Client, bus *events.EventBus, opts Options) *Session {
	id := protocol.RandomPeerID()
	if opts.PeerID >= 0 && opts.PeerID <= 255 {
		id = protocol.PeerID(opts.PeerID)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = config.ClientConfig{}.TickInterval()
	}

	s := &Session{
		id:      id,
		tick:    opts.TickInterval,
		client:  client,
		parser:  protocol.NewParser("session"),
		tracker: NewTracker(),
		bus:     bus,
		logger:  log.With().Str("component", "session").Uint8("peer", id).Logger(),
	}
	client.OnReceive(s.handleDatagram)
	return s
}

// ID returns the local peer id.
func (s *Session) ID() protocol.PeerID {
	return s.id
}

// Tracker returns the remote peer table.
func (s *Session) Tracker() *Tracker {
	return s.tracker
}

// Client returns the underlying transport client.
func (s *Session) Client() *network.Client {
	return s.client
}

// Ticks returns how many transform updates Run has sent.
func (s *Session) Ticks() uint64 {
	return s.ticks.Load()
}

// SetPosition replaces the local position.
func (s *Session) SetPosition(v protocol.Vector3) {
	s.stateMu.Lock()
	s.position = v
	s.stateMu.Unlock()
}

// SetRotation replaces the local rotation.
func (s *Session) SetRotation(v protocol.Vector3) {
	s.stateMu.Lock()
	s.rotation = v
	s.stateMu.Unlock()
}

// Translate moves the local position by delta.
func (s *Session) Translate(delta protocol.Vector3) protocol.Vector3 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.position.X += delta.X
	s.position.Y += delta.Y
	s.position.Z += delta.Z
	return s.position
}

// Transform returns the local position and rotation.
func (s *Session) Transform() (protocol.Vector3, protocol.Vector3) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.position, s.rotation
}

// Connect announces the local transform to address:port and starts
// receiving.
func (s *Session) Connect(ctx context.Context, address string, port int) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	// Peers from a previous connection are stale. Reset before the receive
	// loop starts so early replies are kept.
	s.tracker.Reset()
	s.composeTransform()
	if err := s.client.Connect(ctx, address, port); err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", address, port, err)
	}

	s.logger.Info().Str("address", address).Int("port", port).Msg("session connected")
	return nil
}

// Run streams the local transform once per tick until ctx is cancelled or
// the client is disconnected elsewhere. On cancellation it announces a
// Disconnect and closes the client's socket.
func (s *Session) Run(ctx context.Context) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}
	done := s.client.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info().Dur("tick", s.tick).Msg("session loop started")

	for {
		select {
		case <-ctx.Done():
			s.Leave()
			return nil

		case <-done:
			s.logger.Info().Msg("session loop stopped, client disconnected")
			return nil

		case <-ticker.C:
			if err := s.SendTransform(); err != nil {
				if errors.Is(err, network.ErrClosed) {
					return nil
				}
				s.logger.Warn().Err(err).Msg("failed to send transform")
			}
		}
	}
}

// SendTransform sends the current local transform once.
func (s *Session) SendTransform() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.composeTransform()
	if err := s.client.Send(); err != nil {
		return err
	}
	s.ticks.Add(1)
	return nil
}

// Leave tells the remote side this peer is going away, then disconnects.
// It is a no-op on a disconnected session.
func (s *Session) Leave() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.client.IsConnected() {
		return
	}

	s.client.ClearBuffer()
	protocol.BuildDisconnect(s.client.Staging(), s.id)
	if err := s.client.Send(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send disconnect")
	}

	s.client.Disconnect()
	s.logger.Info().Msg("session left")
}

func (s *Session) composeTransform() {
	pos, rot := s.Transform()
	s.client.ClearBuffer()
	protocol.BuildTransform(s.client.Staging(), s.id, pos, rot)
}

// handleDatagram runs on the client's receive goroutine.
func (s *Session) handleDatagram(pkt *protocol.Packet) {
	// Every datagram comes through the relay, so there is no sender address
	// worth reporting.
	evt, msg, err := s.parser.Parse(pkt, "")
	if err != nil {
		return
	}

	// Relays never echo, but a direct peer-to-peer loop could.
	if msg.Sender() == s.id {
		s.logger.Debug().Msg("ignoring datagram carrying our own peer id")
		return
	}

	switch s.tracker.Apply(msg) {
	case ChangeJoined:
		s.emit(events.Event{
			Type:    events.EventPeerJoined,
			Source:  "session",
			Payload: events.PeerPayload{PeerID: msg.Sender(), Address: ""},
		})
		s.logger.Info().Uint8("remote", msg.Sender()).Msg("peer joined")
	case ChangeLeft:
		s.logger.Info().Uint8("remote", msg.Sender()).Msg("peer left")
	case ChangeNone:
		if _, ok := msg.(protocol.DisconnectMessage); ok {
			// Disconnect from a peer we never saw; nothing to report.
			return
		}
	}

	s.emit(*evt)
}

func (s *Session) emit(evt events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(context.Background(), evt)
}
