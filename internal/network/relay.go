package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/events"
	"github.com/monosync-project/monosync/internal/protocol"
)

// ErrRelayRunning is returned by Start on a relay that is already serving.
var ErrRelayRunning = errors.New("relay is already running")

// RelayStats is a snapshot of relay traffic counters.
type RelayStats struct {
	Peers            int       `json:"peers"`
	DatagramsIn      uint64    `json:"datagrams_in"`
	DatagramsOut     uint64    `json:"datagrams_out"`
	BytesIn          uint64    `json:"bytes_in"`
	BytesOut         uint64    `json:"bytes_out"`
	MalformedDropped uint64    `json:"malformed_dropped"`
	StartedAt        time.Time `json:"started_at"`
	Uptime           string    `json:"uptime"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
}

// Relay is the hub peers point their Connect at. Every well-formed datagram
// is forwarded verbatim to every other registered peer. A Disconnect action
// is forwarded and then removes its sender.
type Relay struct {
	cfg    *config.Config
	bus    *events.EventBus
	parser *protocol.Parser
	peers  *PeerRegistry
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *net.UDPConn
	ctx       context.Context
	ready     chan struct{}
	readyOnce sync.Once
	running   bool
	startedAt time.Time

	datagramsIn, datagramsOut atomic.Uint64
	bytesIn, bytesOut         atomic.Uint64
	malformed                 atomic.Uint64
}

// NewRelay creates a relay. bus may be nil.
func NewRelay(cfg *config.Config, bus *events.EventBus) *Relay {
	return &Relay{
		cfg:    cfg,
		bus:    bus,
		parser: protocol.NewParser("relay"),
		peers:  NewPeerRegistry(),
		logger: log.With().Str("component", "relay").Logger(),
		ready:  make(chan struct{}),
	}
}

// Start binds the relay port and serves until ctx is cancelled.
// It returns nil on a clean shutdown.
//
// A relay may be started again after Start returns; Ready stays closed from
// the first successful bind. SO_REUSEADDR would let a second concurrent Start
// bind the same port, so that returns ErrRelayRunning.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRelayRunning
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	relayCfg := r.cfg.GetRelay()
	bind := net.JoinHostPort(relayCfg.ListenAddress, strconv.Itoa(relayCfg.ListenPort))

	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", bind)
	if err != nil {
		return fmt.Errorf("failed to start relay on %s: %w", bind, err)
	}
	conn := pc.(*net.UDPConn)

	r.mu.Lock()
	r.conn = conn
	r.ctx = ctx
	r.startedAt = time.Now()
	r.mu.Unlock()
	r.readyOnce.Do(func() { close(r.ready) })

	r.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("relay started")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var backoff readBackoff
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				wait := backoff.next()
				r.logger.Error().Err(err).Dur("retry_in", wait).Msg("UDP read error")
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
				}
			}
			r.logger.Info().Msg("relay stopping")
			r.peers.Clear()
			return nil
		}
		backoff.reset()

		r.datagramsIn.Add(1)
		r.bytesIn.Add(uint64(n))

		r.handle(conn, buf[:n], from)
	}
}

// Ready is closed once the relay socket is bound.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Addr returns the bound address, or nil before Start has bound.
func (r *Relay) Addr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Peers returns the registry backing the relay.
func (r *Relay) Peers() *PeerRegistry {
	return r.peers
}

func (r *Relay) handle(conn *net.UDPConn, data []byte, from *net.UDPAddr) {
	pkt := protocol.NewPacketFrom(data)
	defer pkt.Release()

	evt, msg, err := r.parser.Parse(pkt, from.String())
	if err != nil {
		r.malformed.Add(1)
		return
	}

	sender := msg.Sender()

	switch msg.(type) {
	case protocol.DisconnectMessage:
		r.forward(conn, data, sender)
		if _, ok := r.peers.Unregister(sender); ok {
			r.emit(*evt)
		}
		return

	default:
		if r.peers.Touch(sender, from, len(data)) {
			r.emit(events.Event{
				Type:   events.EventPeerJoined,
				Source: "relay",
				Payload: events.PeerPayload{
					PeerID:  sender,
					Address: from.String(),
				},
			})
		}
		r.emit(*evt)
		r.forward(conn, data, sender)
	}
}

func (r *Relay) forward(conn *net.UDPConn, data []byte, sender protocol.PeerID) {
	for _, addr := range r.peers.Targets(sender) {
		n, err := conn.WriteToUDP(data, addr)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("to", addr.String()).
				Uint8("peer", sender).
				Msg("failed to forward datagram")
			continue
		}
		r.datagramsOut.Add(1)
		r.bytesOut.Add(uint64(n))
	}
}

// CleanStale evicts peers silent for longer than timeout and returns how
// many were removed.
func (r *Relay) CleanStale(timeout time.Duration) int {
	evicted := r.peers.CleanStale(timeout)
	for _, e := range evicted {
		addr := ""
		if e.Addr != nil {
			addr = e.Addr.String()
		}
		r.emit(events.Event{
			Type:   events.EventPeerEvicted,
			Source: "relay",
			Payload: events.PeerEvictedPayload{
				PeerID:   e.ID,
				Address:  addr,
				LastSeen: e.LastSeen,
			},
		})
	}
	return len(evicted)
}

// Evict removes one peer regardless of activity. It reports whether the
// peer was registered.
func (r *Relay) Evict(id protocol.PeerID) bool {
	e, ok := r.peers.Unregister(id)
	if !ok {
		return false
	}
	addr := ""
	if e.Addr != nil {
		addr = e.Addr.String()
	}
	r.logger.Info().Uint8("peer", id).Str("addr", addr).Msg("peer evicted")
	r.emit(events.Event{
		Type:   events.EventPeerEvicted,
		Source: "relay",
		Payload: events.PeerEvictedPayload{
			PeerID:   id,
			Address:  addr,
			LastSeen: e.LastSeen,
		},
	})
	return true
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() RelayStats {
	r.mu.Lock()
	started := r.startedAt
	r.mu.Unlock()

	stats := RelayStats{
		Peers:            r.peers.Count(),
		DatagramsIn:      r.datagramsIn.Load(),
		DatagramsOut:     r.datagramsOut.Load(),
		BytesIn:          r.bytesIn.Load(),
		BytesOut:         r.bytesOut.Load(),
		MalformedDropped: r.malformed.Load(),
		StartedAt:        started,
	}
	if !started.IsZero() {
		uptime := time.Since(started)
		stats.Uptime = uptime.Round(time.Second).String()
		stats.UptimeSeconds = int64(uptime.Seconds())
	}
	return stats
}

func (r *Relay) emit(evt events.Event) {
	if r.bus == nil {
		return
	}
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	r.bus.Emit(ctx, evt)
}
