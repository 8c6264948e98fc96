package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/monosync-project/monosync/internal/protocol"
)

var (
	// ErrInvalidAddress is returned by Connect for a malformed address or port.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrClosed is returned by Send when the client is not connected.
	ErrClosed = errors.New("client is closed")

	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("client is already connected")
)

// ReceiveFunc handles one received datagram. It runs on the receive
// goroutine, never concurrently with itself, and must not call Disconnect
// and then block waiting on Done.
type ReceiveFunc func(pkt *protocol.Packet)

// ClientStats counts traffic through a client.
type ClientStats struct {
	DatagramsSent     uint64 `json:"datagrams_sent"`
	DatagramsReceived uint64 `json:"datagrams_received"`
	BytesSent         uint64 `json:"bytes_sent"`
	BytesReceived     uint64 `json:"bytes_received"`
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithReceiveHandler registers the per-datagram callback.
func WithReceiveHandler(fn ReceiveFunc) ClientOption {
	return func(c *Client) {
		c.OnReceive(fn)
	}
}

// WithLogger replaces the client's component logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client streams the staging packet to one remote UDP endpoint and hands
// every datagram arriving on its local socket to the receive callback.
//
// The staging packet belongs to the caller's goroutine: write to it, Send,
// and ClearBuffer before composing the next message. The receive goroutine
// only ever touches its own per-datagram packets.
type Client struct {
	mu     sync.Mutex
	conn   *net.UDPConn
	remote *net.UDPAddr
	done   chan struct{}

	connected atomic.Bool
	onReceive atomic.Pointer[ReceiveFunc]

	staging *protocol.Packet
	logger  zerolog.Logger

	sent, received           atomic.Uint64
	bytesSent, bytesReceived atomic.Uint64
}

// NewClient creates a disconnected client with an empty staging packet.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		staging: protocol.NewPacket(),
		logger:  log.With().Str("component", "udp_client").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnReceive sets the receive callback. Pass nil to drop datagrams.
func (c *Client) OnReceive(fn ReceiveFunc) {
	if fn == nil {
		c.onReceive.Store(nil)
		return
	}
	c.onReceive.Store(&fn)
}

// ParseEndpoint turns an IP literal and port into a UDP address.
func ParseEndpoint(address string, port int) (*net.UDPAddr, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q is not an IP address", ErrInvalidAddress, address)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// Connect binds an ephemeral local UDP socket, remembers address:port as
// the remote endpoint, sends the current staging packet once as an announce
// and starts the receive loop. ctx only bounds the bind.
//
// UDP has no handshake, so Connect succeeds for unreachable peers; nothing
// waits for a reply.
func (c *Client) Connect(ctx context.Context, address string, port int) error {
	remote, err := ParseEndpoint(address, port)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	network := "udp4"
	local := net.JoinHostPort(net.IPv4zero.String(), "0")
	if remote.IP.To4() == nil {
		network = "udp6"
		local = net.JoinHostPort(net.IPv6unspecified.String(), "0")
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, network, local)
	if err != nil {
		return fmt.Errorf("failed to bind local UDP socket: %w", err)
	}
	conn := pc.(*net.UDPConn)

	c.conn = conn
	c.remote = remote
	c.connected.Store(true)

	if err := c.sendLocked(); err != nil {
		c.connected.Store(false)
		conn.Close()
		c.conn = nil
		return fmt.Errorf("failed to send announce: %w", err)
	}

	done := make(chan struct{})
	c.done = done
	go c.receiveLoop(conn, done)

	c.logger.Info().
		Str("remote", remote.String()).
		Str("local", conn.LocalAddr().String()).
		Msg("connected")

	return nil
}

// IsConnected reports whether Connect succeeded and Disconnect has not been called.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// RemoteAddr returns the remote endpoint, or nil before Connect.
func (c *Client) RemoteAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// LocalAddr returns the bound local address, or nil when disconnected.
func (c *Client) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Send transmits the whole staging packet as one datagram. The staging
// packet is not cleared.
func (c *Client) Send() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked()
}

func (c *Client) sendLocked() error {
	if !c.connected.Load() || c.conn == nil {
		return ErrClosed
	}

	data := c.staging.Bytes()
	n, err := c.conn.WriteToUDP(data, c.remote)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to send datagram to %s: %w", c.remote, err)
	}

	c.sent.Add(1)
	c.bytesSent.Add(uint64(n))
	return nil
}

// Disconnect stops the receive loop and closes the socket. It is safe to
// call more than once. The loop may still be delivering one datagram when
// Disconnect returns; wait on Done to be sure it has exited.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Swap(false) {
		return
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to close socket")
		}
	}

	c.logger.Info().Msg("disconnected")
}

// Done returns a channel closed when the receive loop of the most recent
// Connect has exited. Before the first Connect it returns a closed channel.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Close disconnects, waits for the receive loop and releases the staging buffer.
func (c *Client) Close() error {
	c.Disconnect()
	<-c.Done()

	c.mu.Lock()
	c.conn = nil
	c.staging.Release()
	c.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the traffic counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		DatagramsSent:     c.sent.Load(),
		DatagramsReceived: c.received.Load(),
		BytesSent:         c.bytesSent.Load(),
		BytesReceived:     c.bytesReceived.Load(),
	}
}

// receiveLoop reads datagrams until the socket is closed. Any datagram
// reaching the local port is accepted, whoever sent it.
func (c *Client) receiveLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	var backoff readBackoff
	buf := make([]byte, protocol.MaxDatagramSize)
	for c.connected.Load() {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !c.connected.Load() {
				c.logger.Debug().Msg("receive loop stopping")
				return
			}
			wait := backoff.next()
			c.logger.Error().Err(err).Dur("retry_in", wait).Msg("UDP read error")
			time.Sleep(wait)
			continue
		}
		backoff.reset()

		c.received.Add(1)
		c.bytesReceived.Add(uint64(n))

		c.dispatch(protocol.NewPacketFrom(buf[:n]), from)
	}
}

func (c *Client) dispatch(pkt *protocol.Packet, from *net.UDPAddr) {
	defer pkt.Release()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("from", from.String()).
				Msg("receive handler panicked")
		}
	}()

	fn := c.onReceive.Load()
	if fn == nil {
		return
	}

	c.logger.Trace().
		Str("from", from.String()).
		Int("len", pkt.Len()).
		Msg("datagram received")

	(*fn)(pkt)
}

// ---- Staging buffer passthroughs ----

// BufferSize returns the number of bytes in the staging packet.
func (c *Client) BufferSize() int {
	return c.staging.Len()
}

// ClearBuffer empties the staging packet.
func (c *Client) ClearBuffer() *Client {
	c.staging.Clear()
	return c
}

// WriteBytes appends raw bytes to the staging packet.
func (c *Client) WriteBytes(data ...byte) *Client {
	c.staging.WriteBytes(data...)
	return c
}

// WriteInt16 appends an int16 to the staging packet.
func (c *Client) WriteInt16(v int16) *Client {
	c.staging.WriteInt16(v)
	return c
}

// WriteInt32 appends an int32 to the staging packet.
func (c *Client) WriteInt32(v int32) *Client {
	c.staging.WriteInt32(v)
	return c
}

// WriteInt64 appends an int64 to the staging packet.
func (c *Client) WriteInt64(v int64) *Client {
	c.staging.WriteInt64(v)
	return c
}

// WriteFloat32 appends a float32 to the staging packet.
func (c *Client) WriteFloat32(v float32) *Client {
	c.staging.WriteFloat32(v)
	return c
}

// WriteVector3 appends a Vector3 to the staging packet.
func (c *Client) WriteVector3(v protocol.Vector3) *Client {
	c.staging.WriteVector3(v)
	return c
}

// WriteString appends a length-prefixed ASCII string to the staging packet.
func (c *Client) WriteString(s string) *Client {
	c.staging.WriteString(s)
	return c
}

// WriteOptionalString appends *s, or nothing when s is nil.
func (c *Client) WriteOptionalString(s *string) *Client {
	c.staging.WriteOptionalString(s)
	return c
}

// WriteInt16Array appends a count-prefixed int16 array.
func (c *Client) WriteInt16Array(values ...int16) *Client {
	c.staging.WriteInt16Array(values)
	return c
}

// WriteInt32Array appends a count-prefixed int32 array.
func (c *Client) WriteInt32Array(values ...int32) *Client {
	c.staging.WriteInt32Array(values)
	return c
}

// WriteInt64Array appends a count-prefixed int64 array.
func (c *Client) WriteInt64Array(values ...int64) *Client {
	c.staging.WriteInt64Array(values)
	return c
}

// WriteFloat32Array appends a count-prefixed float32 array.
func (c *Client) WriteFloat32Array(values ...float32) *Client {
	c.staging.WriteFloat32Array(values)
	return c
}

// WriteStringArray appends a count-prefixed string array.
func (c *Client) WriteStringArray(values ...string) *Client {
	c.staging.WriteStringArray(values)
	return c
}

// Staging exposes the staging packet for composing messages with the
// protocol builders. Same ownership rules as the passthroughs apply.
func (c *Client) Staging() *protocol.Packet {
	return c.staging
}
