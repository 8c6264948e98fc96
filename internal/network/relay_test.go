package network

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/events"
	"github.com/monosync-project/monosync/internal/protocol"
)

func startRelay(t *testing.T, bus *events.EventBus) *Relay {
	t.Helper()

	cfg := config.DefaultConfig()
	relayCfg := cfg.GetRelay()
	relayCfg.ListenAddress = "127.0.0.1"
	relayCfg.ListenPort = 0
	cfg.SetRelay(relayCfg)

	ctx, cancel := context.WithCancel(context.Background())
	relay := NewRelay(cfg, bus)

	errCh := make(chan error, 1)
	go func() { errCh <- relay.Start(ctx) }()

	select {
	case <-relay.Ready():
	case err := <-errCh:
		t.Fatalf("relay failed to start: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("relay did not bind")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Error("relay did not stop")
		}
	})
	return relay
}

type peerSocket struct {
	conn  *net.UDPConn
	relay *net.UDPAddr
}

func newPeerSocket(t *testing.T, relay *Relay) *peerSocket {
	return &peerSocket{conn: listenLoopback(t), relay: relay.Addr()}
}

func (p *peerSocket) send(t *testing.T, pkt *protocol.Packet) {
	t.Helper()
	_, err := p.conn.WriteToUDP(pkt.Bytes(), p.relay)
	require.NoError(t, err)
}

func (p *peerSocket) recv(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, protocol.MaxDatagramSize)
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	n, _, err := p.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func (p *peerSocket) expectSilence(t *testing.T) {
	t.Helper()
	buf := make([]byte, 64)
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := p.conn.ReadFromUDP(buf)
	assert.Error(t, err, "expected no datagram")
}

func TestRelayForwardsToOtherPeers(t *testing.T) {
	relay := startRelay(t, nil)

	a := newPeerSocket(t, relay)
	b := newPeerSocket(t, relay)
	c := newPeerSocket(t, relay)

	// Register all three, one at a time so the fan-out below is predictable.
	for i, p := range []*peerSocket{a, b, c} {
		p.send(t, protocol.BuildTransform(protocol.NewPacket(), protocol.PeerID(i+1), protocol.Vector3{}, protocol.Vector3{}))
		want := i + 1
		require.Eventually(t, func() bool { return relay.Peers().Count() == want }, waitTimeout, 10*time.Millisecond)
	}

	// Drain registration fan-out.
	a.recv(t)
	a.recv(t)
	b.recv(t)

	msg := protocol.BuildTransform(protocol.NewPacket(), 1, protocol.Vector3{X: 4, Y: 5, Z: 6}, protocol.Vector3{Y: 180})
	a.send(t, msg)

	assert.Equal(t, msg.Bytes(), b.recv(t))
	assert.Equal(t, msg.Bytes(), c.recv(t))
	a.expectSilence(t)
}

func TestRelayDisconnectUnregisters(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	var mu sync.Mutex
	var seen []events.EventType
	record := func(ctx context.Context, e events.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	}
	bus.Subscribe(events.EventPeerJoined, "test", record)
	bus.Subscribe(events.EventPeerLeft, "test", record)

	relay := startRelay(t, bus)
	a := newPeerSocket(t, relay)
	b := newPeerSocket(t, relay)

	a.send(t, protocol.BuildTransform(protocol.NewPacket(), 1, protocol.Vector3{}, protocol.Vector3{}))
	require.Eventually(t, func() bool { return relay.Peers().Count() == 1 }, waitTimeout, 10*time.Millisecond)
	b.send(t, protocol.BuildTransform(protocol.NewPacket(), 2, protocol.Vector3{}, protocol.Vector3{}))
	require.Eventually(t, func() bool { return relay.Peers().Count() == 2 }, waitTimeout, 10*time.Millisecond)
	a.recv(t)

	bye := protocol.BuildDisconnect(protocol.NewPacket(), 1)
	a.send(t, bye)

	assert.Equal(t, bye.Bytes(), b.recv(t))
	require.Eventually(t, func() bool { return relay.Peers().Count() == 1 }, waitTimeout, 10*time.Millisecond)

	_, ok := relay.Peers().Get(1)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		joined, left := 0, 0
		for _, e := range seen {
			switch e {
			case events.EventPeerJoined:
				joined++
			case events.EventPeerLeft:
				left++
			}
		}
		return joined == 2 && left == 1
	}, waitTimeout, 10*time.Millisecond)
}

func TestRelayDropsMalformed(t *testing.T) {
	relay := startRelay(t, nil)

	a := newPeerSocket(t, relay)
	b := newPeerSocket(t, relay)

	b.send(t, protocol.BuildTransform(protocol.NewPacket(), 2, protocol.Vector3{}, protocol.Vector3{}))
	require.Eventually(t, func() bool { return relay.Peers().Count() == 1 }, waitTimeout, 10*time.Millisecond)

	// Transform header with a truncated payload.
	a.send(t, protocol.NewPacket().WriteBytes(1, byte(protocol.ActionTransform), 0, 0, 0))
	a.send(t, protocol.NewPacket().WriteBytes(1))

	require.Eventually(t, func() bool { return relay.Stats().MalformedDropped == 2 }, waitTimeout, 10*time.Millisecond)
	b.expectSilence(t)
	assert.Equal(t, 1, relay.Peers().Count())
}

func TestRelayForwardsUnknownActions(t *testing.T) {
	relay := startRelay(t, nil)

	a := newPeerSocket(t, relay)
	b := newPeerSocket(t, relay)

	b.send(t, protocol.BuildTransform(protocol.NewPacket(), 2, protocol.Vector3{}, protocol.Vector3{}))
	require.Eventually(t, func() bool { return relay.Peers().Count() == 1 }, waitTimeout, 10*time.Millisecond)

	custom := protocol.NewPacket().WriteBytes(1, 0x40).WriteString("hello")
	a.send(t, custom)

	assert.Equal(t, custom.Bytes(), b.recv(t))
}

func TestRelayWithClients(t *testing.T) {
	relay := startRelay(t, nil)
	port := relay.Addr().Port

	got := make(chan protocol.Message, 8)
	receiver := NewClient(WithReceiveHandler(func(pkt *protocol.Packet) {
		if msg, err := protocol.Decode(pkt); err == nil {
			got <- msg
		}
	}))
	defer receiver.Close()
	protocol.BuildTransform(receiver.Staging(), 20, protocol.Vector3{}, protocol.Vector3{})
	require.NoError(t, receiver.Connect(context.Background(), "127.0.0.1", port))

	sender := NewClient()
	defer sender.Close()
	protocol.BuildTransform(sender.Staging(), 10, protocol.Vector3{X: 1, Y: 2, Z: 3}, protocol.Vector3{})
	require.Eventually(t, func() bool { return relay.Peers().Count() == 1 }, waitTimeout, 10*time.Millisecond)
	require.NoError(t, sender.Connect(context.Background(), "127.0.0.1", port))

	select {
	case msg := <-got:
		tm, ok := msg.(protocol.TransformMessage)
		require.True(t, ok)
		assert.Equal(t, protocol.PeerID(10), tm.Peer)
		assert.Equal(t, protocol.Vector3{X: 1, Y: 2, Z: 3}, tm.Position)
	case <-time.After(waitTimeout):
		t.Fatal("transform was not relayed")
	}

	require.Eventually(t, func() bool { return relay.Stats().DatagramsOut >= 1 }, waitTimeout, 10*time.Millisecond)
	stats := relay.Stats()
	assert.Equal(t, 2, stats.Peers)
	assert.GreaterOrEqual(t, stats.DatagramsIn, uint64(2))
	assert.NotEmpty(t, stats.Uptime)
}

func TestRelayCleanStaleEmitsEviction(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	evicted := make(chan events.PeerEvictedPayload, 1)
	bus.Subscribe(events.EventPeerEvicted, "test", func(ctx context.Context, e events.Event) error {
		evicted <- e.Payload.(events.PeerEvictedPayload)
		return nil
	})

	relay := startRelay(t, bus)
	a := newPeerSocket(t, relay)
	a.send(t, protocol.BuildTransform(protocol.NewPacket(), 5, protocol.Vector3{}, protocol.Vector3{}))
	require.Eventually(t, func() bool { return relay.Peers().Count() == 1 }, waitTimeout, 10*time.Millisecond)

	assert.Equal(t, 0, relay.CleanStale(time.Hour))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, relay.CleanStale(time.Millisecond))

	select {
	case p := <-evicted:
		assert.Equal(t, uint8(5), p.PeerID)
	case <-time.After(waitTimeout):
		t.Fatal("no eviction event")
	}
}

func TestRelayStartWhileRunning(t *testing.T) {
	relay := startRelay(t, nil)

	err := relay.Start(context.Background())
	assert.ErrorIs(t, err, ErrRelayRunning)
}

func TestRelayRestartAfterStop(t *testing.T) {
	cfg := config.DefaultConfig()
	relayCfg := cfg.GetRelay()
	relayCfg.ListenAddress = "127.0.0.1"
	relayCfg.ListenPort = 0
	cfg.SetRelay(relayCfg)
	relay := NewRelay(cfg, nil)

	var prev time.Time
	for round := 0; round < 2; round++ {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- relay.Start(ctx) }()

		<-relay.Ready()
		require.Eventually(t, func() bool {
			relay.mu.Lock()
			defer relay.mu.Unlock()
			return relay.running && relay.startedAt.After(prev)
		}, waitTimeout, time.Millisecond)
		prev = relay.Stats().StartedAt

		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err, "round %d", round)
		case <-time.After(waitTimeout):
			t.Fatalf("round %d: relay did not stop", round)
		}
	}
}
