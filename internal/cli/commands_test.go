package cli

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/network"
	"github.com/monosync-project/monosync/internal/protocol"
	"github.com/monosync-project/monosync/internal/session"
)

func newTestCLI(t *testing.T, script string) (*CLI, *session.Session, *config.Config, *bytes.Buffer) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), "config.json"))

	client := network.NewClient()
	t.Cleanup(func() { client.Close() })

	sess := session.New(client, nil, session.Options{PeerID: 7, TickInterval: time.Hour})
	out := &bytes.Buffer{}
	return NewCLI(cfg, nil, sess, strings.NewReader(script), out), sess, cfg, out
}

func runCLI(t *testing.T, c *CLI) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("console did not finish its script")
	}
}

func TestConsoleLocalCommands(t *testing.T) {
	script := strings.Join([]string{
		"help",
		"pos 1 2 3",
		"move 1 0 0.5",
		"rotate 0 90 0",
		"move 1 2",
		"status",
		"peers",
		"set tick_rate_hz 30",
		"set tick_rate_hz 0",
		"set nope 1",
		"send",
		"bogus",
		"quit",
		"status",
	}, "\n") + "\n"

	c, sess, cfg, out := newTestCLI(t, script)
	runCLI(t, c)

	pos, rot := sess.Transform()
	assert.Equal(t, protocol.Vector3{X: 2, Y: 2, Z: 3.5}, pos)
	assert.Equal(t, protocol.Vector3{Y: 90}, rot)
	assert.Equal(t, 30, cfg.GetClient().TickRateHz, "invalid value must be rolled back")

	text := out.String()
	assert.Contains(t, text, "MonoSync Client Commands")
	assert.Contains(t, text, "usage: move <x> <y> <z>")
	assert.Contains(t, text, "Peer ID:      7")
	assert.Contains(t, text, "No remote peers.")
	assert.Contains(t, text, "Config updated: tick_rate_hz = 30")
	assert.Contains(t, text, "client.tick_rate_hz")
	assert.Contains(t, text, "unknown field client.nope")
	assert.Contains(t, text, network.ErrClosed.Error())
	assert.Contains(t, text, "Unknown command: 'bogus'")
	assert.Equal(t, 1, strings.Count(text, "Peer ID:"), "commands after quit are not run")
}

func TestConsoleConnectAndDisconnect(t *testing.T) {
	relay, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer relay.Close()
	port := relay.LocalAddr().(*net.UDPAddr).Port

	script := fmt.Sprintf("pos 4 5 6\nconnect 127.0.0.1 %d\ndisconnect\ndisconnect\n", port)
	c, sess, _, out := newTestCLI(t, script)
	runCLI(t, c)

	assert.False(t, sess.Client().IsConnected())
	assert.Contains(t, out.String(), fmt.Sprintf("Connected to 127.0.0.1:%d as peer 7", port))
	assert.Contains(t, out.String(), "Error: not connected")

	var got []protocol.Message
	buf := make([]byte, protocol.MaxDatagramSize)
	require.NoError(t, relay.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(got) < 2 {
		n, _, err := relay.ReadFromUDP(buf)
		require.NoError(t, err)
		msg, err := protocol.Decode(protocol.NewPacketFrom(buf[:n]))
		require.NoError(t, err)
		got = append(got, msg)
	}

	announce, ok := got[0].(protocol.TransformMessage)
	require.True(t, ok, "first datagram is the transform announce")
	assert.Equal(t, protocol.PeerID(7), announce.Peer)
	assert.Equal(t, protocol.Vector3{X: 4, Y: 5, Z: 6}, announce.Position)

	_, ok = got[1].(protocol.DisconnectMessage)
	assert.True(t, ok, "disconnect announces leave")
}

func TestConsoleConnectFailure(t *testing.T) {
	c, _, _, out := newTestCLI(t, "connect not-an-ip 9000\nconnect 127.0.0.1 port\n")
	runCLI(t, c)

	assert.Contains(t, out.String(), network.ErrInvalidAddress.Error())
	assert.Contains(t, out.String(), "invalid port: port")
}

func TestParseVector(t *testing.T) {
	v, err := parseVector("pos", []string{"1.5", "-2", "0"})
	require.NoError(t, err)
	assert.Equal(t, protocol.Vector3{X: 1.5, Y: -2}, v)

	_, err = parseVector("pos", []string{"1", "x", "0"})
	assert.EqualError(t, err, "invalid number: x")
}
