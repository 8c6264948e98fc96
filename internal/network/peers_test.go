package network

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestPeerRegistryTouch(t *testing.T) {
	r := NewPeerRegistry()

	assert.True(t, r.Touch(1, udpAddr(1000), 26))
	assert.False(t, r.Touch(1, udpAddr(1000), 26))
	assert.True(t, r.Touch(2, udpAddr(2000), 2))

	e, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.Datagrams)
	assert.Equal(t, uint64(52), e.Bytes)
	assert.False(t, e.LastSeen.Before(e.FirstSeen))

	// Same id from a new address follows the newest address.
	r.Touch(1, udpAddr(1001), 2)
	e, _ = r.Get(1)
	assert.Equal(t, 1001, e.Addr.Port)
	assert.Equal(t, 2, r.Count())
}

func TestPeerRegistryTargetsExcludesSender(t *testing.T) {
	r := NewPeerRegistry()
	r.Touch(1, udpAddr(1000), 0)
	r.Touch(2, udpAddr(2000), 0)
	r.Touch(3, udpAddr(3000), 0)

	ports := make(map[int]bool)
	for _, a := range r.Targets(2) {
		ports[a.Port] = true
	}
	assert.Equal(t, map[int]bool{1000: true, 3000: true}, ports)

	// An unregistered sender gets the full list.
	assert.Len(t, r.Targets(99), 3)
}

func TestPeerRegistryGetAllSorted(t *testing.T) {
	r := NewPeerRegistry()
	for _, id := range []uint8{9, 3, 200, 0} {
		r.Touch(id, udpAddr(int(id)+1000), 0)
	}

	var ids []uint8
	for _, e := range r.GetAll() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []uint8{0, 3, 9, 200}, ids)
}

func TestPeerRegistryUnregisterAndStale(t *testing.T) {
	r := NewPeerRegistry()
	r.Touch(1, udpAddr(1000), 0)
	r.Touch(2, udpAddr(2000), 0)

	_, ok := r.Unregister(1)
	assert.True(t, ok)
	_, ok = r.Unregister(1)
	assert.False(t, ok)

	assert.Empty(t, r.CleanStale(time.Hour))

	time.Sleep(10 * time.Millisecond)
	evicted := r.CleanStale(time.Millisecond)
	require.Len(t, evicted, 1)
	assert.Equal(t, uint8(2), evicted[0].ID)
	assert.Zero(t, r.Count())
}
