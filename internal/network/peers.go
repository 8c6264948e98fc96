// Package network implements the UDP transport: the peer-side Client that
// streams a staging packet to a remote endpoint, and the Relay that fans
// datagrams out between registered peers.
package network

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/monosync-project/monosync/internal/protocol"
)

// PeerEntry is the relay's view of one peer.
type PeerEntry struct {
	ID        protocol.PeerID
	Addr      *net.UDPAddr
	FirstSeen time.Time
	LastSeen  time.Time
	Datagrams uint64
	Bytes     uint64
}

// PeerRegistry tracks peers known to the relay, keyed by peer id.
// A peer id seen from a new address replaces the old address.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[protocol.PeerID]*PeerEntry
}

// NewPeerRegistry creates an empty PeerRegistry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peers: make(map[protocol.PeerID]*PeerEntry),
	}
}

// Touch records a datagram of size n from id at addr. It reports whether
// the peer was not registered before.
func (r *PeerRegistry) Touch(id protocol.PeerID, addr *net.UDPAddr, n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	entry, ok := r.peers[id]
	if !ok {
		entry = &PeerEntry{ID: id, FirstSeen: now}
		r.peers[id] = entry
		log.Debug().Uint8("peer", id).Str("addr", addr.String()).Msg("peer registered")
	} else if entry.Addr != nil && !sameAddr(entry.Addr, addr) {
		log.Warn().
			Uint8("peer", id).
			Str("old", entry.Addr.String()).
			Str("new", addr.String()).
			Msg("peer id moved to a new address")
	}

	entry.Addr = addr
	entry.LastSeen = now
	entry.Datagrams++
	entry.Bytes += uint64(n)
	return !ok
}

// Unregister removes a peer. It reports whether the peer was present.
func (r *PeerRegistry) Unregister(id protocol.PeerID) (PeerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[id]
	if !ok {
		return PeerEntry{}, false
	}
	delete(r.peers, id)
	log.Debug().Uint8("peer", id).Msg("peer unregistered")
	return *entry, true
}

// Get returns a copy of the entry for id.
func (r *PeerRegistry) Get(id protocol.PeerID) (PeerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.peers[id]
	if !ok {
		return PeerEntry{}, false
	}
	return *entry, true
}

// GetAll returns copies of all entries ordered by peer id.
func (r *PeerRegistry) GetAll() []PeerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PeerEntry, 0, len(r.peers))
	for _, e := range r.peers {
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Targets returns the addresses of every peer except exclude.
func (r *PeerRegistry) Targets(exclude protocol.PeerID) []*net.UDPAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]*net.UDPAddr, 0, len(r.peers))
	for id, e := range r.peers {
		if id == exclude || e.Addr == nil {
			continue
		}
		targets = append(targets, e.Addr)
	}
	return targets
}

// Count returns the number of registered peers.
func (r *PeerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Clear drops every peer.
func (r *PeerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[protocol.PeerID]*PeerEntry)
}

// CleanStale removes peers silent for longer than timeout and returns them.
func (r *PeerRegistry) CleanStale(timeout time.Duration) []PeerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var evicted []PeerEntry

	for id, e := range r.peers {
		if e.LastSeen.Before(cutoff) {
			evicted = append(evicted, *e)
			delete(r.peers, id)
			log.Warn().
				Uint8("peer", id).
				Time("last_seen", e.LastSeen).
				Msg("evicted stale peer")
		}
	}

	return evicted
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
