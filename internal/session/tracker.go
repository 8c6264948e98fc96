package session

import (
	"sort"
	"sync"
	"time"

	"github.com/monosync-project/monosync/internal/protocol"
)

// RemotePeer is the last known state of another peer.
type RemotePeer struct {
	ID       protocol.PeerID  `json:"id"`
	Position protocol.Vector3 `json:"position"`
	Rotation protocol.Vector3 `json:"rotation"`
	LastSeen time.Time        `json:"last_seen"`
	Updates  uint64           `json:"updates"`
}

// Change says what Apply did to the tracker.
type Change int

const (
	ChangeNone Change = iota
	ChangeJoined
	ChangeUpdated
	ChangeLeft
)

// Tracker is a goroutine-safe table of remote peers fed by decoded messages.
type Tracker struct {
	mu    sync.RWMutex
	peers map[protocol.PeerID]*RemotePeer
	now   func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		peers: make(map[protocol.PeerID]*RemotePeer),
		now:   time.Now,
	}
}

// Apply folds one message into the table. A transform upserts its sender,
// a disconnect removes it, anything else is ignored.
func (t *Tracker) Apply(msg protocol.Message) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch m := msg.(type) {
	case protocol.TransformMessage:
		peer, ok := t.peers[m.Peer]
		if !ok {
			peer = &RemotePeer{ID: m.Peer}
			t.peers[m.Peer] = peer
		}
		peer.Position = m.Position
		peer.Rotation = m.Rotation
		peer.LastSeen = t.now()
		peer.Updates++
		if !ok {
			return ChangeJoined
		}
		return ChangeUpdated

	case protocol.DisconnectMessage:
		if _, ok := t.peers[m.Peer]; !ok {
			return ChangeNone
		}
		delete(t.peers, m.Peer)
		return ChangeLeft
	}

	return ChangeNone
}

// Get returns a copy of one peer.
func (t *Tracker) Get(id protocol.PeerID) (RemotePeer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return RemotePeer{}, false
	}
	return *p, true
}

// All returns copies of every peer ordered by id.
func (t *Tracker) All() []RemotePeer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]RemotePeer, 0, len(t.peers))
	for _, p := range t.peers {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count returns the number of tracked peers.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Prune drops peers not heard from within timeout and returns their ids.
func (t *Tracker) Prune(timeout time.Duration) []protocol.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-timeout)
	var removed []protocol.PeerID
	for id, p := range t.peers {
		if p.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed
}

// Reset forgets every peer.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[protocol.PeerID]*RemotePeer)
}
