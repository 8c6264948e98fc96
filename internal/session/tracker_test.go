package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monosync-project/monosync/internal/protocol"
)

func TestTrackerApply(t *testing.T) {
	tr := NewTracker()

	pos := protocol.Vector3{X: 1, Y: 2, Z: 3}
	assert.Equal(t, ChangeJoined, tr.Apply(protocol.TransformMessage{Peer: 4, Position: pos}))
	assert.Equal(t, ChangeUpdated, tr.Apply(protocol.TransformMessage{Peer: 4, Position: pos, Rotation: protocol.Vector3{Y: 1}}))

	p, ok := tr.Get(4)
	require.True(t, ok)
	assert.Equal(t, pos, p.Position)
	assert.Equal(t, protocol.Vector3{Y: 1}, p.Rotation)
	assert.Equal(t, uint64(2), p.Updates)

	assert.Equal(t, ChangeNone, tr.Apply(protocol.UnknownMessage{Peer: 4, Code: 9}))
	assert.Equal(t, ChangeNone, tr.Apply(protocol.DisconnectMessage{Peer: 77}))
	assert.Equal(t, ChangeLeft, tr.Apply(protocol.DisconnectMessage{Peer: 4}))
	assert.Zero(t, tr.Count())
}

func TestTrackerPrune(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }

	tr.Apply(protocol.TransformMessage{Peer: 1})
	now = now.Add(10 * time.Second)
	tr.Apply(protocol.TransformMessage{Peer: 2})

	assert.Equal(t, []protocol.PeerID{1}, tr.Prune(5*time.Second))

	all := tr.All()
	require.Len(t, all, 1)
	assert.Equal(t, protocol.PeerID(2), all[0].ID)
}
