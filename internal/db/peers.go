package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/monosync-project/monosync/internal/events"
)

// ErrNotFound is returned when a peer has no record.
var ErrNotFound = errors.New("not found")

// Event names stored in peer_events.
const (
	PeerEventJoined        = "joined"
	PeerEventLeft          = "left"
	PeerEventEvicted       = "evicted"
	PeerEventUnknownAction = "unknown_action"
)

// sightingInterval limits how often transform traffic touches a peer row.
const sightingInterval = time.Second

// PeerRecord is the stored summary of one peer id.
type PeerRecord struct {
	PeerID    uint8     `json:"peer_id"`
	Address   string    `json:"address"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Sightings int64     `json:"sightings"`
}

// PeerEvent is one presence change of a peer.
type PeerEvent struct {
	ID      int64     `json:"id"`
	PeerID  uint8     `json:"peer_id"`
	Event   string    `json:"event"`
	Address string    `json:"address"`
	At      time.Time `json:"at"`
}

// PeerStore records relay peer sightings and presence history.
type PeerStore struct {
	db *Database

	mu           sync.Mutex
	lastSighting map[uint8]time.Time
}

// NewPeerStore opens the database at dbPath and migrates it.
func NewPeerStore(dbPath string) (*PeerStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	store := &PeerStore{
		db:           database,
		lastSighting: make(map[uint8]time.Time),
	}

	if err := store.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate peer database: %w", err)
	}

	return store, nil
}

// schema holds one entry per version; append, never edit.
var schema = []string{
	`CREATE TABLE peers (
		peer_id INTEGER PRIMARY KEY,
		address TEXT NOT NULL DEFAULT '',
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		sightings INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE peer_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_id INTEGER NOT NULL,
		event TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		at INTEGER NOT NULL
	);

	CREATE INDEX idx_peer_events_peer ON peer_events(peer_id, at);
	CREATE INDEX idx_peer_events_at ON peer_events(at);`,
}

func (s *PeerStore) migrate() error {
	return s.db.Migrate(schema)
}

// Close closes the underlying database.
func (s *PeerStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *PeerStore) Path() string {
	return s.db.Path()
}

// RecordSighting upserts the peer row for a datagram seen at the given time.
func (s *PeerStore) RecordSighting(peerID uint8, address string, at time.Time) error {
	ms := at.UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO peers (peer_id, address, first_seen, last_seen, sightings)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(peer_id) DO UPDATE SET
			address = excluded.address,
			last_seen = excluded.last_seen,
			sightings = peers.sightings + 1`,
		peerID, address, ms, ms)
	if err != nil {
		return fmt.Errorf("failed to record sighting of peer %d: %w", peerID, err)
	}
	return nil
}

// RecordEvent appends a presence event.
func (s *PeerStore) RecordEvent(peerID uint8, event, address string, at time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO peer_events (peer_id, event, address, at) VALUES (?, ?, ?, ?)",
		peerID, event, address, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record %s event for peer %d: %w", event, peerID, err)
	}
	return nil
}

// ListPeers returns every known peer ordered by most recently seen.
func (s *PeerStore) ListPeers() ([]PeerRecord, error) {
	rows, err := s.db.Query(
		"SELECT peer_id, address, first_seen, last_seen, sightings FROM peers ORDER BY last_seen DESC, peer_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var peers []PeerRecord
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// GetPeer returns one peer record or ErrNotFound.
func (s *PeerStore) GetPeer(peerID uint8) (*PeerRecord, error) {
	row := s.db.QueryRow(
		"SELECT peer_id, address, first_seen, last_seen, sightings FROM peers WHERE peer_id = ?", peerID)

	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// History returns up to limit events for a peer, newest first.
func (s *PeerStore) History(peerID uint8, limit int) ([]PeerEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		"SELECT id, peer_id, event, address, at FROM peer_events WHERE peer_id = ? ORDER BY at DESC, id DESC LIMIT ?",
		peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for peer %d: %w", peerID, err)
	}
	defer rows.Close()

	var history []PeerEvent
	for rows.Next() {
		var (
			e  PeerEvent
			at int64
		)
		if err := rows.Scan(&e.ID, &e.PeerID, &e.Event, &e.Address, &at); err != nil {
			return nil, fmt.Errorf("failed to scan peer event: %w", err)
		}
		e.At = time.UnixMilli(at)
		history = append(history, e)
	}
	return history, rows.Err()
}

// PruneEvents deletes events older than before and returns how many went.
func (s *PeerStore) PruneEvents(before time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM peer_events WHERE at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune peer events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("deleted", n).Time("before", before).Msg("pruned peer events")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPeer(row scanner) (PeerRecord, error) {
	var (
		p                   PeerRecord
		firstSeen, lastSeen int64
	)
	if err := row.Scan(&p.PeerID, &p.Address, &firstSeen, &lastSeen, &p.Sightings); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan peer: %w", err)
	}
	p.FirstSeen = time.UnixMilli(firstSeen)
	p.LastSeen = time.UnixMilli(lastSeen)
	return p, nil
}

// Subscribe records relay bus events into the store. The handlers share one
// ordered queue so a join is always written before the matching leave. Stop
// the bus before closing the store.
func (s *PeerStore) Subscribe(bus *events.EventBus) {
	bus.SubscribeOrdered("db.peers", events.DefaultQueueDepth, map[events.EventType]events.HandlerFunc{
		events.EventPeerJoined:    s.onPeerJoined,
		events.EventPeerLeft:      s.onPeerLeft,
		events.EventPeerEvicted:   s.onPeerEvicted,
		events.EventPeerTransform: s.onPeerTransform,
		events.EventUnknownAction: s.onUnknownAction,
	})
}

func eventTime(e events.Event) time.Time {
	if e.Timestamp.IsZero() {
		return time.Now()
	}
	return e.Timestamp
}

func (s *PeerStore) onPeerJoined(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.PeerPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	at := eventTime(e)
	if err := s.RecordSighting(p.PeerID, p.Address, at); err != nil {
		return err
	}
	s.markSighting(p.PeerID, at)
	return s.RecordEvent(p.PeerID, PeerEventJoined, p.Address, at)
}

func (s *PeerStore) onPeerLeft(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.PeerPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	s.forgetSighting(p.PeerID)
	return s.RecordEvent(p.PeerID, PeerEventLeft, p.Address, eventTime(e))
}

func (s *PeerStore) onPeerEvicted(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.PeerEvictedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	s.forgetSighting(p.PeerID)
	return s.RecordEvent(p.PeerID, PeerEventEvicted, p.Address, eventTime(e))
}

func (s *PeerStore) onUnknownAction(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.UnknownActionPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	return s.RecordEvent(p.PeerID, PeerEventUnknownAction, p.Address, eventTime(e))
}

// onPeerTransform refreshes last_seen at most once per sightingInterval per peer.
func (s *PeerStore) onPeerTransform(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.PeerTransformPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	at := eventTime(e)

	s.mu.Lock()
	last, seen := s.lastSighting[p.PeerID]
	due := !seen || at.Sub(last) >= sightingInterval
	if due {
		s.lastSighting[p.PeerID] = at
	}
	s.mu.Unlock()

	if !due {
		return nil
	}
	return s.RecordSighting(p.PeerID, p.Address, at)
}

func (s *PeerStore) markSighting(id uint8, at time.Time) {
	s.mu.Lock()
	s.lastSighting[id] = at
	s.mu.Unlock()
}

func (s *PeerStore) forgetSighting(id uint8) {
	s.mu.Lock()
	delete(s.lastSighting, id)
	s.mu.Unlock()
}
