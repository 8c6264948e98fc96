package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/monosync-project/monosync/internal/db"
	"github.com/monosync-project/monosync/internal/network"
	"github.com/monosync-project/monosync/internal/protocol"
	"github.com/monosync-project/monosync/internal/util"
)

// peerView is the JSON shape of a live registry entry.
type peerView struct {
	PeerID      uint8     `json:"peer_id"`
	Address     string    `json:"address"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	IdleSeconds float64   `json:"idle_seconds"`
	Datagrams   uint64    `json:"datagrams"`
	Bytes       uint64    `json:"bytes"`
}

func newPeerView(e network.PeerEntry) peerView {
	v := peerView{
		PeerID:      e.ID,
		FirstSeen:   e.FirstSeen,
		LastSeen:    e.LastSeen,
		IdleSeconds: time.Since(e.LastSeen).Seconds(),
		Datagrams:   e.Datagrams,
		Bytes:       e.Bytes,
	}
	if e.Addr != nil {
		v.Address = e.Addr.String()
	}
	return v
}

// parsePeerID reads the :id path parameter, writing a 400 on failure.
func parsePeerID(c *gin.Context) (protocol.PeerID, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id", "id": c.Param("id")})
		return 0, false
	}
	return protocol.PeerID(id), true
}

// handleGetPeers lists peers currently registered with the relay, plus the
// stored records of every peer ever seen when the database is enabled.
func (s *Server) handleGetPeers(c *gin.Context) {
	entries := s.relay.Peers().GetAll()
	live := make([]peerView, 0, len(entries))
	for _, e := range entries {
		live = append(live, newPeerView(e))
	}

	resp := gin.H{
		"peers": live,
		"total": len(live),
	}

	if s.store != nil {
		known, err := s.store.ListPeers()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if known == nil {
			known = []db.PeerRecord{}
		}
		resp["known"] = known
	}

	c.JSON(http.StatusOK, resp)
}

// handleGetPeer returns one peer, live or stored.
func (s *Server) handleGetPeer(c *gin.Context) {
	id, ok := parsePeerID(c)
	if !ok {
		return
	}

	resp := gin.H{"peer_id": id}
	found := false

	if entry, ok := s.relay.Peers().Get(id); ok {
		resp["live"] = newPeerView(entry)
		found = true
	}

	if s.store != nil {
		record, err := s.store.GetPeer(id)
		switch {
		case err == nil:
			resp["record"] = record
			found = true
		case !errors.Is(err, db.ErrNotFound):
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found", "peer_id": id})
		return
	}

	resp["connected"] = resp["live"] != nil
	c.JSON(http.StatusOK, resp)
}

// handleGetPeerHistory returns stored presence events for a peer.
func (s *Server) handleGetPeerHistory(c *gin.Context) {
	id, ok := parsePeerID(c)
	if !ok {
		return
	}

	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "peer database is disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	history, err := s.store.History(id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if history == nil {
		history = []db.PeerEvent{}
	}

	c.JSON(http.StatusOK, gin.H{
		"peer_id": id,
		"events":  history,
		"count":   len(history),
	})
}

// handleGetStats returns the relay traffic counters.
func (s *Server) handleGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.relay.Stats())
}

// handleGetSystem returns host and process resource usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	resp := gin.H{
		"system": util.GetSystemInfo(),
	}

	if pct, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = pct
	}
	if memUsage, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = memUsage
	}
	if proc, err := util.GetProcessUsage(); err == nil {
		resp["process"] = proc
	}

	diskPath := "."
	if s.store != nil {
		diskPath = filepath.Dir(s.store.Path())
	}
	if usage, err := util.GetDiskUsage(diskPath); err == nil {
		resp["disk"] = usage
	}

	c.JSON(http.StatusOK, resp)
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	logDir := s.cfg.GetApplicationData().Logging.Directory
	entries, err := readRecentLogEntries(logDir, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is a parsed zerolog JSON line.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count lines of the newest
// monosync_*.log file in logDir.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range dirEntries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "monosync_") && filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return []logEntry{}, nil
	}
	// Date-stamped names sort chronologically.
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(logDir, names[len(names)-1]))
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	start := len(lines) - count - 1
	if start < 0 {
		start = 0
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true, "component": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:     stringFromMap(raw, "level"),
			Component: stringFromMap(raw, "component"),
			Message:   stringFromMap(raw, "message"),
			Timestamp: stringFromMap(raw, "time"),
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}

	if len(result) > count {
		result = result[len(result)-count:]
	}
	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
