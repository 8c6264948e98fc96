package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleEvictPeer drops a peer from the relay registry. The peer is
// re-registered by its next datagram.
func (s *Server) handleEvictPeer(c *gin.Context) {
	id, ok := parsePeerID(c)
	if !ok {
		return
	}

	if !s.relay.Evict(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not registered", "peer_id": id})
		return
	}

	s.logger.Info().
		Uint8("peer", id).
		Str("client_ip", c.ClientIP()).
		Msg("peer evicted via API")

	c.JSON(http.StatusOK, gin.H{
		"status":  "evicted",
		"peer_id": id,
	})
}

// handleCleanup runs stale peer cleanup immediately.
func (s *Server) handleCleanup(c *gin.Context) {
	timeout := s.cfg.GetRelay().PeerTimeout()
	evicted := s.relay.CleanStale(timeout)

	c.JSON(http.StatusOK, gin.H{
		"evicted":     evicted,
		"timeout_sec": int(timeout.Seconds()),
		"remaining":   s.relay.Peers().Count(),
	})
}
