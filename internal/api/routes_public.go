package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/monosync-project/monosync/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "monosync-relay",
		"version": Version,
	})
}

// handleGetInfo describes this relay instance.
func (s *Server) handleGetInfo(c *gin.Context) {
	relayCfg := s.cfg.GetRelay()
	sysInfo := util.GetSystemInfo()
	uptime := time.Since(s.startedAt)

	c.JSON(http.StatusOK, gin.H{
		"instance_id":      s.instanceID,
		"version":          Version,
		"uptime":           uptime.Round(time.Second).String(),
		"uptime_seconds":   int64(uptime.Seconds()),
		"listen_port":      relayCfg.ListenPort,
		"peer_timeout_sec": relayCfg.PeerTimeoutSec,
		"peers":            s.relay.Peers().Count(),
		"hostname":         sysInfo.Hostname,
		"platform":         sysInfo.Platform,
		"architecture":     sysInfo.Architecture,
		"cpu_cores":        sysInfo.CPUCores,
	})
}
