// Package health runs the periodic checks of a MonoSync client: dropping
// remote peers that went silent, watching the log disk and publishing a
// heartbeat.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/events"
	"github.com/monosync-project/monosync/internal/session"
	"github.com/monosync-project/monosync/internal/util"
)

// diskCheckInterval is fixed; the log disk does not fill up in seconds.
const diskCheckInterval = 5 * time.Minute

// Manager runs periodic health checks for one client session.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	sess     *session.Session
	logger   zerolog.Logger

	// unit scales the second-based config values.
	unit time.Duration
}

// NewManager creates a health check manager for sess.
func NewManager(cfg *config.Config, eventBus *events.EventBus, sess *session.Session) *Manager {
	return &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		sess:     sess,
		logger:   log.With().Str("component", "health").Logger(),
		unit:     time.Second,
	}
}

type check struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
}

func (m *Manager) checks() []check {
	client := m.cfg.GetClient()

	// Prune at twice the timeout's resolution so a silent peer lingers at
	// most 1.5 timeouts.
	pruneEvery := time.Duration(client.PeerTimeoutSec) * m.unit / 2
	if client.PeerTimeoutSec > 0 && pruneEvery <= 0 {
		pruneEvery = m.unit
	}

	return []check{
		{"remote_peers", pruneEvery, m.pruneRemotePeers},
		{"disk_utilization", diskCheckInterval, m.checkDiskUtilization},
		{"heartbeat", time.Duration(client.HeartbeatIntervalSec) * m.unit, m.heartbeat},
	}
}

// Start launches every enabled check and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup
	started := 0

	for _, c := range m.checks() {
		if c.interval <= 0 {
			m.logger.Debug().Str("check", c.name).Msg("health check disabled")
			continue
		}
		started++

		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()

			m.logger.Debug().Str("check", c.name).Msg("running initial health check")
			c.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

// pruneRemotePeers forgets peers that stopped sending without a Disconnect,
// which is what a crashed or unplugged peer looks like over UDP.
func (m *Manager) pruneRemotePeers(ctx context.Context) {
	timeout := time.Duration(m.cfg.GetClient().PeerTimeoutSec) * m.unit
	if timeout <= 0 {
		return
	}

	for _, id := range m.sess.Tracker().Prune(timeout) {
		m.logger.Info().Uint8("peer", id).Dur("timeout", timeout).Msg("remote peer timed out")
		m.eventBus.Emit(ctx, events.Event{
			Type:    events.EventPeerLeft,
			Source:  "health_check",
			Payload: events.PeerPayload{PeerID: id},
		})
	}
}

// diskAlertLevel maps a utilization percentage to an alert level, or "" when
// no alert is due.
func diskAlertLevel(usedPercent float64) string {
	switch {
	case usedPercent >= 100:
		return "critical"
	case usedPercent >= 95:
		return "error"
	case usedPercent >= 90:
		return "warning"
	case usedPercent >= 80:
		return "info"
	default:
		return ""
	}
}

// checkDiskUtilization watches the filesystem holding the log directory.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	path := m.cfg.GetApplicationData().Logging.Directory
	if path == "" {
		path = "."
	}

	usage, err := util.GetDiskUsage(path)
	if err != nil {
		m.logger.Warn().Err(err).Msg("disk utilization check failed")
		return
	}

	m.logger.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_mb", usage.Free).
		Msg("disk utilization")

	level := diskAlertLevel(usage.UsedPercent)
	if level == "" {
		return
	}

	m.logger.Warn().Str("level", level).Msg(fmt.Sprintf("Disk usage at %.1f%% (%d MB free of %d MB total)",
		usage.UsedPercent, usage.Free, usage.Total))
}

// heartbeat publishes the client's liveness and traffic counters.
func (m *Manager) heartbeat(ctx context.Context) {
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHeartbeat,
		Source:  "heartbeat",
		Payload: m.snapshot(),
	})
}

func (m *Manager) snapshot() events.HeartbeatPayload {
	client := m.sess.Client()
	stats := client.Stats()

	hb := events.HeartbeatPayload{
		PeerID:            m.sess.ID(),
		Connected:         client.IsConnected(),
		RemotePeers:       m.sess.Tracker().Count(),
		DatagramsSent:     stats.DatagramsSent,
		DatagramsReceived: stats.DatagramsReceived,
		Ticks:             m.sess.Ticks(),
	}
	if remote := client.RemoteAddr(); remote != nil {
		hb.Remote = remote.String()
	}
	return hb
}
