// Package scheduler runs the relay's periodic background tasks: stale peer
// cleanup, traffic stats reporting and peer history pruning.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/events"
	"github.com/monosync-project/monosync/internal/network"
)

// Relay is the part of network.Relay the scheduler drives.
type Relay interface {
	CleanStale(timeout time.Duration) int
	Stats() network.RelayStats
}

// EventPruner deletes stored peer events older than a cutoff.
type EventPruner interface {
	PruneEvents(before time.Time) (int64, error)
}

// Daily prune time, local clock.
const (
	pruneHour   = 4
	pruneMinute = 0
)

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	relay    Relay
	pruner   EventPruner
	logger   zerolog.Logger

	// unit scales the configured second-based intervals.
	unit time.Duration
	now  func() time.Time
}

// NewScheduler creates a scheduler for relay. pruner may be nil when the
// peer database is disabled.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, relay Relay, pruner EventPruner) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		relay:    relay,
		pruner:   pruner,
		logger:   log.With().Str("component", "scheduler").Logger(),
		unit:     time.Second,
		now:      time.Now,
	}
}

// Start runs all tasks and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	var wg sync.WaitGroup
	run := func(task func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task(ctx)
		}()
	}

	run(s.runCleanupLoop)
	run(s.runStatsLoop)
	if s.pruner != nil {
		run(s.runPruneLoop)
	}

	<-ctx.Done()
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// runCleanupLoop evicts silent peers. Intervals are re-read every round so
// runtime config changes take effect.
func (s *Scheduler) runCleanupLoop(ctx context.Context) {
	for {
		interval := time.Duration(s.cfg.GetRelay().CleanupIntervalSec) * s.unit
		if interval <= 0 {
			interval = s.unit
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			s.cleanup()
		}
	}
}

func (s *Scheduler) cleanup() int {
	relayCfg := s.cfg.GetRelay()
	timeout := time.Duration(relayCfg.PeerTimeoutSec) * s.unit

	evicted := s.relay.CleanStale(timeout)
	if evicted > 0 {
		s.logger.Info().
			Int("evicted", evicted).
			Dur("timeout", timeout).
			Msg("stale peers evicted")
	}
	return evicted
}

// runStatsLoop emits a RelayStats event every stats_interval_sec. A
// non-positive interval pauses reporting until it is changed.
func (s *Scheduler) runStatsLoop(ctx context.Context) {
	for {
		interval := time.Duration(s.cfg.GetRelay().StatsIntervalSec) * s.unit
		enabled := interval > 0
		if !enabled {
			interval = 60 * s.unit
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if enabled {
				s.reportStats(ctx)
			}
		}
	}
}

func (s *Scheduler) reportStats(ctx context.Context) events.RelayStatsPayload {
	stats := s.relay.Stats()
	payload := events.RelayStatsPayload{
		Peers:            stats.Peers,
		DatagramsIn:      stats.DatagramsIn,
		DatagramsOut:     stats.DatagramsOut,
		BytesIn:          stats.BytesIn,
		BytesOut:         stats.BytesOut,
		MalformedDropped: stats.MalformedDropped,
		UptimeSeconds:    stats.UptimeSeconds,
	}

	s.logger.Info().
		Int("peers", stats.Peers).
		Uint64("datagrams_in", stats.DatagramsIn).
		Uint64("datagrams_out", stats.DatagramsOut).
		Str("bytes_in", formatBytes(stats.BytesIn)).
		Str("bytes_out", formatBytes(stats.BytesOut)).
		Uint64("malformed", stats.MalformedDropped).
		Msg("relay stats")

	if s.eventBus != nil {
		s.eventBus.Emit(ctx, events.Event{
			Type:    events.EventRelayStats,
			Source:  "scheduler",
			Payload: payload,
		})
	}
	return payload
}

// runPruneLoop prunes peer history once at startup and then daily.
func (s *Scheduler) runPruneLoop(ctx context.Context) {
	s.prune()

	for {
		nextRun := nextDailyRun(s.now(), pruneHour, pruneMinute)
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		s.logger.Debug().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("peer history prune scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.prune()
		}
	}
}

func (s *Scheduler) prune() {
	days := s.cfg.GetApplicationData().Database.RetentionDays
	if days < 1 {
		return
	}

	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := s.pruner.PruneEvents(cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("peer history prune failed")
		return
	}

	s.logger.Info().
		Int64("deleted", deleted).
		Int("retention_days", days).
		Msg("peer history pruned")
}

// nextDailyRun returns the next hour:minute after now.
func nextDailyRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
