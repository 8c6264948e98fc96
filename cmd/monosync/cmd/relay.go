package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/monosync-project/monosync/internal/api"
	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/db"
	"github.com/monosync-project/monosync/internal/events"
	"github.com/monosync-project/monosync/internal/network"
	"github.com/monosync-project/monosync/internal/scheduler"
	"github.com/monosync-project/monosync/internal/telemetry"
)

var (
	relayCmd = &cobra.Command{
		Use:   "relay",
		Short: "Fan datagrams out between peers and serve the monitor API",
		RunE:  startRelay,
	}
	relayFlags = struct {
		Listen  string
		Port    int
		APIPort int
		NoAPI   bool
		NoDB    bool
	}{}
)

func init() {
	f := relayCmd.Flags()
	f.StringVar(&relayFlags.Listen, "listen", "", "IP address to bind (overrides relay.listen_address)")
	f.IntVar(&relayFlags.Port, "port", 0, "UDP port to bind (overrides relay.listen_port)")
	f.IntVar(&relayFlags.APIPort, "api-port", 0, "monitor API port (overrides application_data.api.port)")
	f.BoolVar(&relayFlags.NoAPI, "no-api", false, "disable the monitor API")
	f.BoolVar(&relayFlags.NoDB, "no-db", false, "disable the peer history database")
	Root.AddCommand(relayCmd)
}

func startRelay(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap(cmd, config.ModeRelay, os.Stdout, func(cfg *config.Config) {
		r := cfg.GetRelay()
		if cmd.Flags().Changed("listen") {
			r.ListenAddress = relayFlags.Listen
		}
		if cmd.Flags().Changed("port") {
			r.ListenPort = relayFlags.Port
		}
		cfg.SetRelay(r)

		app := cfg.GetApplicationData()
		if cmd.Flags().Changed("api-port") {
			app.API.Port = relayFlags.APIPort
		}
		if relayFlags.NoAPI {
			app.API.Enabled = false
		}
		if relayFlags.NoDB {
			app.Database.Enabled = false
		}
		cfg.SetApplicationData(app)
	})
	if err != nil {
		log.Error().Err(err).Msg("relay startup failed")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	appData := cfg.GetApplicationData()

	// Peer history store
	var store *db.PeerStore
	if appData.Database.Enabled {
		store, err = db.NewPeerStore(appData.Database.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open peer database, history disabled")
			store = nil
		} else {
			defer store.Close()
			store.Subscribe(eventBus)
		}
	}

	relay := network.NewRelay(cfg, eventBus)

	var mqttHandler *telemetry.MQTTHandler
	if appData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, "relay")
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
			mqttHandler = nil
		}
	}

	var apiServer *api.Server
	if appData.API.Enabled {
		apiServer = api.NewServer(cfg, eventBus, relay, store)
		if mqttHandler != nil {
			apiServer.SetInstanceID(mqttHandler.InstanceID())
		}
	}

	// A nil *db.PeerStore must not reach the scheduler as a non-nil interface.
	var pruner scheduler.EventPruner
	if store != nil {
		pruner = store
	}
	sched := scheduler.NewScheduler(cfg, eventBus, relay, pruner)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Task 1: UDP relay
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := startWithRetry(ctx, "relay", relay.Start, 5); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("relay failed after retries")
			errCh <- fmt.Errorf("relay: %w", err)
		}
	}()

	// Task 2: monitor API, non-fatal
	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", appData.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	// Task 3: MQTT telemetry
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 4: scheduler (stale peers, stats, history pruning)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	eventBus.Emit(ctx, events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()

	stats := relay.Stats()
	log.Info().
		Uint64("datagrams_in", stats.DatagramsIn).
		Uint64("datagrams_out", stats.DatagramsOut).
		Uint64("malformed", stats.MalformedDropped).
		Msg(AppName + " relay stopped")

	return runErr
}
