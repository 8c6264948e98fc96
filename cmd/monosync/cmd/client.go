package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/monosync-project/monosync/internal/cli"
	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/events"
	"github.com/monosync-project/monosync/internal/health"
	"github.com/monosync-project/monosync/internal/network"
	"github.com/monosync-project/monosync/internal/session"
	"github.com/monosync-project/monosync/internal/telemetry"
)

var (
	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Stream the local transform to a relay and track remote peers",
		RunE:  startClient,
	}
	clientFlags = struct {
		Address  string
		Port     int
		PeerID   int
		TickRate int
		Headless bool
		Setup    bool
	}{}
)

func init() {
	f := clientCmd.Flags()
	f.StringVar(&clientFlags.Address, "address", "", "relay IP address (overrides client.address)")
	f.IntVar(&clientFlags.Port, "port", 0, "relay UDP port (overrides client.port)")
	f.IntVar(&clientFlags.PeerID, "peer-id", config.RandomPeerID, "peer id 0-255, -1 for random (overrides client.peer_id)")
	f.IntVar(&clientFlags.TickRate, "tick-rate", 0, "transform updates per second (overrides client.tick_rate_hz)")
	f.BoolVar(&clientFlags.Headless, "headless", false, "stream without the interactive console")
	f.BoolVar(&clientFlags.Setup, "setup", false, "run the setup wizard before connecting")
	Root.AddCommand(clientCmd)
}

func startClient(cmd *cobra.Command, args []string) error {
	// The console owns stdout; logs go to stderr.
	cfg, err := bootstrap(cmd, config.ModeClient, os.Stderr, func(cfg *config.Config) {
		c := cfg.GetClient()
		if cmd.Flags().Changed("address") {
			c.Address = clientFlags.Address
		}
		if cmd.Flags().Changed("port") {
			c.Port = clientFlags.Port
		}
		if cmd.Flags().Changed("peer-id") {
			c.PeerID = clientFlags.PeerID
		}
		if cmd.Flags().Changed("tick-rate") {
			c.TickRateHz = clientFlags.TickRate
		}
		cfg.SetClient(c)
	})
	if err != nil {
		log.Error().Err(err).Msg("client startup failed")
		return err
	}

	if clientFlags.Setup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Error().Err(err).Msg("setup wizard failed")
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eventBus := events.NewEventBus()
	defer eventBus.Stop()

	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	client := network.NewClient()
	defer client.Close()

	sess := session.New(client, eventBus, session.OptionsFromConfig(cfg.GetClient()))
	log.Info().Uint8("peer", sess.ID()).Msg("local peer id assigned")

	var wg sync.WaitGroup

	if cfg.GetApplicationData().MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg, eventBus, "client")
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				log.Info().Msg("starting MQTT telemetry")
				if err := mqttHandler.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			}()
		}
	}

	healthMgr := health.NewManager(cfg, eventBus, sess)
	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	clientCfg := cfg.GetClient()

	if clientFlags.Headless {
		if err := sess.Connect(ctx, clientCfg.Address, clientCfg.Port); err != nil {
			log.Error().Err(err).Msg("failed to connect")
			cancel()
			wg.Wait()
			return err
		}
		if err := sess.Run(ctx); err != nil {
			log.Error().Err(err).Msg("session loop failed")
		}
	} else {
		console := cli.NewCLI(cfg, eventBus, sess, os.Stdin, os.Stdout)
		if err := console.Connect(ctx, clientCfg.Address, clientCfg.Port); err != nil {
			log.Warn().Err(err).Msg("initial connect failed, use 'connect' to retry")
		}
		console.Start(ctx)
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	wg.Wait()

	stats := client.Stats()
	log.Info().
		Uint64("datagrams_sent", stats.DatagramsSent).
		Uint64("datagrams_received", stats.DatagramsReceived).
		Uint64("ticks", sess.Ticks()).
		Msg(AppName + " client stopped")
	return nil
}
