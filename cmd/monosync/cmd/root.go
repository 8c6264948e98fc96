package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/monosync-project/monosync/internal/api"
	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/telemetry"
	"github.com/monosync-project/monosync/internal/util"
)

const (
	AppName = "MonoSync"
	Banner  = `
  __  __                    ____
 |  \/  | ___  _ __   ___  / ___| _   _ _ __   ___
 | |\/| |/ _ \| '_ \ / _ \ \___ \| | | | '_ \ / __|
 | |  | | (_) | | | | (_) | ___) | |_| | | | | (__
 |_|  |_|\___/|_| |_|\___/ |____/ \__, |_| |_|\___|
                                  |___/  v%s
 Real-time transform sync over UDP
`
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "1.0.0"

var (
	Root = &cobra.Command{
		Use:   "monosync",
		Short: "Real-time position and rotation sync between peers over UDP",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			api.Version = Version
			telemetry.AppVersion = Version
		},
		SilenceUsage: true,
	}
	rootFlags = struct {
		ConfigDir string
		LogLevel  string
	}{}
)

func init() {
	Root.PersistentFlags().StringVar(&rootFlags.ConfigDir, "config-dir", config.DefaultConfigDir, "directory holding config.json")
	Root.PersistentFlags().StringVar(&rootFlags.LogLevel, "log-level", "", "override application_data.logging.level")
}

// bootstrap prints the banner, loads and validates the configuration for
// mode and configures logging. override applies command line flags before
// validation.
func bootstrap(cmd *cobra.Command, mode config.Mode, consoleOut io.Writer, override func(*config.Config)) (*config.Config, error) {
	fmt.Fprintf(consoleOut, Banner, Version)
	fmt.Fprintln(consoleOut)

	defaults := util.DefaultLogConfig()
	defaults.ConsoleOut = consoleOut
	if err := util.InitLogger(defaults); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("command", cmd.Name()).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting " + AppName)

	cfg, err := config.Load(rootFlags.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if cmd.Flags().Changed("log-level") {
		app := cfg.GetApplicationData()
		app.Logging.Level = rootFlags.LogLevel
		cfg.SetApplicationData(app)
	}
	if override != nil {
		override(cfg)
	}

	logging := cfg.GetApplicationData().Logging
	logCfg := util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		Console:    true,
		ConsoleOut: consoleOut,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg, mode)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}

		if mode == config.ModeClient && cfg.IsFirstRun() {
			log.Info().Msg("first run detected, launching setup wizard")
			if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
				return nil, fmt.Errorf("setup wizard failed: %w", err)
			}
		} else {
			return nil, fmt.Errorf("configuration validation failed, please fix the errors above")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	return cfg, nil
}

// startWithRetry attempts to start a listener with retry on bind errors,
// waiting 3 seconds between attempts.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().
				Err(lastErr).
				Str("component", name).
				Int("retry", i+1).
				Int("max", maxRetries).
				Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
