package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/autooffice-daemon/internal/config"
	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/fgeck/autooffice-daemon/internal/services/daemon"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Long: `Run the daemon until interrupted:
1. Load the config file and the persisted settings
2. Start the command server (if enabled)
3. Report the current display state to the bridge
4. Watch the display, the schedule and the settings file`,
	RunE: runDaemon,
}

func loadConfig(cmd *cobra.Command) (*models.DaemonConfig, error) {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return nil, cmd.Help()
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil || cfg == nil {
		return err
	}

	settingsFile := config.SettingsPath(cfg, configFile)
	store, err := config.NewViperStore(settingsFile, log.Logger.With().Str("component", "store").Logger())
	if err != nil {
		log.Error().Err(err).Str("file", settingsFile).Msg("failed to open settings")
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("settings", settingsFile).
		Str("display_backend", cfg.Display.Backend).
		Int("schedules", len(cfg.Schedule)).
		Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	d, err := daemon.New(log.Logger, cfg, store)
	if err != nil {
		log.Error().Err(err).Msg("failed to set up daemon")
		return err
	}

	if err := d.Run(ctx); err != nil {
		log.Error().Err(err).Msg("daemon failed")
		return err
	}

	log.Info().Msg("daemon stopped")
	return nil
}
