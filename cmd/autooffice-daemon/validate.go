package main

import (
	"fmt"
	"os"

	"github.com/fgeck/autooffice-daemon/internal/config"
	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file and print the effective settings without starting the daemon.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			log.Error().Str("file", configFile).Msg("config file not found")
			return fmt.Errorf("config file not found: %s", configFile)
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil || cfg == nil {
		return err
	}

	settingsFile := config.SettingsPath(cfg, configFile)
	store, err := config.NewViperStore(settingsFile, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("failed to read settings")
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Bind address: %s\n", cfg.Server.BindAddress)
	fmt.Printf("  Retry interval: %s\n", cfg.Server.RetryInterval)
	if cfg.Server.RateLimit > 0 {
		fmt.Printf("  Rate limit: %.1f/s (burst %d)\n", cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	fmt.Printf("  Report timeout: %s\n", cfg.Report.Timeout)
	fmt.Printf("  Preview: %v\n", cfg.Preview)
	fmt.Printf("  Settings file: %s\n", settingsFile)
	fmt.Println()
	fmt.Println("Display:")
	fmt.Printf("  Backend: %s\n", cfg.Display.Backend)
	if cfg.Display.Backend != models.BackendNone {
		fmt.Printf("  Sleep command: %s\n", cfg.Display.SleepCommand)
		fmt.Printf("  Wake command: %s\n", cfg.Display.WakeCommand)
		fmt.Printf("  State command: %s\n", cfg.Display.StateCommand)
		fmt.Printf("  Poll interval: %s\n", cfg.Display.PollInterval)
	}
	if cfg.Display.SSH != nil {
		fmt.Printf("  SSH: %s@%s:%d\n", cfg.Display.SSH.Username, cfg.Display.SSH.Host, cfg.Display.SSH.Port)
	}
	if cfg.Display.WOL != nil {
		fmt.Printf("  Wake-on-LAN: %s via %s\n", cfg.Display.WOL.MACAddress, cfg.Display.WOL.BroadcastIP)
	}

	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Status listener: %v\n", cfg.Status != nil)
	fmt.Printf("  Schedules: %d\n", len(cfg.Schedule))
	for _, e := range cfg.Schedule {
		fmt.Printf("    %s -> %s\n", e.Spec, e.Action)
	}

	fmt.Println()
	printSettings(config.ReadSettings(store, log.Logger))
	return nil
}
