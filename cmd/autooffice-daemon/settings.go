package main

import (
	"fmt"

	"github.com/fgeck/autooffice-daemon/internal/config"
	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the persisted settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil || store == nil {
			return err
		}
		printSettings(config.ReadSettings(store, log.Logger))
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Validate and persist one setting",
	Long: `Validate and persist one setting. A running daemon picks the change up from the file.

The settings file is rewritten as a whole, so comments in it are not kept. Set settings_file in
the config file to store the settings separately and leave the config file as written.

Keys: enabled, listen_port, report_to_address, report_to_port, report_accessory_name,
wait_before_reporting_sleep, seconds_before_reporting_sleep, respond_to_sleep_request,
respond_to_wake_request`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil || store == nil {
			return err
		}

		settings := config.LoadSettings(store, log.Logger)
		next, err := config.Parse(settings.Snapshot(), args[0], args[1])
		if err != nil {
			log.Error().Err(err).Str("key", args[0]).Msg("invalid setting")
			return err
		}

		changed, err := settings.Apply(next)
		if err != nil {
			log.Error().Err(err).Str("key", args[0]).Msg("failed to save setting")
			return err
		}
		if !changed {
			log.Info().Str("key", args[0]).Msg("setting unchanged")
			return nil
		}
		log.Info().Str("key", args[0]).Str("value", args[1]).Msg("setting saved")
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

func openStore(cmd *cobra.Command) (*config.ViperStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil || cfg == nil {
		return nil, err
	}
	settingsFile := config.SettingsPath(cfg, configFile)
	store, err := config.NewViperStore(settingsFile, log.Logger)
	if err != nil {
		log.Error().Err(err).Str("file", settingsFile).Msg("failed to open settings")
		return nil, err
	}
	return store, nil
}

func printSettings(s models.Settings) {
	fmt.Println("Settings:")
	fmt.Printf("  Enabled: %v\n", s.Enabled)
	fmt.Printf("  Listen port: %d\n", s.ListenPort)
	fmt.Printf("  Report to: %s:%d\n", s.ReportToAddress, s.ReportToPort)
	fmt.Printf("  Accessory: %s\n", s.ReportAccessoryName)
	if s.WaitBeforeReportingSleep {
		fmt.Printf("  Sleep report delay: %ds\n", s.SecondsBeforeReportingSleep)
	} else {
		fmt.Println("  Sleep report delay: off")
	}
	fmt.Printf("  Respond to /sleep: %v\n", s.RespondToSleepRequest)
	fmt.Printf("  Respond to /wake: %v\n", s.RespondToWakeRequest)
}
