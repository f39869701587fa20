// Package config provides configuration file parsing and the persisted settings store.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. AUTOOFFICE_PREVIEW=1.
const EnvPrefix = "AUTOOFFICE"

// Display command defaults (X11 DPMS).
const (
	DefaultSleepCommand  = "xset dpms force off"
	DefaultWakeCommand   = "xset dpms force on"
	DefaultStateCommand  = "xset q"
	DefaultAsleepPattern = `Monitor is (Off|in Standby|in Suspend)`
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	_ = v.BindEnv("preview")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.DaemonConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.DaemonConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.DaemonConfig, error) {
	cfg := &models.DaemonConfig{
		Preview:      p.v.GetBool("preview"),
		SettingsFile: p.expandEnv(p.v.GetString("settings_file")),
	}
	// A relative settings file lives next to the config file.
	if used := p.v.ConfigFileUsed(); cfg.SettingsFile != "" && used != "" && !filepath.IsAbs(cfg.SettingsFile) {
		cfg.SettingsFile = filepath.Join(filepath.Dir(used), cfg.SettingsFile)
	}

	// Parse server settings.
	cfg.Server = models.ServerConfig{
		BindAddress:   p.v.GetString("server.bind_address"),
		RetryInterval: p.v.GetDuration("server.retry_interval"),
		RateLimit:     p.v.GetFloat64("server.rate_limit"),
		RateBurst:     p.v.GetInt("server.rate_burst"),
	}
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = "0.0.0.0"
	}
	if cfg.Server.RetryInterval == 0 {
		cfg.Server.RetryInterval = 10 * time.Second
	}
	if !p.v.IsSet("server.rate_limit") {
		cfg.Server.RateLimit = 2
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 5
	}

	// Parse report settings.
	cfg.Report = models.ReportConfig{
		Timeout: p.v.GetDuration("report.timeout"),
	}
	if cfg.Report.Timeout == 0 {
		cfg.Report.Timeout = 10 * time.Second
	}

	// Parse display backend.
	cfg.Display = models.DisplayConfig{
		Backend:       p.v.GetString("display.backend"),
		SleepCommand:  p.v.GetString("display.sleep_command"),
		WakeCommand:   p.v.GetString("display.wake_command"),
		StateCommand:  p.v.GetString("display.state_command"),
		AsleepPattern: p.v.GetString("display.asleep_pattern"),
		PollInterval:  p.v.GetDuration("display.poll_interval"),
	}
	if cfg.Display.Backend == "" {
		cfg.Display.Backend = models.BackendLocal
	}
	if cfg.Display.SleepCommand == "" {
		cfg.Display.SleepCommand = DefaultSleepCommand
	}
	if cfg.Display.WakeCommand == "" {
		cfg.Display.WakeCommand = DefaultWakeCommand
	}
	if !p.v.IsSet("display.state_command") {
		cfg.Display.StateCommand = DefaultStateCommand
	}
	if cfg.Display.AsleepPattern == "" {
		cfg.Display.AsleepPattern = DefaultAsleepPattern
	}
	if cfg.Display.PollInterval == 0 {
		cfg.Display.PollInterval = 2 * time.Second
	}

	// Parse optional SSH config.
	if p.v.IsSet("display.ssh") {
		cfg.Display.SSH = &models.SSHConfig{
			Host:     p.v.GetString("display.ssh.host"),
			Port:     p.v.GetInt("display.ssh.port"),
			Username: p.v.GetString("display.ssh.username"),
			KeyPath:  p.expandEnv(p.v.GetString("display.ssh.key_path")),
		}

		if cfg.Display.SSH.Host == "" {
			return nil, fmt.Errorf("display.ssh.host is required when display.ssh is configured")
		}
		if cfg.Display.SSH.Port == 0 {
			cfg.Display.SSH.Port = 22
		}
		if cfg.Display.SSH.Username == "" {
			cfg.Display.SSH.Username = "root"
		}
		if cfg.Display.SSH.KeyPath == "" {
			return nil, fmt.Errorf("display.ssh.key_path is required when display.ssh is configured")
		}
	}

	// Parse optional WOL config.
	if p.v.IsSet("display.wol") {
		cfg.Display.WOL = &models.WOLConfig{
			MACAddress:   p.v.GetString("display.wol.mac_address"),
			BroadcastIP:  p.v.GetString("display.wol.broadcast_ip"),
			ReadyAddress: p.v.GetString("display.wol.ready_address"),
			Timeout:      p.v.GetDuration("display.wol.timeout"),
			PollInterval: p.v.GetDuration("display.wol.poll_interval"),
		}

		if cfg.Display.WOL.MACAddress == "" {
			return nil, fmt.Errorf("display.wol.mac_address is required when display.wol is configured")
		}

		// Set defaults.
		if cfg.Display.WOL.BroadcastIP == "" {
			cfg.Display.WOL.BroadcastIP = "255.255.255.255"
		}
		if cfg.Display.WOL.Timeout == 0 {
			cfg.Display.WOL.Timeout = 2 * time.Minute
		}
		if cfg.Display.WOL.PollInterval == 0 {
			cfg.Display.WOL.PollInterval = 5 * time.Second
		}
	}

	// Parse optional status listener.
	if addr := p.v.GetString("status.addr"); addr != "" {
		cfg.Status = &models.StatusConfig{Addr: addr}
	}

	// Parse optional schedule.
	var entries []struct {
		Spec   string `mapstructure:"spec"`
		Action string `mapstructure:"action"`
	}
	if err := p.v.UnmarshalKey("schedule", &entries); err != nil {
		return nil, fmt.Errorf("parsing schedule: %w", err)
	}
	for _, e := range entries {
		cfg.Schedule = append(cfg.Schedule, models.ScheduleEntry{
			Spec:   strings.TrimSpace(e.Spec),
			Action: strings.ToLower(strings.TrimSpace(e.Action)),
		})
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SettingsPath returns the file holding the mutable settings for a config loaded from configPath.
func SettingsPath(cfg *models.DaemonConfig, configPath string) string {
	if cfg.SettingsFile != "" {
		return cfg.SettingsFile
	}
	return configPath
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// ConfigFileUsed returns the path of the loaded config file.
func (p *Parser) ConfigFileUsed() string {
	return p.v.ConfigFileUsed()
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.DaemonConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if net.ParseIP(cfg.Server.BindAddress).To4() == nil {
		return fmt.Errorf("server.bind_address must be an IPv4 address, got %q", cfg.Server.BindAddress)
	}
	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}

	switch cfg.Display.Backend {
	case models.BackendLocal, models.BackendNone:
	case models.BackendSSH:
		if cfg.Display.SSH == nil {
			return fmt.Errorf("display.ssh is required when display.backend is ssh")
		}
	default:
		return fmt.Errorf("display.backend must be one of: local, ssh, none")
	}

	if _, err := regexp.Compile(cfg.Display.AsleepPattern); err != nil {
		return fmt.Errorf("display.asleep_pattern: %w", err)
	}

	if cfg.Display.WOL != nil {
		if _, err := net.ParseMAC(cfg.Display.WOL.MACAddress); err != nil {
			return fmt.Errorf("display.wol.mac_address: %w", err)
		}
	}

	for i, e := range cfg.Schedule {
		if _, err := cron.ParseStandard(e.Spec); err != nil {
			return fmt.Errorf("schedule[%d].spec: %w", i, err)
		}
		if e.Action != models.ActionSleep && e.Action != models.ActionWake {
			return fmt.Errorf("schedule[%d].action must be one of: sleep, wake", i)
		}
	}

	return nil
}
