// Package models contains the data structures used throughout autooffice-daemon.
package models

import "time"

// DaemonConfig holds the static configuration loaded from the config file.
type DaemonConfig struct {
	Preview      bool   // suppresses command server startup (test/preview harness)
	SettingsFile string // file holding the mutable settings; empty means the config file itself
	Server       ServerConfig
	Report       ReportConfig
	Display      DisplayConfig
	Status       *StatusConfig   // nil if not configured
	Schedule     []ScheduleEntry // empty if not configured
}

// ServerConfig holds command server settings that are not user-tunable at runtime.
type ServerConfig struct {
	BindAddress   string
	RetryInterval time.Duration
	RateLimit     float64 // requests per second for /wake and /sleep, 0 = unlimited
	RateBurst     int
}

// ReportConfig holds outbound report settings.
type ReportConfig struct {
	Timeout time.Duration
}

// StatusConfig holds the observability listener configuration.
type StatusConfig struct {
	Addr string
}

// Schedule actions.
const (
	ActionSleep = "sleep"
	ActionWake  = "wake"
)

// ScheduleEntry is a cron spec bound to a display action.
type ScheduleEntry struct {
	Spec   string
	Action string // ActionSleep or ActionWake
}

// Settings holds the user-tunable, persisted settings.
type Settings struct {
	Enabled                     bool
	ListenPort                  int
	ReportToAddress             string
	ReportToPort                int
	ReportAccessoryName         string
	WaitBeforeReportingSleep    bool
	SecondsBeforeReportingSleep int
	RespondToSleepRequest       bool
	RespondToWakeRequest        bool
}

// Settings defaults, used when nothing has been persisted yet.
const (
	DefaultListenPort                  = 8182
	DefaultReportToAddress             = "192.168.1.231"
	DefaultReportToPort                = 51931
	DefaultReportAccessoryName         = "Macintosh"
	DefaultSecondsBeforeReportingSleep = 60
)

// DefaultSettings returns the settings used on first start.
func DefaultSettings() Settings {
	return Settings{
		Enabled:                     true,
		ListenPort:                  DefaultListenPort,
		ReportToAddress:             DefaultReportToAddress,
		ReportToPort:                DefaultReportToPort,
		ReportAccessoryName:         DefaultReportAccessoryName,
		WaitBeforeReportingSleep:    false,
		SecondsBeforeReportingSleep: DefaultSecondsBeforeReportingSleep,
		RespondToSleepRequest:       true,
		RespondToWakeRequest:        true,
	}
}

// SleepReportDelay returns how long a sleep report is held back, 0 if it is sent immediately.
func (s Settings) SleepReportDelay() time.Duration {
	if !s.WaitBeforeReportingSleep || s.SecondsBeforeReportingSleep <= 0 {
		return 0
	}
	return time.Duration(s.SecondsBeforeReportingSleep) * time.Second
}
