package models

import "time"

// Display backends.
const (
	BackendLocal = "local"
	BackendSSH   = "ssh"
	BackendNone  = "none"
)

// DisplayConfig holds the display power backend configuration.
type DisplayConfig struct {
	Backend       string
	SleepCommand  string
	WakeCommand   string
	StateCommand  string // empty disables the event watcher
	AsleepPattern string
	PollInterval  time.Duration
	SSH           *SSHConfig // required for BackendSSH
	WOL           *WOLConfig // nil if not configured
}
