package models

import "time"

// WOLConfig holds Wake-on-LAN configuration for a remote display host.
type WOLConfig struct {
	MACAddress   string
	BroadcastIP  string
	ReadyAddress string        // host:port that accepts TCP connections once the host is up
	Timeout      time.Duration // max time to wait for ReadyAddress
	PollInterval time.Duration // how often to dial ReadyAddress
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
