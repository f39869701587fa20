package models

import "time"

// Power event sources.
const (
	SourceWatcher = "watcher"
	SourceRequest = "request"
)

// PowerEvent reports that the display went to sleep or woke up.
type PowerEvent struct {
	Asleep bool
	Source string // SourceWatcher or SourceRequest
}

// StatusResponse is the JSON body returned by /status, /wake and /sleep.
type StatusResponse struct {
	IsAwake int `json:"isAwake"`
}

// NewStatusResponse encodes the awake flag the way the remote bridges expect it (0 or 1).
func NewStatusResponse(awake bool) StatusResponse {
	if awake {
		return StatusResponse{IsAwake: 1}
	}
	return StatusResponse{IsAwake: 0}
}

// ReportRequest describes a single status report to the remote accessory bridge.
type ReportRequest struct {
	Enabled   bool
	Address   string
	Port      int
	Accessory string
	Awake     bool
}

// ReportResult holds the result of a status report.
type ReportResult struct {
	Suppressed bool
	Sent       bool
	URL        string
	StatusCode int
	Duration   time.Duration
	Error      error
}
