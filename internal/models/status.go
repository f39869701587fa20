package models

import "time"

// Status is the observable runtime state published to UI and telemetry consumers.
type Status struct {
	IsAwake     bool      `json:"isAwake"`
	Listening   bool      `json:"listening"`
	LastError   string    `json:"lastError,omitempty"`
	BindError   string    `json:"bindError,omitempty"`
	ReportError string    `json:"reportError,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
