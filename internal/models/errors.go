package models

import "errors"

var (
	// ErrBind is returned when the command server cannot acquire its port.
	ErrBind = errors.New("bind failure")
	// ErrReport is returned when the remote bridge rejects or misses a status report.
	ErrReport = errors.New("report failure")
	// ErrConfigInvalid is returned for out-of-range configuration values.
	ErrConfigInvalid = errors.New("invalid configuration")
)
