// Package display switches the display on and off through configured commands and watches its
// power state.
package display

import (
	"context"
	"fmt"
	"regexp"

	"github.com/fgeck/autooffice-daemon/internal/metrics"
	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/fgeck/autooffice-daemon/internal/services/ssh"
	"github.com/fgeck/autooffice-daemon/internal/services/wol"
	"github.com/rs/zerolog"
)

// Service defines the interface for display power operations.
type Service interface {
	RequestState(ctx context.Context, asleep bool) error
	QueryAsleep(ctx context.Context) (bool, error)
}

// Impl implements the display Service interface.
type Impl struct {
	cfg     models.DisplayConfig
	runner  Runner
	wolSvc  wol.Service
	pattern *regexp.Regexp
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a display service for the configured backend. sshSvc is only used by the ssh
// backend and wolSvc only when Wake-on-LAN is configured.
func New(logger zerolog.Logger, cfg models.DisplayConfig, sshSvc ssh.Service, wolSvc wol.Service, m *metrics.Metrics) (*Impl, error) {
	var runner Runner
	switch cfg.Backend {
	case models.BackendLocal, "":
		runner = NewLocalRunner(nil)
	case models.BackendSSH:
		if cfg.SSH == nil {
			return nil, fmt.Errorf("%w: ssh backend needs an ssh section", models.ErrConfigInvalid)
		}
		runner = NewSSHRunner(sshSvc, *cfg.SSH)
	case models.BackendNone:
		runner = noopRunner{}
	default:
		return nil, fmt.Errorf("%w: unknown display backend %q", models.ErrConfigInvalid, cfg.Backend)
	}
	return NewWithRunner(logger, cfg, runner, wolSvc, m)
}

// NewWithRunner creates a display service with a custom runner (for testing).
func NewWithRunner(logger zerolog.Logger, cfg models.DisplayConfig, runner Runner, wolSvc wol.Service, m *metrics.Metrics) (*Impl, error) {
	pattern, err := regexp.Compile(cfg.AsleepPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: asleep_pattern: %w", models.ErrConfigInvalid, err)
	}
	if cfg.WOL == nil {
		wolSvc = nil
	}
	return &Impl{
		cfg:     cfg,
		runner:  runner,
		wolSvc:  wolSvc,
		pattern: pattern,
		metrics: m,
		logger:  logger,
	}, nil
}

// RequestState puts the display to sleep or wakes it. A wake first sends a Wake-on-LAN packet
// when one is configured and waits for the host to come up.
func (s *Impl) RequestState(ctx context.Context, asleep bool) error {
	action, command := models.ActionWake, s.cfg.WakeCommand
	if asleep {
		action, command = models.ActionSleep, s.cfg.SleepCommand
	}

	if s.cfg.Backend == models.BackendNone {
		s.logger.Debug().Str("action", action).Msg("no display backend, request accepted without action")
		s.metrics.ObserveDisplayRequest(action, "skipped")
		return nil
	}

	if err := s.requestState(ctx, action, command, asleep); err != nil {
		s.metrics.ObserveDisplayRequest(action, "error")
		return err
	}
	s.metrics.ObserveDisplayRequest(action, "ok")
	return nil
}

func (s *Impl) requestState(ctx context.Context, action, command string, asleep bool) error {
	if !asleep && s.wolSvc != nil {
		result, err := s.wolSvc.Wake(ctx, *s.cfg.WOL)
		if err != nil {
			return fmt.Errorf("waking display host: %w", err)
		}
		if result.Error != nil {
			return fmt.Errorf("waking display host: %w", result.Error)
		}
	}

	s.logger.Info().Str("action", action).Str("command", command).Msg("running display command")

	if _, err := s.runner.Run(ctx, command); err != nil {
		return fmt.Errorf("display %s command: %w", action, err)
	}
	return nil
}

// QueryAsleep runs the state command and reports whether its output matches the asleep pattern.
func (s *Impl) QueryAsleep(ctx context.Context) (bool, error) {
	if s.cfg.Backend == models.BackendNone || s.cfg.StateCommand == "" {
		return false, errNoBackend
	}

	output, err := s.runner.Run(ctx, s.cfg.StateCommand)
	if err != nil {
		return false, fmt.Errorf("display state command: %w", err)
	}
	return s.pattern.MatchString(output), nil
}

// Watchable reports whether the display state can be polled.
func (s *Impl) Watchable() bool {
	return s.cfg.Backend != models.BackendNone && s.cfg.StateCommand != ""
}
