// Package lifecycle starts, restarts and stops the command server, retrying failed binds.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/clock"
	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/rs/zerolog"
)

// DefaultRetryInterval is the delay before a failed bind is retried.
const DefaultRetryInterval = 10 * time.Second

const stopTimeout = 5 * time.Second

// CommandServer is the listener managed by the Manager.
type CommandServer interface {
	Start(port int) error
	Stop(ctx context.Context) error
}

// SettingsSource provides the current runtime settings.
type SettingsSource interface {
	Snapshot() models.Settings
}

// StatusRecorder receives listener state and bind errors.
type StatusRecorder interface {
	SetListening(listening bool)
	SetBindError(err error)
	ClearBindError()
}

// Manager owns the command server's running state. It is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	ready      bool
	running    bool
	backoff    clock.Timer
	backoffSeq uint64

	preview       bool
	retryInterval time.Duration
	server        CommandServer
	settings      SettingsSource
	status        StatusRecorder
	scheduler     clock.Scheduler
	logger        zerolog.Logger
}

// New creates a Manager. Nothing is started until MarkReady has been called.
func New(
	logger zerolog.Logger,
	server CommandServer,
	settings SettingsSource,
	status StatusRecorder,
	scheduler clock.Scheduler,
	retryInterval time.Duration,
	preview bool,
) *Manager {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Manager{
		preview:       preview,
		retryInterval: retryInterval,
		server:        server,
		settings:      settings,
		status:        status,
		scheduler:     scheduler,
		logger:        logger,
	}
}

// MarkReady opens the gate for Start. It is called once initialization has finished.
func (m *Manager) MarkReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = true
}

// Running reports whether the command server currently holds its port.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start binds the command server on the configured port. A running server is left alone unless
// forceRestartIfRunning is set. A bind failure is recorded and retried once after the retry interval.
func (m *Manager) Start(forceRestartIfRunning bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(forceRestartIfRunning)
}

// Stop releases the port and cancels any pending retry.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelBackoffLocked()
	m.status.ClearBindError()
	if !m.running {
		return nil
	}
	return m.stopServerLocked()
}

func (m *Manager) startLocked(force bool) error {
	switch {
	case !m.ready:
		m.logger.Debug().Msg("not ready, command server start deferred")
		return nil
	case m.preview:
		m.logger.Debug().Msg("preview mode, command server not started")
		return nil
	case m.running && !force:
		return nil
	}

	m.cancelBackoffLocked()
	if m.running {
		if err := m.stopServerLocked(); err != nil {
			m.logger.Warn().Err(err).Msg("command server did not stop cleanly before restart")
		}
	}

	port := m.settings.Snapshot().ListenPort
	if err := m.server.Start(port); err != nil {
		m.running = false
		m.status.SetListening(false)
		m.status.SetBindError(err)
		m.logger.Error().
			Err(err).
			Int("port", port).
			Dur("retry_in", m.retryInterval).
			Msg("command server failed to start")
		m.armBackoffLocked()
		return err
	}

	m.running = true
	m.status.SetListening(true)
	m.status.ClearBindError()
	return nil
}

func (m *Manager) stopServerLocked() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	err := m.server.Stop(ctx)
	m.running = false
	m.status.SetListening(false)
	return err
}

func (m *Manager) armBackoffLocked() {
	m.cancelBackoffLocked()
	seq := m.backoffSeq
	m.backoff = m.scheduler.AfterFunc(m.retryInterval, func() {
		m.retry(seq)
	})
}

func (m *Manager) retry(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != m.backoffSeq || m.backoff == nil {
		return
	}
	m.backoff = nil
	if m.running {
		return
	}

	m.logger.Info().Msg("retrying command server start")
	_ = m.startLocked(false)
}

func (m *Manager) cancelBackoffLocked() {
	m.backoffSeq++
	if m.backoff != nil {
		m.backoff.Stop()
		m.backoff = nil
	}
}
