// Package power tracks the believed display power state and decides when to report it.
package power

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/clock"
	"github.com/fgeck/autooffice-daemon/internal/metrics"
	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/fgeck/autooffice-daemon/internal/services/notifier"
	"github.com/rs/zerolog"
)

// ErrDisabled is returned by RequestState when the daemon is disabled and the request is not forced.
var ErrDisabled = errors.New("daemon is disabled")

// DisplayController changes the physical display power state.
type DisplayController interface {
	RequestState(ctx context.Context, asleep bool) error
}

// SettingsSource provides the current runtime settings.
type SettingsSource interface {
	Snapshot() models.Settings
}

// Recorder receives state changes and report outcomes.
type Recorder interface {
	SetAwake(awake bool)
	RecordReport(result *models.ReportResult)
}

// Controller is the two-state (awake, asleep) power state machine.
type Controller struct {
	mu         sync.Mutex
	asleep     bool
	pending    clock.Timer
	pendingSeq uint64
	lastReport chan struct{} // closed once the most recently started report is recorded

	awake    atomic.Bool
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	settings  SettingsSource
	display   DisplayController
	notifier  notifier.Service
	scheduler clock.Scheduler
	recorder  Recorder
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New creates a controller in the awake state.
func New(
	logger zerolog.Logger,
	settings SettingsSource,
	display DisplayController,
	notifierSvc notifier.Service,
	scheduler clock.Scheduler,
	recorder Recorder,
	m *metrics.Metrics,
) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		ctx:       ctx,
		cancel:    cancel,
		settings:  settings,
		display:   display,
		notifier:  notifierSvc,
		scheduler: scheduler,
		recorder:  recorder,
		metrics:   m,
		logger:    logger,
	}
	c.awake.Store(true)
	return c
}

// IsAwake returns the believed display state without taking the state lock.
func (c *Controller) IsAwake() bool {
	return c.awake.Load()
}

// HandleEvent applies a display power event. Repeated events for the current state are ignored.
func (c *Controller) HandleEvent(ev models.PowerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Asleep == c.asleep {
		c.logger.Debug().Bool("asleep", ev.Asleep).Str("source", ev.Source).Msg("display state unchanged")
		return
	}

	c.asleep = ev.Asleep
	c.awake.Store(!ev.Asleep)
	c.recorder.SetAwake(!ev.Asleep)
	c.metrics.ObserveTransition(stateName(!ev.Asleep))

	c.logger.Info().
		Str("state", stateName(!ev.Asleep)).
		Str("source", ev.Source).
		Msg("display state changed")

	if !ev.Asleep {
		c.cancelPendingLocked()
		c.reportLocked()
		return
	}

	delay := c.settings.Snapshot().SleepReportDelay()
	if delay == 0 {
		c.reportLocked()
		return
	}
	c.armLocked(delay)
}

// RequestState asks the display to sleep or wake. Unless force is set, nothing happens while the
// daemon is disabled. A request for the current state is a no-op.
func (c *Controller) RequestState(ctx context.Context, asleep, force bool) error {
	if !force && !c.settings.Snapshot().Enabled {
		return ErrDisabled
	}
	if c.awake.Load() != asleep {
		c.logger.Debug().Bool("asleep", asleep).Msg("display already in requested state")
		return nil
	}

	if err := c.display.RequestState(ctx, asleep); err != nil {
		return fmt.Errorf("display %s request: %w", actionName(asleep), err)
	}

	// Synchronous backends emit no event of their own.
	c.HandleEvent(models.PowerEvent{Asleep: asleep, Source: models.SourceRequest})
	return nil
}

// Report sends the current state to the remote bridge now.
func (c *Controller) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reportLocked()
}

// Wait blocks until every report started so far has been recorded.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// Close cancels the pending sleep report and in-flight reports, then waits for them to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelPendingLocked()
	c.mu.Unlock()

	c.cancel()
	c.inflight.Wait()
}

func (c *Controller) armLocked(delay time.Duration) {
	c.cancelPendingLocked()
	seq := c.pendingSeq

	c.logger.Debug().Dur("delay", delay).Msg("holding back sleep report")
	c.pending = c.scheduler.AfterFunc(delay, func() {
		c.fire(seq)
	})
}

func (c *Controller) fire(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A timer stopped after it started running must not report.
	if seq != c.pendingSeq || c.pending == nil || !c.asleep {
		return
	}
	c.pending = nil
	c.reportLocked()
}

func (c *Controller) cancelPendingLocked() {
	c.pendingSeq++
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
		c.logger.Debug().Msg("pending sleep report cancelled")
	}
}

// reportLocked queues a report of the current state. Reports are sent and recorded one at a time,
// in the order they were queued, so the bridge and the tracker always end with the newest state.
func (c *Controller) reportLocked() {
	s := c.settings.Snapshot()
	req := models.ReportRequest{
		Enabled:   s.Enabled,
		Address:   s.ReportToAddress,
		Port:      s.ReportToPort,
		Accessory: s.ReportAccessoryName,
		Awake:     !c.asleep,
	}

	prev := c.lastReport
	done := make(chan struct{})
	c.lastReport = done

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		if result, ok := <-c.notifier.ReportAsync(c.ctx, req); ok {
			c.recorder.RecordReport(result)
		}
	}()
}

func actionName(asleep bool) string {
	if asleep {
		return models.ActionSleep
	}
	return models.ActionWake
}

func stateName(awake bool) string {
	if awake {
		return "awake"
	}
	return "asleep"
}
