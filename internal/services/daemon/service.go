// Package daemon wires the display power components together and runs them.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/fgeck/autooffice-daemon/internal/clock"
	"github.com/fgeck/autooffice-daemon/internal/config"
	"github.com/fgeck/autooffice-daemon/internal/metrics"
	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/fgeck/autooffice-daemon/internal/services/display"
	"github.com/fgeck/autooffice-daemon/internal/services/lifecycle"
	"github.com/fgeck/autooffice-daemon/internal/services/notifier"
	"github.com/fgeck/autooffice-daemon/internal/services/power"
	"github.com/fgeck/autooffice-daemon/internal/services/schedule"
	"github.com/fgeck/autooffice-daemon/internal/services/server"
	"github.com/fgeck/autooffice-daemon/internal/services/ssh"
	"github.com/fgeck/autooffice-daemon/internal/services/status"
	"github.com/fgeck/autooffice-daemon/internal/services/statusapi"
	"github.com/fgeck/autooffice-daemon/internal/services/wol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Service defines the interface for the daemon.
type Service interface {
	Run(ctx context.Context) error
	Status() models.Status
}

// WatchableStore is a settings store that can notify about external edits.
type WatchableStore interface {
	config.Store
	Watch(ctx context.Context, onChange func()) error
}

// Services are the outward-facing dependencies of the daemon, replaceable in tests.
type Services struct {
	Display   display.Service
	Notifier  notifier.Service
	SSH       ssh.Service // only used by the ssh display backend
	Scheduler clock.Scheduler
}

// Impl implements the daemon Service interface.
type Impl struct {
	cfg       models.DaemonConfig
	store     config.Store
	settings  *config.Settings
	tracker   *status.Tracker
	power     *power.Controller
	display   display.Service
	watcher   *display.Watcher // nil when the display state cannot be polled
	server    *server.Impl
	lifecycle *lifecycle.Manager
	schedule  *schedule.Scheduler
	statusAPI *statusapi.Server // nil when not configured
	sshSvc    ssh.Service
	events    chan models.PowerEvent
	registry  *prometheus.Registry
	logger    zerolog.Logger
}

// New creates a daemon with the production services for cfg.
func New(logger zerolog.Logger, cfg *models.DaemonConfig, store config.Store) (*Impl, error) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	sshSvc := ssh.New(component(logger, "ssh"))
	displaySvc, err := display.New(
		component(logger, "display"),
		cfg.Display,
		sshSvc,
		wol.New(component(logger, "wol")),
		m,
	)
	if err != nil {
		return nil, err
	}

	return newImpl(logger, cfg, store, Services{
		Display:   displaySvc,
		Notifier:  notifier.New(component(logger, "notifier"), cfg.Report.Timeout, m),
		SSH:       sshSvc,
		Scheduler: clock.Real{},
	}, registry, m)
}

// NewWithServices creates a daemon with custom services (for testing).
func NewWithServices(logger zerolog.Logger, cfg *models.DaemonConfig, store config.Store, svcs Services) (*Impl, error) {
	registry := prometheus.NewRegistry()
	return newImpl(logger, cfg, store, svcs, registry, metrics.New(registry))
}

func newImpl(
	logger zerolog.Logger,
	cfg *models.DaemonConfig,
	store config.Store,
	svcs Services,
	registry *prometheus.Registry,
	m *metrics.Metrics,
) (*Impl, error) {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d := &Impl{
		cfg:      *cfg,
		store:    store,
		settings: config.LoadSettings(store, component(logger, "settings")),
		tracker:  status.New(component(logger, "status")),
		display:  svcs.Display,
		sshSvc:   svcs.SSH,
		events:   make(chan models.PowerEvent, 8),
		registry: registry,
		logger:   logger,
	}

	d.power = power.New(
		component(logger, "power"),
		d.settings,
		svcs.Display,
		svcs.Notifier,
		svcs.Scheduler,
		d.tracker,
		m,
	)

	d.server = server.New(
		component(logger, "server"),
		cfg.Server.BindAddress,
		d.power,
		d.settings,
		server.NewLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		m,
	)

	d.lifecycle = lifecycle.New(
		component(logger, "lifecycle"),
		d.server,
		d.settings,
		d.tracker,
		svcs.Scheduler,
		cfg.Server.RetryInterval,
		cfg.Preview,
	)

	if cfg.Display.Backend != models.BackendNone && cfg.Display.StateCommand != "" {
		d.watcher = display.NewWatcher(component(logger, "watcher"), svcs.Display, d.power, cfg.Display.PollInterval)
	}

	sched, err := schedule.New(component(logger, "schedule"), cfg.Schedule, d)
	if err != nil {
		return nil, err
	}
	d.schedule = sched

	if cfg.Status != nil && cfg.Status.Addr != "" {
		d.statusAPI = statusapi.New(component(logger, "statusapi"), cfg.Status.Addr, d.tracker, registry)
	}

	return d, nil
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Run starts the command server, reports the current display state once and runs the event
// feed, status listener, schedule and settings watcher until ctx is cancelled.
func (d *Impl) Run(ctx context.Context) error {
	s := d.settings.Snapshot()
	d.logger.Info().
		Bool("enabled", s.Enabled).
		Int("listen_port", s.ListenPort).
		Str("report_to", fmt.Sprintf("%s:%d", s.ReportToAddress, s.ReportToPort)).
		Str("display_backend", d.cfg.Display.Backend).
		Bool("preview", d.cfg.Preview).
		Msg("starting autooffice daemon")

	d.checkDisplayHost(ctx)

	d.lifecycle.MarkReady()
	if s.Enabled {
		// A bind failure is recorded and retried by the lifecycle manager.
		_ = d.lifecycle.Start(false)
	}
	d.power.Report()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-d.events:
				d.power.HandleEvent(ev)
			}
		}
	})

	if d.watcher != nil {
		g.Go(func() error {
			return d.watcher.Run(ctx, d.events)
		})
	}

	g.Go(func() error {
		return d.schedule.Run(ctx)
	})

	if d.statusAPI != nil {
		g.Go(func() error {
			if err := d.statusAPI.Run(ctx); err != nil {
				d.logger.Error().Err(err).Msg("status listener failed, continuing without it")
			}
			return nil
		})
	}

	if ws, ok := d.store.(WatchableStore); ok {
		g.Go(func() error {
			if err := ws.Watch(ctx, d.reloadSettings); err != nil {
				d.logger.Error().Err(err).Msg("settings watcher failed, file edits need a restart")
			}
			return nil
		})
	}

	runErr := g.Wait()

	d.logger.Info().Msg("shutting down")
	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("command server did not stop cleanly")
	}
	d.server.Close()
	d.power.Close()
	if d.sshSvc != nil {
		_ = d.sshSvc.Close()
	}

	return runErr
}

// checkDisplayHost verifies the ssh backend can reach its host. Failures are only logged,
// since the host may be asleep.
func (d *Impl) checkDisplayHost(ctx context.Context) {
	if d.cfg.Display.Backend != models.BackendSSH || d.cfg.Display.SSH == nil || d.sshSvc == nil {
		return
	}
	cfg := *d.cfg.Display.SSH

	result, err := d.sshSvc.TestConnection(ctx, cfg)
	switch {
	case err != nil:
		d.logger.Warn().Err(err).Str("host", cfg.Host).Msg("display host check failed")
	case result.Error != nil:
		d.logger.Warn().Err(result.Error).Str("host", cfg.Host).Msg("display host not reachable yet")
	default:
		d.logger.Info().Str("host", cfg.Host).Msg("display host reachable")
	}
}

// HandleEvent feeds a display power event from an external source into the state machine.
func (d *Impl) HandleEvent(ev models.PowerEvent) {
	d.power.HandleEvent(ev)
}

// Status returns the combined runtime status.
func (d *Impl) Status() models.Status {
	s := d.tracker.Snapshot()
	s.IsAwake = d.power.IsAwake()
	return s
}

// Settings returns the current settings.
func (d *Impl) Settings() models.Settings {
	return d.settings.Snapshot()
}

// Registry returns the daemon's metrics registry.
func (d *Impl) Registry() *prometheus.Registry {
	return d.registry
}

// SleepNow puts the display to sleep even when the daemon is disabled.
func (d *Impl) SleepNow(ctx context.Context) error {
	return d.power.RequestState(ctx, true, true)
}

// WakeNow wakes the display even when the daemon is disabled.
func (d *Impl) WakeNow(ctx context.Context) error {
	return d.power.RequestState(ctx, false, true)
}

// SetEnabled turns the daemon on or off, starting or stopping the command server.
func (d *Impl) SetEnabled(v bool) error {
	changed, err := d.settings.SetEnabled(v)
	if err != nil || !changed {
		return err
	}
	if v {
		d.restartServer()
		return nil
	}
	return d.lifecycle.Stop()
}

// SetListenPort changes the command server port, rebinding when enabled.
func (d *Impl) SetListenPort(port int) error {
	changed, err := d.settings.SetListenPort(port)
	if err != nil || !changed {
		return err
	}
	if d.settings.Snapshot().Enabled {
		d.restartServer()
	}
	return nil
}

// SetReportTarget changes the remote bridge address and port.
func (d *Impl) SetReportTarget(address string, port int) error {
	_, err := d.settings.SetReportTarget(address, port)
	return err
}

// SetReportAccessoryName changes the accessory id sent with reports.
func (d *Impl) SetReportAccessoryName(name string) error {
	_, err := d.settings.SetReportAccessoryName(name)
	return err
}

// SetSleepReportDelay changes the sleep report debounce. It applies from the next sleep.
func (d *Impl) SetSleepReportDelay(wait bool, seconds int) error {
	_, err := d.settings.SetSleepReportDelay(wait, seconds)
	return err
}

// SetRespondToSleepRequest allows or denies /sleep.
func (d *Impl) SetRespondToSleepRequest(v bool) error {
	_, err := d.settings.SetRespondToSleepRequest(v)
	return err
}

// SetRespondToWakeRequest allows or denies /wake.
func (d *Impl) SetRespondToWakeRequest(v bool) error {
	_, err := d.settings.SetRespondToWakeRequest(v)
	return err
}

// ApplySettings calls the command methods for every field of next that differs from the
// current settings. Invalid fields are skipped and reported together.
func (d *Impl) ApplySettings(next models.Settings) error {
	cur := d.settings.Snapshot()
	var errs []error

	// Disable before and enable after the other fields, so a port change never binds needlessly.
	if cur.Enabled && !next.Enabled {
		errs = append(errs, d.SetEnabled(false))
	}
	if cur.ListenPort != next.ListenPort {
		errs = append(errs, d.SetListenPort(next.ListenPort))
	}
	if cur.ReportToAddress != next.ReportToAddress || cur.ReportToPort != next.ReportToPort {
		errs = append(errs, d.SetReportTarget(next.ReportToAddress, next.ReportToPort))
	}
	if cur.ReportAccessoryName != next.ReportAccessoryName {
		errs = append(errs, d.SetReportAccessoryName(next.ReportAccessoryName))
	}
	if cur.WaitBeforeReportingSleep != next.WaitBeforeReportingSleep ||
		cur.SecondsBeforeReportingSleep != next.SecondsBeforeReportingSleep {
		errs = append(errs, d.SetSleepReportDelay(next.WaitBeforeReportingSleep, next.SecondsBeforeReportingSleep))
	}
	if cur.RespondToSleepRequest != next.RespondToSleepRequest {
		errs = append(errs, d.SetRespondToSleepRequest(next.RespondToSleepRequest))
	}
	if cur.RespondToWakeRequest != next.RespondToWakeRequest {
		errs = append(errs, d.SetRespondToWakeRequest(next.RespondToWakeRequest))
	}
	if !cur.Enabled && next.Enabled {
		errs = append(errs, d.SetEnabled(true))
	}

	return errors.Join(errs...)
}

func (d *Impl) restartServer() {
	// Bind failures are recorded and retried by the lifecycle manager.
	_ = d.lifecycle.Start(true)
}

func (d *Impl) reloadSettings() {
	next := config.ReadSettings(d.store, d.logger)
	if err := d.ApplySettings(next); err != nil {
		d.logger.Warn().Err(err).Msg("some settings from the edited file were rejected")
	}
}
