// Package schedule runs display actions on cron schedules.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const actionTimeout = 3 * time.Minute

// Actions are the display actions a schedule entry can trigger.
type Actions interface {
	SleepNow(ctx context.Context) error
	WakeNow(ctx context.Context) error
}

// Scheduler manages the configured cron entries.
type Scheduler struct {
	cron    *cron.Cron
	entries map[cron.EntryID]models.ScheduleEntry
	actions Actions
	logger  zerolog.Logger
}

// New creates a scheduler with one cron job per entry.
func New(logger zerolog.Logger, entries []models.ScheduleEntry, actions Actions) (*Scheduler, error) {
	cronLogger := cronLogAdapter{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		entries: make(map[cron.EntryID]models.ScheduleEntry, len(entries)),
		actions: actions,
		logger:  logger,
	}

	for _, entry := range entries {
		action := entry.Action
		if action != models.ActionSleep && action != models.ActionWake {
			return nil, fmt.Errorf("%w: schedule %q: unknown action %q", models.ErrConfigInvalid, entry.Spec, action)
		}
		id, err := s.cron.AddFunc(entry.Spec, func() { s.execute(action) })
		if err != nil {
			return nil, fmt.Errorf("%w: schedule %q: %w", models.ErrConfigInvalid, entry.Spec, err)
		}
		s.entries[id] = entry
	}

	return s, nil
}

// Len returns the number of scheduled entries.
func (s *Scheduler) Len() int {
	return len(s.entries)
}

// Next returns the next activation time of every entry, keyed by its spec and action.
func (s *Scheduler) Next() map[string]time.Time {
	next := make(map[string]time.Time, len(s.entries))
	for _, e := range s.cron.Entries() {
		entry := s.entries[e.ID]
		next[entry.Spec+" "+entry.Action] = e.Next
	}
	return next
}

// Run starts the cron ticker and blocks until ctx is cancelled, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		<-ctx.Done()
		return nil
	}

	s.cron.Start()
	s.logger.Info().Int("entries", len(s.entries)).Msg("schedule started")

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("schedule stopped")
	return nil
}

func (s *Scheduler) execute(action string) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	s.logger.Info().Str("action", action).Msg("running scheduled action")

	var err error
	switch action {
	case models.ActionSleep:
		err = s.actions.SleepNow(ctx)
	case models.ActionWake:
		err = s.actions.WakeNow(ctx)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("scheduled action failed")
	}
}

// cronLogAdapter routes cron's logging into zerolog.
type cronLogAdapter struct {
	logger zerolog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
