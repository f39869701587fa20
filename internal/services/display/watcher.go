package display

import (
	"context"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often the watcher queries the display state.
const DefaultPollInterval = 2 * time.Second

// StateQuerier reports whether the display is asleep.
type StateQuerier interface {
	QueryAsleep(ctx context.Context) (bool, error)
}

// BelievedState is the state the rest of the daemon currently assumes.
type BelievedState interface {
	IsAwake() bool
}

// Watcher polls the display state and emits a PowerEvent whenever it differs from the believed state.
type Watcher struct {
	querier  StateQuerier
	believed BelievedState
	interval time.Duration
	logger   zerolog.Logger
}

// NewWatcher creates a watcher polling every interval. With a nil believed state the watcher only
// compares against its own previous poll.
func NewWatcher(logger zerolog.Logger, querier StateQuerier, believed BelievedState, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		querier:  querier,
		believed: believed,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled and sends an event whenever the polled state disagrees with the
// believed one, so a request that the display did not follow is corrected on the next poll. The
// display is assumed awake before the first poll.
func (w *Watcher) Run(ctx context.Context, events chan<- models.PowerEvent) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	asleep := false
	failing := false

	for {
		// Read the belief before querying, so the query is never older than what it is compared to.
		if w.believed != nil {
			asleep = !w.believed.IsAwake()
		}
		current, err := w.querier.QueryAsleep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			// Warn once per outage, then stay quiet until a query succeeds.
			if !failing {
				w.logger.Warn().Err(err).Msg("display state query failed")
			} else {
				w.logger.Debug().Err(err).Msg("display state query failed")
			}
			failing = true
		case err == nil:
			if failing {
				w.logger.Info().Msg("display state query recovered")
				failing = false
			}
			if current != asleep {
				asleep = current
				select {
				case events <- models.PowerEvent{Asleep: current, Source: models.SourceWatcher}:
				case <-ctx.Done():
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
