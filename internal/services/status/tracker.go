// Package status tracks the daemon's observable runtime state and fans it out to subscribers.
package status

import (
	"sync"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/rs/zerolog"
)

const subscriberBuffer = 16

// Tracker holds the current models.Status. It is safe for concurrent use.
type Tracker struct {
	mu          sync.RWMutex
	cur         models.Status
	seq         uint64
	bindSeq     uint64
	reportSeq   uint64
	subscribers map[chan models.Status]struct{}
	now         func() time.Time
	logger      zerolog.Logger
}

// New creates a tracker for a daemon that starts awake and not listening.
func New(logger zerolog.Logger) *Tracker {
	t := &Tracker{
		subscribers: make(map[chan models.Status]struct{}),
		now:         time.Now,
		logger:      logger,
	}
	t.cur.IsAwake = true
	t.cur.UpdatedAt = t.now()
	return t
}

// Snapshot returns the current status.
func (t *Tracker) Snapshot() models.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

// Subscribe returns a channel receiving every status change and a function that cancels the
// subscription. Updates are dropped for subscribers that fall behind.
func (t *Tracker) Subscribe() (<-chan models.Status, func()) {
	ch := make(chan models.Status, subscriberBuffer)

	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, ch)
			t.mu.Unlock()
		})
	}
}

// SetAwake records the believed display state.
func (t *Tracker) SetAwake(awake bool) {
	t.update(func(s *models.Status) bool {
		if s.IsAwake == awake {
			return false
		}
		s.IsAwake = awake
		return true
	})
}

// SetListening records whether the command server holds its port.
func (t *Tracker) SetListening(listening bool) {
	t.update(func(s *models.Status) bool {
		if s.Listening == listening {
			return false
		}
		s.Listening = listening
		return true
	})
}

// SetBindError records a command server bind failure.
func (t *Tracker) SetBindError(err error) {
	if err == nil {
		t.ClearBindError()
		return
	}
	t.update(func(s *models.Status) bool {
		t.seq++
		t.bindSeq = t.seq
		s.BindError = err.Error()
		return true
	})
}

// ClearBindError clears the bind error after a successful bind or an explicit stop.
func (t *Tracker) ClearBindError() {
	t.update(func(s *models.Status) bool {
		if s.BindError == "" {
			return false
		}
		s.BindError = ""
		t.bindSeq = 0
		return true
	})
}

// RecordReport applies the outcome of a status report. A failure sets the report error, a
// delivered report clears it and a suppressed report leaves it untouched.
func (t *Tracker) RecordReport(result *models.ReportResult) {
	if result == nil || result.Suppressed {
		return
	}
	if result.Error != nil {
		msg := result.Error.Error()
		t.update(func(s *models.Status) bool {
			t.seq++
			t.reportSeq = t.seq
			s.ReportError = msg
			return true
		})
		return
	}
	if !result.Sent {
		return
	}
	t.update(func(s *models.Status) bool {
		if s.ReportError == "" {
			return false
		}
		s.ReportError = ""
		t.reportSeq = 0
		return true
	})
}

// update applies fn under the lock and publishes the result when fn reports a change.
func (t *Tracker) update(fn func(s *models.Status) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !fn(&t.cur) {
		return
	}
	t.cur.LastError = t.lastError()
	t.cur.UpdatedAt = t.now()

	snapshot := t.cur
	for ch := range t.subscribers {
		select {
		case ch <- snapshot:
		default:
			t.logger.Debug().Msg("status subscriber is behind, dropping update")
		}
	}
}

// lastError is the most recently recorded error that is still set.
func (t *Tracker) lastError() string {
	switch {
	case t.cur.BindError != "" && t.cur.ReportError != "":
		if t.bindSeq > t.reportSeq {
			return t.cur.BindError
		}
		return t.cur.ReportError
	case t.cur.BindError != "":
		return t.cur.BindError
	default:
		return t.cur.ReportError
	}
}
