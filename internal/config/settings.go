package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
)

// Settings store keys.
const (
	KeyEnabled                     = "enabled"
	KeyListenPort                  = "listen_port"
	KeyReportToAddress             = "report_to_address"
	KeyReportToPort                = "report_to_port"
	KeyReportAccessoryName         = "report_accessory_name"
	KeyWaitBeforeReportingSleep    = "wait_before_reporting_sleep"
	KeySecondsBeforeReportingSleep = "seconds_before_reporting_sleep"
	KeyRespondToSleepRequest       = "respond_to_sleep_request"
	KeyRespondToWakeRequest        = "respond_to_wake_request"
)

// Keys returns every settings key in sorted order.
func Keys() []string {
	keys := []string{
		KeyEnabled,
		KeyListenPort,
		KeyReportToAddress,
		KeyReportToPort,
		KeyReportAccessoryName,
		KeyWaitBeforeReportingSleep,
		KeySecondsBeforeReportingSleep,
		KeyRespondToSleepRequest,
		KeyRespondToWakeRequest,
	}
	sort.Strings(keys)
	return keys
}

// ReadSettings loads settings from the store.
//
// The listen port doubles as the "initialized" marker: if it is missing or not positive,
// every field takes its default. Otherwise fields are read one by one, and values that are
// out of range are replaced by their defaults.
//
//nolint:gocognit,gocyclo // one branch per setting
func ReadSettings(store Store, logger zerolog.Logger) models.Settings {
	s := models.DefaultSettings()

	raw, ok := store.Get(KeyListenPort)
	if !ok {
		return s
	}
	port, err := cast.ToIntE(raw)
	if err != nil || port <= 0 {
		return s
	}

	invalid := func(key string, value any) {
		logger.Warn().
			Err(models.ErrConfigInvalid).
			Str("key", key).
			Interface("value", value).
			Msg("invalid setting, using default")
	}

	if port > 65535 {
		invalid(KeyListenPort, port)
		port = models.DefaultListenPort
	}
	s.ListenPort = port

	s.Enabled = readBool(store, KeyEnabled, invalid)
	s.WaitBeforeReportingSleep = readBool(store, KeyWaitBeforeReportingSleep, invalid)
	s.RespondToSleepRequest = readBool(store, KeyRespondToSleepRequest, invalid)
	s.RespondToWakeRequest = readBool(store, KeyRespondToWakeRequest, invalid)

	if v, ok := store.Get(KeyReportToAddress); ok {
		if addr := strings.TrimSpace(cast.ToString(v)); addr != "" {
			s.ReportToAddress = addr
		}
	}
	if v, ok := store.Get(KeyReportAccessoryName); ok {
		if name := strings.TrimSpace(cast.ToString(v)); name != "" {
			s.ReportAccessoryName = name
		}
	}

	if v, ok := store.Get(KeyReportToPort); ok {
		p, err := cast.ToIntE(v)
		switch {
		case err != nil || p > 65535:
			invalid(KeyReportToPort, v)
		case p >= 1:
			s.ReportToPort = p
		}
	}

	s.SecondsBeforeReportingSleep = 0
	if v, ok := store.Get(KeySecondsBeforeReportingSleep); ok {
		seconds, err := cast.ToIntE(v)
		if err != nil || seconds < 0 {
			invalid(KeySecondsBeforeReportingSleep, v)
			seconds = models.DefaultSecondsBeforeReportingSleep
		}
		s.SecondsBeforeReportingSleep = seconds
	}

	return s
}

func readBool(store Store, key string, invalid func(string, any)) bool {
	v, ok := store.Get(key)
	if !ok {
		return false
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		invalid(key, v)
		return false
	}
	return b
}

// Settings is the shared, persisted settings state. Every setter validates the new value,
// persists it and then updates the in-memory copy. Setters report whether the value changed.
type Settings struct {
	mu      sync.RWMutex
	store   Store
	current models.Settings
	logger  zerolog.Logger
}

// LoadSettings reads the settings from store.
func LoadSettings(store Store, logger zerolog.Logger) *Settings {
	return &Settings{
		store:   store,
		current: ReadSettings(store, logger),
		logger:  logger,
	}
}

// Snapshot returns a copy of the current settings.
func (s *Settings) Snapshot() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetEnabled sets the master switch.
func (s *Settings) SetEnabled(v bool) (bool, error) {
	return s.update(func(cur *models.Settings) map[string]any {
		if cur.Enabled == v {
			return nil
		}
		cur.Enabled = v
		return map[string]any{KeyEnabled: v}
	})
}

// SetListenPort sets the command server port.
func (s *Settings) SetListenPort(port int) (bool, error) {
	if err := validatePort(KeyListenPort, port); err != nil {
		return false, err
	}
	return s.update(func(cur *models.Settings) map[string]any {
		if cur.ListenPort == port {
			return nil
		}
		cur.ListenPort = port
		return map[string]any{KeyListenPort: port}
	})
}

// SetReportTarget sets the remote bridge address and port.
func (s *Settings) SetReportTarget(address string, port int) (bool, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return false, fmt.Errorf("%w: %s must not be empty", models.ErrConfigInvalid, KeyReportToAddress)
	}
	if err := validatePort(KeyReportToPort, port); err != nil {
		return false, err
	}
	return s.update(func(cur *models.Settings) map[string]any {
		changes := map[string]any{}
		if cur.ReportToAddress != address {
			cur.ReportToAddress = address
			changes[KeyReportToAddress] = address
		}
		if cur.ReportToPort != port {
			cur.ReportToPort = port
			changes[KeyReportToPort] = port
		}
		return changes
	})
}

// SetReportAccessoryName sets the accessory id embedded in reports.
func (s *Settings) SetReportAccessoryName(name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("%w: %s must not be empty", models.ErrConfigInvalid, KeyReportAccessoryName)
	}
	return s.update(func(cur *models.Settings) map[string]any {
		if cur.ReportAccessoryName == name {
			return nil
		}
		cur.ReportAccessoryName = name
		return map[string]any{KeyReportAccessoryName: name}
	})
}

// SetSleepReportDelay sets the sleep report debounce policy.
func (s *Settings) SetSleepReportDelay(wait bool, seconds int) (bool, error) {
	if seconds < 0 {
		return false, fmt.Errorf("%w: %s must not be negative", models.ErrConfigInvalid, KeySecondsBeforeReportingSleep)
	}
	return s.update(func(cur *models.Settings) map[string]any {
		changes := map[string]any{}
		if cur.WaitBeforeReportingSleep != wait {
			cur.WaitBeforeReportingSleep = wait
			changes[KeyWaitBeforeReportingSleep] = wait
		}
		if cur.SecondsBeforeReportingSleep != seconds {
			cur.SecondsBeforeReportingSleep = seconds
			changes[KeySecondsBeforeReportingSleep] = seconds
		}
		return changes
	})
}

// SetRespondToSleepRequest allows or denies /sleep.
func (s *Settings) SetRespondToSleepRequest(v bool) (bool, error) {
	return s.update(func(cur *models.Settings) map[string]any {
		if cur.RespondToSleepRequest == v {
			return nil
		}
		cur.RespondToSleepRequest = v
		return map[string]any{KeyRespondToSleepRequest: v}
	})
}

// SetRespondToWakeRequest allows or denies /wake.
func (s *Settings) SetRespondToWakeRequest(v bool) (bool, error) {
	return s.update(func(cur *models.Settings) map[string]any {
		if cur.RespondToWakeRequest == v {
			return nil
		}
		cur.RespondToWakeRequest = v
		return map[string]any{KeyRespondToWakeRequest: v}
	})
}

// Parse converts a raw string value for key into a Settings copy with that field changed.
// It is used by the CLI, which works on keys rather than typed setters.
func Parse(cur models.Settings, key, raw string) (models.Settings, error) {
	raw = strings.TrimSpace(raw)
	next := cur

	var err error
	switch key {
	case KeyEnabled:
		next.Enabled, err = cast.ToBoolE(raw)
	case KeyListenPort:
		next.ListenPort, err = cast.ToIntE(raw)
	case KeyReportToAddress:
		next.ReportToAddress = raw
	case KeyReportToPort:
		next.ReportToPort, err = cast.ToIntE(raw)
	case KeyReportAccessoryName:
		next.ReportAccessoryName = raw
	case KeyWaitBeforeReportingSleep:
		next.WaitBeforeReportingSleep, err = cast.ToBoolE(raw)
	case KeySecondsBeforeReportingSleep:
		next.SecondsBeforeReportingSleep, err = cast.ToIntE(raw)
	case KeyRespondToSleepRequest:
		next.RespondToSleepRequest, err = cast.ToBoolE(raw)
	case KeyRespondToWakeRequest:
		next.RespondToWakeRequest, err = cast.ToBoolE(raw)
	default:
		return cur, fmt.Errorf("unknown setting %q (valid: %s)", key, strings.Join(Keys(), ", "))
	}
	if err != nil {
		return cur, fmt.Errorf("%w: %s: %w", models.ErrConfigInvalid, key, err)
	}
	return next, nil
}

// Apply persists every field of next that differs from the current settings.
// It returns true if anything changed.
func (s *Settings) Apply(next models.Settings) (bool, error) {
	cur := s.Snapshot()
	steps := []func() (bool, error){
		func() (bool, error) { return s.SetEnabled(next.Enabled) },
		func() (bool, error) { return s.SetListenPort(next.ListenPort) },
		func() (bool, error) { return s.SetReportTarget(next.ReportToAddress, next.ReportToPort) },
		func() (bool, error) { return s.SetReportAccessoryName(next.ReportAccessoryName) },
		func() (bool, error) {
			return s.SetSleepReportDelay(next.WaitBeforeReportingSleep, next.SecondsBeforeReportingSleep)
		},
		func() (bool, error) { return s.SetRespondToSleepRequest(next.RespondToSleepRequest) },
		func() (bool, error) { return s.SetRespondToWakeRequest(next.RespondToWakeRequest) },
	}
	if cur == next {
		return false, nil
	}

	changed := false
	for _, step := range steps {
		c, err := step()
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

// update applies fn to a copy of the current settings and persists the keys it reports as
// changed. The first write to an uninitialized store persists every field, so a later load
// finds the listen port marker and does not read unset booleans as false.
func (s *Settings) update(fn func(cur *models.Settings) map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	changes := fn(&next)
	if len(changes) == 0 {
		return false, nil
	}

	if _, initialized := s.store.Get(KeyListenPort); !initialized {
		changes = settingsMap(next)
	}

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.store.Set(k, changes[k]); err != nil {
			return false, fmt.Errorf("persisting %s: %w", k, err)
		}
	}

	s.current = next
	s.logger.Info().Strs("keys", keys).Msg("settings updated")
	return true, nil
}

func settingsMap(s models.Settings) map[string]any {
	return map[string]any{
		KeyEnabled:                     s.Enabled,
		KeyListenPort:                  s.ListenPort,
		KeyReportToAddress:             s.ReportToAddress,
		KeyReportToPort:                s.ReportToPort,
		KeyReportAccessoryName:         s.ReportAccessoryName,
		KeyWaitBeforeReportingSleep:    s.WaitBeforeReportingSleep,
		KeySecondsBeforeReportingSleep: s.SecondsBeforeReportingSleep,
		KeyRespondToSleepRequest:       s.RespondToSleepRequest,
		KeyRespondToWakeRequest:        s.RespondToWakeRequest,
	}
}

func validatePort(key string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %s must be between 1 and 65535, got %d", models.ErrConfigInvalid, key, port)
	}
	return nil
}
