package config

import (
	"errors"
	"io"
	"testing"

	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type failingStore struct {
	*MemoryStore
}

func (f *failingStore) Set(string, any) error {
	return errors.New("disk full")
}

func TestReadSettings_EmptyStoreUsesDefaults(t *testing.T) {
	s := ReadSettings(NewMemoryStore(nil), testLogger())

	assert.Equal(t, models.DefaultSettings(), s)
	assert.True(t, s.Enabled)
	assert.Equal(t, 8182, s.ListenPort)
	assert.Equal(t, "192.168.1.231", s.ReportToAddress)
	assert.Equal(t, 51931, s.ReportToPort)
	assert.Equal(t, "Macintosh", s.ReportAccessoryName)
	assert.False(t, s.WaitBeforeReportingSleep)
	assert.Equal(t, 60, s.SecondsBeforeReportingSleep)
	assert.True(t, s.RespondToSleepRequest)
	assert.True(t, s.RespondToWakeRequest)
}

func TestReadSettings_WithoutListenPortIgnoresOtherKeys(t *testing.T) {
	store := NewMemoryStore(map[string]any{
		KeyEnabled:             false,
		KeyReportToAddress:     "10.0.0.1",
		KeyReportAccessoryName: "Office",
	})

	assert.Equal(t, models.DefaultSettings(), ReadSettings(store, testLogger()))
}

func TestReadSettings_NonPositiveListenPortIsUninitialized(t *testing.T) {
	store := NewMemoryStore(map[string]any{
		KeyListenPort:      0,
		KeyReportToAddress: "10.0.0.1",
	})

	assert.Equal(t, models.DefaultSettings(), ReadSettings(store, testLogger()))
}

func TestReadSettings_Initialized(t *testing.T) {
	store := NewMemoryStore(map[string]any{
		KeyEnabled:                     true,
		KeyListenPort:                  9000,
		KeyReportToAddress:             "10.0.0.1",
		KeyReportToPort:                "8080",
		KeyReportAccessoryName:         "Office",
		KeyWaitBeforeReportingSleep:    true,
		KeySecondsBeforeReportingSleep: 30,
		KeyRespondToSleepRequest:       false,
		KeyRespondToWakeRequest:        "true",
	})

	s := ReadSettings(store, testLogger())

	assert.Equal(t, models.Settings{
		Enabled:                     true,
		ListenPort:                  9000,
		ReportToAddress:             "10.0.0.1",
		ReportToPort:                8080,
		ReportAccessoryName:         "Office",
		WaitBeforeReportingSleep:    true,
		SecondsBeforeReportingSleep: 30,
		RespondToSleepRequest:       false,
		RespondToWakeRequest:        true,
	}, s)
}

func TestReadSettings_MissingKeysWhenInitialized(t *testing.T) {
	store := NewMemoryStore(map[string]any{KeyListenPort: 9000})

	s := ReadSettings(store, testLogger())

	// Booleans read as unset, strings and the report port fall back to defaults.
	assert.False(t, s.Enabled)
	assert.False(t, s.RespondToSleepRequest)
	assert.False(t, s.RespondToWakeRequest)
	assert.False(t, s.WaitBeforeReportingSleep)
	assert.Equal(t, 0, s.SecondsBeforeReportingSleep)
	assert.Equal(t, models.DefaultReportToAddress, s.ReportToAddress)
	assert.Equal(t, models.DefaultReportToPort, s.ReportToPort)
	assert.Equal(t, models.DefaultReportAccessoryName, s.ReportAccessoryName)
}

func TestReadSettings_InvalidValuesFallBackToDefaults(t *testing.T) {
	store := NewMemoryStore(map[string]any{
		KeyListenPort:                  70000,
		KeyReportToPort:                -5,
		KeySecondsBeforeReportingSleep: -1,
		KeyReportToAddress:             "   ",
		KeyEnabled:                     "maybe",
	})

	s := ReadSettings(store, testLogger())

	assert.Equal(t, models.DefaultListenPort, s.ListenPort)
	assert.Equal(t, models.DefaultReportToPort, s.ReportToPort)
	assert.Equal(t, models.DefaultSecondsBeforeReportingSleep, s.SecondsBeforeReportingSleep)
	assert.Equal(t, models.DefaultReportToAddress, s.ReportToAddress)
	assert.False(t, s.Enabled)
}

func TestSettings_FirstWritePersistsEverything(t *testing.T) {
	store := NewMemoryStore(nil)
	settings := LoadSettings(store, testLogger())

	changed, err := settings.SetReportAccessoryName("Office")
	require.NoError(t, err)
	assert.True(t, changed)

	for _, key := range Keys() {
		_, ok := store.Get(key)
		assert.True(t, ok, key)
	}

	reloaded := ReadSettings(store, testLogger())
	want := models.DefaultSettings()
	want.ReportAccessoryName = "Office"
	assert.Equal(t, want, reloaded)
}

func TestSettings_LaterWritesPersistOnlyChangedKey(t *testing.T) {
	store := NewMemoryStore(map[string]any{KeyListenPort: 8182, KeyEnabled: true})
	settings := LoadSettings(store, testLogger())

	changed, err := settings.SetRespondToWakeRequest(true)
	require.NoError(t, err)
	assert.True(t, changed)

	_, ok := store.Get(KeyReportToAddress)
	assert.False(t, ok)
	v, ok := store.Get(KeyRespondToWakeRequest)
	assert.True(t, ok)
	assert.Equal(t, true, v)
}

func TestSettings_UnchangedValueIsNotPersisted(t *testing.T) {
	store := NewMemoryStore(nil)
	settings := LoadSettings(store, testLogger())

	changed, err := settings.SetEnabled(true)
	require.NoError(t, err)
	assert.False(t, changed)

	_, ok := store.Get(KeyEnabled)
	assert.False(t, ok)
}

func TestSettings_Validation(t *testing.T) {
	settings := LoadSettings(NewMemoryStore(nil), testLogger())

	tests := []struct {
		name string
		call func() (bool, error)
	}{
		{"listen port zero", func() (bool, error) { return settings.SetListenPort(0) }},
		{"listen port too large", func() (bool, error) { return settings.SetListenPort(65536) }},
		{"empty report address", func() (bool, error) { return settings.SetReportTarget(" ", 80) }},
		{"report port negative", func() (bool, error) { return settings.SetReportTarget("10.0.0.1", -1) }},
		{"empty accessory", func() (bool, error) { return settings.SetReportAccessoryName("") }},
		{"negative seconds", func() (bool, error) { return settings.SetSleepReportDelay(true, -1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrConfigInvalid)
			assert.False(t, changed)
		})
	}

	assert.Equal(t, models.DefaultSettings(), settings.Snapshot())
}

func TestSettings_PersistFailureKeepsMemoryUnchanged(t *testing.T) {
	settings := LoadSettings(&failingStore{NewMemoryStore(nil)}, testLogger())

	changed, err := settings.SetListenPort(9000)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, changed)
	assert.Equal(t, models.DefaultListenPort, settings.Snapshot().ListenPort)
}

func TestSettings_Apply(t *testing.T) {
	store := NewMemoryStore(nil)
	settings := LoadSettings(store, testLogger())

	next := settings.Snapshot()
	next.ListenPort = 9000
	next.WaitBeforeReportingSleep = true
	next.SecondsBeforeReportingSleep = 5

	changed, err := settings.Apply(next)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, next, settings.Snapshot())
	assert.Equal(t, next, ReadSettings(store, testLogger()))

	changed, err = settings.Apply(next)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestParse(t *testing.T) {
	cur := models.DefaultSettings()

	next, err := Parse(cur, KeyListenPort, "9000")
	require.NoError(t, err)
	assert.Equal(t, 9000, next.ListenPort)

	next, err = Parse(cur, KeyEnabled, "false")
	require.NoError(t, err)
	assert.False(t, next.Enabled)

	next, err = Parse(cur, KeyReportAccessoryName, " Office ")
	require.NoError(t, err)
	assert.Equal(t, "Office", next.ReportAccessoryName)

	_, err = Parse(cur, KeyListenPort, "abc")
	assert.ErrorIs(t, err, models.ErrConfigInvalid)

	_, err = Parse(cur, "colour", "blue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown setting")
}
