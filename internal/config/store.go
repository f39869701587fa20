package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// SettingsSection is the config file section the settings store reads and writes.
const SettingsSection = "settings"

// Store is a persistent key-value store for settings.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemoryStore creates a MemoryStore holding a copy of values.
func NewMemoryStore(values map[string]any) *MemoryStore {
	m := &MemoryStore{values: make(map[string]any, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

// Get returns the value stored under key.
func (m *MemoryStore) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Set stores value under key.
func (m *MemoryStore) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// ViperStore persists settings in the settings section of a YAML file.
type ViperStore struct {
	mu          sync.Mutex
	path        string
	v           *viper.Viper
	lastWritten []byte
	logger      zerolog.Logger
}

// NewViperStore opens the YAML file at path. A missing file is treated as an empty store.
func NewViperStore(path string, logger zerolog.Logger) (*ViperStore, error) {
	s := &ViperStore{
		path:   path,
		v:      newYAMLViper(),
		logger: logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	if err := s.v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}
	s.lastWritten = data

	return s, nil
}

// Path returns the backing file path.
func (s *ViperStore) Path() string {
	return s.path
}

// Get returns the value stored under settings.<key>.
func (s *ViperStore) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := SettingsSection + "." + key
	if !s.v.IsSet(full) {
		return nil, false
	}
	return s.v.Get(full), true
}

// Set writes settings.<key> to the file, keeping every other key of the file.
// The file is replaced atomically so readers never see a partial write. It is re-encoded as a
// whole, so comments and key order are lost; settings_file keeps the settings out of the config file.
func (s *ViperStore) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A throwaway instance keeps overrides out of s.v, so later edits to the file stay visible.
	w := newYAMLViper()
	if len(s.lastWritten) > 0 || fileExists(s.path) {
		w.SetConfigFile(s.path)
		if err := w.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading settings file: %w", err)
		}
	}
	w.Set(SettingsSection+"."+key, value)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	// viper picks the encoder from the extension, so the temporary file keeps a .yaml suffix.
	tmp := filepath.Join(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tmp.yaml")
	if err := w.WriteConfigAs(tmp); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	data, err := os.ReadFile(tmp) //nolint:gosec // path is controlled by the operator
	if err != nil {
		return fmt.Errorf("reading back settings file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing settings file: %w", err)
	}

	if err := s.v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("reloading settings file: %w", err)
	}
	s.lastWritten = data

	s.logger.Debug().Str("key", key).Interface("value", value).Msg("setting persisted")
	return nil
}

// Watch calls onChange whenever the file is changed by someone other than this store.
// It blocks until ctx is cancelled.
func (s *ViperStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors and our own writes replace the file rather than modify it.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			changed, err := s.reload()
			if err != nil {
				s.logger.Warn().Err(err).Str("file", s.path).Msg("ignoring unreadable settings file")
				continue
			}
			if changed {
				s.logger.Info().Str("file", s.path).Msg("settings file changed")
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("settings watcher error")
		}
	}
}

func (s *ViperStore) reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, err
	}
	// An empty file is an editor halfway through an in-place write; wait for the next event.
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(data, s.lastWritten) {
		return false, nil
	}

	v := newYAMLViper()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return false, err
	}
	s.v = v
	s.lastWritten = data
	return true, nil
}

func newYAMLViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	return v
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
