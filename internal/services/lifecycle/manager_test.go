package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/clock"
	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/fgeck/autooffice-daemon/internal/services/server"
	"github.com/fgeck/autooffice-daemon/internal/services/status"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockServer struct {
	mu        sync.Mutex
	startFunc func(port int) error
	stopFunc  func(ctx context.Context) error
	starts    []int
	stops     int
}

func (m *mockServer) Start(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, port)
	if m.startFunc != nil {
		return m.startFunc(port)
	}
	return nil
}

func (m *mockServer) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.stopFunc != nil {
		return m.stopFunc(ctx)
	}
	return nil
}

type stubSettings struct {
	mu sync.Mutex
	s  models.Settings
}

func (s *stubSettings) Snapshot() models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fixture struct {
	mgr      *Manager
	server   *mockServer
	settings *stubSettings
	tracker  *status.Tracker
	clock    *clock.Fake
}

func newFixture(preview bool) *fixture {
	f := &fixture{
		server:   &mockServer{},
		settings: &stubSettings{s: models.DefaultSettings()},
		tracker:  status.New(testLogger()),
		clock:    clock.NewFake(),
	}
	f.mgr = New(testLogger(), f.server, f.settings, f.tracker, f.clock, 0, preview)
	return f
}

func bindError() error {
	return fmt.Errorf("%w: listening on 0.0.0.0:8182: address already in use", models.ErrBind)
}

func TestManager_NotReady(t *testing.T) {
	f := newFixture(false)

	require.NoError(t, f.mgr.Start(false))

	assert.False(t, f.mgr.Running())
	assert.Empty(t, f.server.starts)
}

func TestManager_Preview(t *testing.T) {
	f := newFixture(true)
	f.mgr.MarkReady()

	require.NoError(t, f.mgr.Start(true))

	assert.False(t, f.mgr.Running())
	assert.Empty(t, f.server.starts)
}

func TestManager_StartAndStop(t *testing.T) {
	f := newFixture(false)
	f.mgr.MarkReady()

	require.NoError(t, f.mgr.Start(false))
	assert.True(t, f.mgr.Running())
	assert.True(t, f.tracker.Snapshot().Listening)
	assert.Equal(t, []int{models.DefaultListenPort}, f.server.starts)

	// Running and not forced: no-op.
	require.NoError(t, f.mgr.Start(false))
	assert.Len(t, f.server.starts, 1)

	require.NoError(t, f.mgr.Stop())
	assert.False(t, f.mgr.Running())
	assert.False(t, f.tracker.Snapshot().Listening)
	assert.Equal(t, 1, f.server.stops)

	require.NoError(t, f.mgr.Stop())
	assert.Equal(t, 1, f.server.stops)
}

func TestManager_ForcedRestart(t *testing.T) {
	f := newFixture(false)
	f.mgr.MarkReady()
	require.NoError(t, f.mgr.Start(false))

	f.settings.s.ListenPort = 9000
	var listening []bool
	ch, cancel := f.tracker.Subscribe()
	defer cancel()

	require.NoError(t, f.mgr.Start(true))

	assert.Equal(t, []int{models.DefaultListenPort, 9000}, f.server.starts)
	assert.Equal(t, 1, f.server.stops)
	assert.True(t, f.mgr.Running())

	for i := 0; i < 2; i++ {
		listening = append(listening, (<-ch).Listening)
	}
	assert.Equal(t, []bool{false, true}, listening)
}

func TestManager_BindFailureRetries(t *testing.T) {
	f := newFixture(false)
	f.mgr.MarkReady()

	failing := true
	f.server.startFunc = func(int) error {
		if failing {
			return bindError()
		}
		return nil
	}

	err := f.mgr.Start(false)
	require.ErrorIs(t, err, models.ErrBind)
	assert.False(t, f.mgr.Running())

	s := f.tracker.Snapshot()
	assert.False(t, s.Listening)
	assert.Contains(t, s.BindError, "address already in use")
	assert.Equal(t, s.BindError, s.LastError)
	assert.Equal(t, 1, f.clock.Pending())

	// Still failing: one more attempt, one more timer.
	f.clock.Advance(DefaultRetryInterval)
	assert.Len(t, f.server.starts, 2)
	assert.Equal(t, 1, f.clock.Pending())

	failing = false
	f.clock.Advance(DefaultRetryInterval)
	assert.Len(t, f.server.starts, 3)
	assert.True(t, f.mgr.Running())
	assert.Empty(t, f.tracker.Snapshot().BindError)
	assert.Equal(t, 0, f.clock.Pending())
}

func TestManager_RetrySkippedWhenAlreadyRunning(t *testing.T) {
	f := newFixture(false)
	f.mgr.MarkReady()

	calls := 0
	f.server.startFunc = func(int) error {
		calls++
		if calls == 1 {
			return bindError()
		}
		return nil
	}

	require.Error(t, f.mgr.Start(false))
	require.NoError(t, f.mgr.Start(false))
	assert.True(t, f.mgr.Running())

	f.clock.Advance(DefaultRetryInterval)
	assert.Equal(t, 2, calls)
}

func TestManager_StopCancelsRetryAndClearsBindError(t *testing.T) {
	f := newFixture(false)
	f.mgr.MarkReady()
	f.server.startFunc = func(int) error { return bindError() }

	require.Error(t, f.mgr.Start(false))
	require.NoError(t, f.mgr.Stop())

	assert.Empty(t, f.tracker.Snapshot().BindError)
	assert.Equal(t, 0, f.clock.Pending())

	f.clock.Advance(time.Minute)
	assert.Len(t, f.server.starts, 1)
}

func TestManager_RealPortConflict(t *testing.T) {
	busy, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := busy.Addr().(*net.TCPAddr).Port

	settings := &stubSettings{s: models.DefaultSettings()}
	settings.s.ListenPort = port
	tracker := status.New(testLogger())
	fake := clock.NewFake()
	srv := server.New(testLogger(), "127.0.0.1", nil, settings, nil, nil)

	mgr := New(testLogger(), srv, settings, tracker, fake, 0, false)
	mgr.MarkReady()
	defer func() { _ = mgr.Stop() }()

	err = mgr.Start(false)
	require.ErrorIs(t, err, models.ErrBind)
	assert.False(t, tracker.Snapshot().Listening)

	require.NoError(t, busy.Close())
	fake.Advance(DefaultRetryInterval)

	assert.True(t, mgr.Running())
	assert.True(t, tracker.Snapshot().Listening)
	assert.Empty(t, tracker.Snapshot().BindError)
	require.NotNil(t, srv.Addr())
	assert.Equal(t, port, srv.Addr().(*net.TCPAddr).Port)
}
