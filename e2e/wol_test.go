//go:build e2e

package e2e

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/fgeck/autooffice-daemon/internal/services/wol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type mockWOLClient struct{}

func (m *mockWOLClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	return nil
}

func TestWOL_WithReadyTarget_E2E(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	svc := wol.NewWithClients(testLogger(), &mockWOLClient{}, &net.Dialer{Timeout: time.Second})

	cfg := models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "255.255.255.255",
		ReadyAddress: ln.Addr().String(),
		Timeout:      5 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.True(t, result.TargetReady)
	assert.Nil(t, result.Error)
}

func TestWOL_DelayedTarget_E2E(t *testing.T) {
	// Reserve a port, then start listening on it only after a few polls.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	go func() {
		time.Sleep(300 * time.Millisecond)
		late, err := net.Listen("tcp4", addr)
		if err != nil {
			return
		}
		time.Sleep(3 * time.Second)
		_ = late.Close()
	}()

	svc := wol.NewWithClients(testLogger(), &mockWOLClient{}, &net.Dialer{Timeout: time.Second})

	cfg := models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "255.255.255.255",
		ReadyAddress: addr,
		Timeout:      3 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.True(t, result.TargetReady)
	assert.GreaterOrEqual(t, result.WaitDuration, 250*time.Millisecond)
}

func TestWOL_TargetNeverReady_E2E(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	svc := wol.NewWithClients(testLogger(), &mockWOLClient{}, &net.Dialer{Timeout: 100 * time.Millisecond})

	cfg := models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "255.255.255.255",
		ReadyAddress: addr,
		Timeout:      200 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.False(t, result.TargetReady)
	assert.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "timeout")
}

// Only runs if explicitly configured.
func TestRealWOL_E2E(t *testing.T) {
	mac := os.Getenv("TEST_WOL_MAC")
	if mac == "" {
		t.Skip("TEST_WOL_MAC not set")
	}

	readyAddr := os.Getenv("TEST_WOL_READY_ADDRESS")

	svc := wol.New(testLogger())

	cfg := models.WOLConfig{
		MACAddress:   mac,
		BroadcastIP:  "255.255.255.255",
		ReadyAddress: readyAddr,
		Timeout:      5 * time.Minute,
		PollInterval: 10 * time.Second,
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	if readyAddr != "" {
		assert.True(t, result.TargetReady)
	}
}
