package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_LoadReader_MinimalConfig(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader(`
settings:
  listen_port: 8182
`)

	require.NoError(t, err)
	// Check defaults
	assert.False(t, cfg.Preview)
	assert.Equal(t, "0.0.0.0", cfg.Server.BindAddress)
	assert.Equal(t, 10*time.Second, cfg.Server.RetryInterval)
	assert.InDelta(t, 2.0, cfg.Server.RateLimit, 0.001)
	assert.Equal(t, 5, cfg.Server.RateBurst)
	assert.Equal(t, 10*time.Second, cfg.Report.Timeout)
	assert.Equal(t, models.BackendLocal, cfg.Display.Backend)
	assert.Equal(t, DefaultSleepCommand, cfg.Display.SleepCommand)
	assert.Equal(t, DefaultWakeCommand, cfg.Display.WakeCommand)
	assert.Equal(t, DefaultStateCommand, cfg.Display.StateCommand)
	assert.Equal(t, DefaultAsleepPattern, cfg.Display.AsleepPattern)
	assert.Equal(t, 2*time.Second, cfg.Display.PollInterval)
	assert.Nil(t, cfg.Display.SSH)
	assert.Nil(t, cfg.Display.WOL)
	assert.Nil(t, cfg.Status)
	assert.Empty(t, cfg.Schedule)
}

func TestParser_LoadReader_FullConfig(t *testing.T) {
	yaml := `
preview: true
server:
  bind_address: 127.0.0.1
  retry_interval: 30s
  rate_limit: 0
  rate_burst: 1
report:
  timeout: 3s
display:
  backend: ssh
  sleep_command: "vcgencmd display_power 0"
  wake_command: "vcgencmd display_power 1"
  state_command: ""
  asleep_pattern: "display_power=0"
  poll_interval: 10s
  ssh:
    host: "192.168.1.50"
    port: 2222
    username: "pi"
    key_path: "/keys/id_ed25519"
  wol:
    mac_address: "AA:BB:CC:DD:EE:FF"
    ready_address: "192.168.1.50:2222"
status:
  addr: 127.0.0.1:8183
schedule:
  - spec: "0 23 * * *"
    action: Sleep
  - spec: "30 7 * * 1-5"
    action: wake
`
	parser := NewParser()
	cfg, err := parser.LoadReader(yaml)

	require.NoError(t, err)
	assert.True(t, cfg.Preview)
	assert.Equal(t, "127.0.0.1", cfg.Server.BindAddress)
	assert.Equal(t, 30*time.Second, cfg.Server.RetryInterval)
	assert.Zero(t, cfg.Server.RateLimit)
	assert.Equal(t, 1, cfg.Server.RateBurst)
	assert.Equal(t, 3*time.Second, cfg.Report.Timeout)

	assert.Equal(t, models.BackendSSH, cfg.Display.Backend)
	assert.Equal(t, "vcgencmd display_power 0", cfg.Display.SleepCommand)
	assert.Equal(t, "vcgencmd display_power 1", cfg.Display.WakeCommand)
	assert.Empty(t, cfg.Display.StateCommand)
	assert.Equal(t, "display_power=0", cfg.Display.AsleepPattern)
	assert.Equal(t, 10*time.Second, cfg.Display.PollInterval)

	require.NotNil(t, cfg.Display.SSH)
	assert.Equal(t, "192.168.1.50", cfg.Display.SSH.Host)
	assert.Equal(t, 2222, cfg.Display.SSH.Port)
	assert.Equal(t, "pi", cfg.Display.SSH.Username)
	assert.Equal(t, "/keys/id_ed25519", cfg.Display.SSH.KeyPath)

	require.NotNil(t, cfg.Display.WOL)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.Display.WOL.MACAddress)
	assert.Equal(t, "255.255.255.255", cfg.Display.WOL.BroadcastIP)
	assert.Equal(t, "192.168.1.50:2222", cfg.Display.WOL.ReadyAddress)
	assert.Equal(t, 2*time.Minute, cfg.Display.WOL.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Display.WOL.PollInterval)

	require.NotNil(t, cfg.Status)
	assert.Equal(t, "127.0.0.1:8183", cfg.Status.Addr)

	assert.Equal(t, []models.ScheduleEntry{
		{Spec: "0 23 * * *", Action: models.ActionSleep},
		{Spec: "30 7 * * 1-5", Action: models.ActionWake},
	}, cfg.Schedule)
}

func TestParser_LoadReader_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_KEY_DIR", "/secure")

	parser := NewParser()
	cfg, err := parser.LoadReader(`
display:
  backend: ssh
  ssh:
    host: display.local
    key_path: "${TEST_KEY_DIR}/id_ed25519"
`)

	require.NoError(t, err)
	assert.Equal(t, "/secure/id_ed25519", cfg.Display.SSH.KeyPath)
	assert.Equal(t, 22, cfg.Display.SSH.Port)
	assert.Equal(t, "root", cfg.Display.SSH.Username)
}

func TestParser_PreviewFromEnv(t *testing.T) {
	t.Setenv("AUTOOFFICE_PREVIEW", "1")

	parser := NewParser()
	cfg, err := parser.LoadReader(`server: {}`)

	require.NoError(t, err)
	assert.True(t, cfg.Preview)
}

func TestParser_LoadReader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown backend",
			yaml:    "display:\n  backend: dbus\n",
			wantErr: "display.backend must be one of",
		},
		{
			name:    "ssh backend without ssh section",
			yaml:    "display:\n  backend: ssh\n",
			wantErr: "display.ssh is required",
		},
		{
			name:    "ssh without host",
			yaml:    "display:\n  ssh:\n    key_path: /k\n",
			wantErr: "display.ssh.host is required",
		},
		{
			name:    "ssh without key",
			yaml:    "display:\n  ssh:\n    host: h\n",
			wantErr: "display.ssh.key_path is required",
		},
		{
			name:    "wol without mac",
			yaml:    "display:\n  wol:\n    broadcast_ip: 192.168.1.255\n",
			wantErr: "display.wol.mac_address is required",
		},
		{
			name:    "wol invalid mac",
			yaml:    "display:\n  wol:\n    mac_address: nope\n",
			wantErr: "display.wol.mac_address",
		},
		{
			name:    "ipv6 bind address",
			yaml:    "server:\n  bind_address: \"::1\"\n",
			wantErr: "must be an IPv4 address",
		},
		{
			name:    "invalid pattern",
			yaml:    "display:\n  asleep_pattern: \"(\"\n",
			wantErr: "display.asleep_pattern",
		},
		{
			name:    "invalid cron spec",
			yaml:    "schedule:\n  - spec: \"every night\"\n    action: sleep\n",
			wantErr: "schedule[0].spec",
		},
		{
			name:    "invalid action",
			yaml:    "schedule:\n  - spec: \"0 23 * * *\"\n    action: reboot\n",
			wantErr: "schedule[0].action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := NewParser()
			_, err := parser.LoadReader(tt.yaml)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParser_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("status:\n  addr: 127.0.0.1:9999\n"), 0o600))

	parser := NewParser()
	cfg, err := parser.LoadFile(path)

	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Status.Addr)
	assert.Equal(t, path, parser.ConfigFileUsed())
}

func TestParser_LoadFile_NotFound(t *testing.T) {
	parser := NewParser()
	_, err := parser.LoadFile("/nonexistent/config.yaml")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestValidate_Nil(t *testing.T) {
	err := Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil")
}

func TestParser_SettingsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settings_file: state/settings.yaml\n"), 0o600))

	cfg, err := NewParser().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state", "settings.yaml"), cfg.SettingsFile)
	assert.Equal(t, cfg.SettingsFile, SettingsPath(cfg, path))

	cfg, err = NewParser().LoadReader("settings_file: /var/lib/autooffice/settings.yaml\n")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/autooffice/settings.yaml", SettingsPath(cfg, path))

	cfg, err = NewParser().LoadReader("preview: false\n")
	require.NoError(t, err)
	assert.Equal(t, path, SettingsPath(cfg, path))
}

func TestViperStore_SeparateSettingsFileLeavesConfigUntouched(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	original := []byte("# display host\nsettings_file: settings.yaml\ndisplay:\n  backend: none\n")
	require.NoError(t, os.WriteFile(configPath, original, 0o600))

	cfg, err := NewParser().LoadFile(configPath)
	require.NoError(t, err)

	store, err := NewViperStore(SettingsPath(cfg, configPath), testLogger())
	require.NoError(t, err)
	settings := LoadSettings(store, testLogger())
	_, err = settings.SetListenPort(9100)
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, original, data)

	reopened, err := NewViperStore(filepath.Join(dir, "settings.yaml"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, 9100, ReadSettings(reopened, testLogger()).ListenPort)
}
