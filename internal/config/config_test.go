package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotEmpty(t, cfg.Name)
	assert.Equal(t, "/master", cfg.MasterObject)
	assert.Equal(t, 2*time.Second, cfg.GetHeartbeatInterval())
	assert.Equal(t, 15*time.Minute, cfg.GetDisconnectLimit())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err, "missing file falls back to defaults")
	assert.Equal(t, ":4000", cfg.ListenAddr)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forgemud.yaml")
	data := "name: TestMUD\nlisten_addr: \":5000\"\nheartbeat_interval: 1s\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "TestMUD", cfg.Name)
	assert.Equal(t, ":5000", cfg.ListenAddr)
	assert.Equal(t, time.Second, cfg.GetHeartbeatInterval())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MUDLIB_PATH", "/srv/mudlib")
	t.Setenv("HEARTBEAT_INTERVAL_MS", "500")
	t.Setenv("HOT_RELOAD", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_PRETTY", "1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/mudlib", cfg.MudlibPath)
	assert.Equal(t, 500*time.Millisecond, cfg.GetHeartbeatInterval())
	assert.False(t, cfg.HotReload)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
}

func TestValidate_BadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "shouty"
	assert.Error(t, cfg.Validate())
}

func TestValidate_BadHeartbeat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = "not-a-duration"
	assert.Error(t, cfg.Validate())
}
