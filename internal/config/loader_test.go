package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoader_LoadAll_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(dir, zap.NewNop())

	require.NoError(t, loader.LoadAll())

	cfg := loader.SessionConfig()
	assert.Equal(t, 5*time.Second, cfg.SocketTimeout(5*time.Second))
	assert.Equal(t, 5*time.Second, cfg.MaxCloseWait(5*time.Second))
}

func TestLoader_LoadAll_ParsesFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
socket_timeout_ms: 1500
channel_capacity: 50
receive_buffer_bytes: 8192
max_close_wait_ms: 2000
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session_config.yaml"), []byte(yaml), 0o644))

	loader := NewLoader(dir, zap.NewNop())
	require.NoError(t, loader.LoadAll())

	cfg := loader.SessionConfig()
	assert.Equal(t, 1500*time.Millisecond, cfg.SocketTimeout(5*time.Second))
	assert.Equal(t, 50, cfg.ChannelCapacity)
	assert.Equal(t, 8192, cfg.ReceiveBufferBytes)
	assert.Equal(t, 2000*time.Millisecond, cfg.MaxCloseWait(5*time.Second))
}

func TestLoader_LoadAll_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `socket_timeout_ms: 1500`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session_config.yaml"), []byte(yaml), 0o644))

	t.Setenv("HA_SOCKET_TIMEOUT_MS", "3000")

	loader := NewLoader(dir, zap.NewNop())
	require.NoError(t, loader.LoadAll())

	cfg := loader.SessionConfig()
	assert.Equal(t, 3000*time.Millisecond, cfg.SocketTimeout(5*time.Second))
}

func TestLoader_LoadAll_MalformedYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session_config.yaml"), []byte("not: valid: yaml: : :"), 0o644))

	loader := NewLoader(dir, zap.NewNop())
	assert.Error(t, loader.LoadAll())
}
