package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8800", cfg.Listen)
	assert.Equal(t, "localhost:50051", cfg.Runtime.Addr)
	assert.Equal(t, Duration(10*time.Second), cfg.Runtime.RequestTimeout)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statebridge.yaml")
	content := `
listen: ":9000"
auth_secret: "hush"
runtime:
  addr: "runtime.internal:6000"
  request_timeout: 3s
  stream_initial_backoff: 100ms
  stream_max_backoff: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "hush", cfg.AuthSecret)
	assert.Equal(t, "runtime.internal:6000", cfg.Runtime.Addr)
	assert.Equal(t, Duration(3*time.Second), cfg.Runtime.RequestTimeout)
	assert.Equal(t, Duration(100*time.Millisecond), cfg.Runtime.StreamInitialBackoff)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STATEBRIDGE_LISTEN", ":7777")
	t.Setenv("STATEBRIDGE_RUNTIME_ADDR", "elsewhere:1234")
	t.Setenv("STATEBRIDGE_REQUEST_TIMEOUT", "5s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Listen)
	assert.Equal(t, "elsewhere:1234", cfg.Runtime.Addr)
	assert.Equal(t, Duration(5*time.Second), cfg.Runtime.RequestTimeout)
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`listen: ""`), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
