package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileOverDefaults(t *testing.T) {
	p := writeFile(t, t.TempDir(), "hbtp.toml", `
workers = 3
buffer_size = 8192
op_timeout = "250ms"
backend = "epoll"
assignment = "least-loaded"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 8192, cfg.BufferSize)
	assert.Equal(t, 250*time.Millisecond, cfg.OpTimeout.Duration)
	assert.Equal(t, "epoll", cfg.Backend)
	assert.Equal(t, "least-loaded", cfg.Assignment)
	// untouched keys keep defaults
	assert.Equal(t, Default().BuffersPerWorker, cfg.BuffersPerWorker)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	p := writeFile(t, t.TempDir(), "hbtp.toml", "wrokers = 3\n")
	_, err := Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrokers")
}

func TestLoadRejectsInvalid(t *testing.T) {
	p := writeFile(t, t.TempDir(), "hbtp.toml", "backend = \"select\"\n")
	_, err := Load(p)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HIOLOAD_WORKERS":        "7",
		"HIOLOAD_OP_TIMEOUT":     "2s",
		"HIOLOAD_BACKEND":        " kqueue ",
		"HIOLOAD_PIN_THREADS":    "false",
		"HIOLOAD_MAX_FRAME_SIZE": "4096",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.OpTimeout.Duration)
	assert.Equal(t, "kqueue", cfg.Backend)
	assert.False(t, cfg.PinThreads)
	assert.Equal(t, 4096, cfg.MaxFrameSize)
}

func TestApplyEnvBadValue(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "HIOLOAD_QUEUE_DEPTH" {
			return "many", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HIOLOAD_QUEUE_DEPTH")
}

func TestLoadEnvFileDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "HIOLOAD_TEST_A=fromfile\nHIOLOAD_TEST_B=fromfile\n")
	t.Setenv("HIOLOAD_TEST_A", "preset")
	t.Cleanup(func() { os.Unsetenv("HIOLOAD_TEST_B") })

	require.NoError(t, LoadEnvFile(p, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "preset", os.Getenv("HIOLOAD_TEST_A"))
	assert.Equal(t, "fromfile", os.Getenv("HIOLOAD_TEST_B"))
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Workers = -1
	cfg.Assignment = "random"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
	assert.Contains(t, err.Error(), "random")
}
