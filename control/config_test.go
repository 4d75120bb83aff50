package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStoreReload(t *testing.T) {
	cs := NewConfigStore(Default())
	var seen []string
	cs.OnReload(func(old, cur Config) {
		seen = append(seen, old.LogLevel+"->"+cur.LogLevel)
	})

	next := cs.Current()
	next.LogLevel = "debug"
	cs.SetConfig(next)

	assert.Equal(t, []string{"info->debug"}, seen)
	assert.Equal(t, "debug", cs.GetSnapshot()["log_level"])
}

func TestReloadListenersSnapshot(t *testing.T) {
	cs := NewConfigStore(Default())
	late := 0
	cs.OnReload(func(_, _ Config) {
		// Registered during a reload; runs from the next one on.
		cs.OnReload(func(_, _ Config) { late++ })
	})

	cs.SetConfig(cs.Current())
	assert.Zero(t, late)
	cs.SetConfig(cs.Current())
	assert.Equal(t, 1, late)
}

func TestMergeHotKeepsColdOptions(t *testing.T) {
	cur := Default()
	next := Default()
	next.Workers = 12
	next.BuffersPerWorker = 9
	next.MaxFrameSize = 64
	next.OpTimeout = Duration{time.Second}

	merged, changed := MergeHot(cur, next)
	assert.Equal(t, []string{"op_timeout", "max_frame_size"}, changed)
	assert.Equal(t, cur.Workers, merged.Workers)
	assert.Equal(t, cur.BuffersPerWorker, merged.BuffersPerWorker)
	assert.Equal(t, 64, merged.MaxFrameSize)
	assert.Equal(t, time.Second, merged.OpTimeout.Duration)
}

func TestWatchAppliesHotKeys(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "hbtp.toml")
	require.NoError(t, os.WriteFile(p, []byte("max_frame_size = 1024\n"), 0o644))
	cfg, err := Load(p)
	require.NoError(t, err)
	cs := NewConfigStore(cfg)

	reloaded := make(chan Config, 16)
	cs.OnReload(func(_, cur Config) { reloaded <- cur })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, p, cs, zerolog.Nop()))

	require.NoError(t, os.WriteFile(p, []byte("max_frame_size = 2048\nworkers = 9\n"), 0o644))

	// A write may surface as truncate then write; wait for the final content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cur := <-reloaded:
			assert.Equal(t, 0, cur.Workers, "cold option must not reload")
			if cur.MaxFrameSize == 2048 {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestMetricsAndProbes(t *testing.T) {
	mr := NewMetricsRegistry()
	mr.Set("worker.0.completed", uint64(3))
	v, ok := mr.Get("worker.0.completed")
	require.True(t, ok)
	assert.Equal(t, uint64(3), v)
	assert.False(t, mr.Updated().IsZero())

	dp := NewDebugProbes()
	RegisterPlatformProbes(dp)
	dp.RegisterProbe("x", func() any { return 1 })
	assert.Equal(t, []string{"platform.cpus", "platform.kernel", "x"}, dp.Names())
	dp.UnregisterProbe("x")
	state := dp.DumpState()
	assert.NotContains(t, state, "x")
	assert.Contains(t, state, "platform.cpus")
}
