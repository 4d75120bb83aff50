// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration store with snapshot reads and reload propagation.

package control

import (
	"sync"
	"sync/atomic"
)

// ConfigStore holds the live Config. Reads are lock-free snapshots.
type ConfigStore struct {
	cur       atomic.Pointer[Config]
	mu        sync.Mutex
	listeners []func(old, new Config)
}

// NewConfigStore initializes a store with cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	cs := &ConfigStore{}
	cs.cur.Store(&cfg)
	return cs
}

// Current returns the live configuration.
func (cs *ConfigStore) Current() Config {
	return *cs.cur.Load()
}

// GetSnapshot returns the configuration keyed by option name.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	c := cs.Current()
	return map[string]any{
		"workers":            c.Workers,
		"buffers_per_worker": c.BuffersPerWorker,
		"buffer_size":        c.BufferSize,
		"op_timeout":         c.OpTimeout.String(),
		"max_frame_size":     c.MaxFrameSize,
		"backend":            c.Backend,
		"queue_depth":        c.QueueDepth,
		"ring_entries":       c.RingEntries,
		"poll_batch":         c.PollBatch,
		"pin_threads":        c.PinThreads,
		"assignment":         c.Assignment,
		"drain_timeout":      c.DrainTimeout.String(),
		"log_level":          c.LogLevel,
	}
}

// SetConfig replaces the live configuration and runs listeners in
// registration order on the calling goroutine.
func (cs *ConfigStore) SetConfig(cfg Config) {
	cs.mu.Lock()
	old := cs.cur.Swap(&cfg)
	listeners := append([]func(old, new Config){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(*old, cfg)
	}
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(old, new Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
