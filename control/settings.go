// control/settings.go
// Author: momentics <momentics@gmail.com>
//
// Reactor configuration: TOML file, optional .env file, HIOLOAD_* environment.
// Precedence, lowest first: defaults, file, environment.

package control

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override, e.g. HIOLOAD_WORKERS.
const EnvPrefix = "HIOLOAD_"

// Duration is a time.Duration that reads "250ms" style strings from TOML and env.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds every recognized option.
type Config struct {
	// Workers is the worker count; 0 means one per physical core.
	Workers int `toml:"workers"`
	// BuffersPerWorker is the arena capacity of each worker.
	BuffersPerWorker int `toml:"buffers_per_worker"`
	// BufferSize is the arena slot size, rounded up to the page size.
	BufferSize int `toml:"buffer_size"`
	// OpTimeout is applied to interests submitted without a deadline; 0 disables it.
	OpTimeout Duration `toml:"op_timeout"`
	// MaxFrameSize bounds the HBTP payload length.
	MaxFrameSize int `toml:"max_frame_size"`
	// Backend forces a backend: auto, io_uring, epoll, kqueue, iocp.
	Backend string `toml:"backend"`
	// QueueDepth is the capacity of each worker inbox.
	QueueDepth int `toml:"queue_depth"`
	// RingEntries bounds submissions queued in a driver.
	RingEntries int `toml:"ring_entries"`
	// PollBatch bounds completions handled per poll.
	PollBatch int `toml:"poll_batch"`
	// PinThreads pins each worker thread to its CPU where supported.
	PinThreads bool `toml:"pin_threads"`
	// Assignment selects the handle placement policy: hash or least-loaded.
	Assignment string `toml:"assignment"`
	// DrainTimeout bounds graceful shutdown when the caller gives no deadline.
	DrainTimeout Duration `toml:"drain_timeout"`
	LogLevel     string   `toml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BuffersPerWorker: 1024,
		BufferSize:       4096,
		MaxFrameSize:     1 << 20,
		Backend:          "auto",
		QueueDepth:       4096,
		RingEntries:      256,
		PollBatch:        128,
		PinThreads:       true,
		Assignment:       "hash",
		DrainTimeout:     Duration{5 * time.Second},
		LogLevel:         "info",
	}
}

// Load reads path over the defaults (path may be empty), then applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config %s: unknown keys %v", path, undecoded)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadEnvFile(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overrides fields from HIOLOAD_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"WORKERS":            &c.Workers,
		"BUFFERS_PER_WORKER": &c.BuffersPerWorker,
		"BUFFER_SIZE":        &c.BufferSize,
		"MAX_FRAME_SIZE":     &c.MaxFrameSize,
		"QUEUE_DEPTH":        &c.QueueDepth,
		"RING_ENTRIES":       &c.RingEntries,
		"POLL_BATCH":         &c.PollBatch,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}
	durations := map[string]*Duration{
		"OP_TIMEOUT":    &c.OpTimeout,
		"DRAIN_TIMEOUT": &c.DrainTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
		}
	}
	strs := map[string]*string{
		"BACKEND":    &c.Backend,
		"ASSIGNMENT": &c.Assignment,
		"LOG_LEVEL":  &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup(EnvPrefix + "PIN_THREADS"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sPIN_THREADS: %w", EnvPrefix, err)
		}
		c.PinThreads = b
	}
	return nil
}

var (
	knownBackends    = map[string]bool{"": true, "auto": true, "io_uring": true, "iouring": true, "uring": true, "epoll": true, "kqueue": true, "iocp": true}
	knownAssignments = map[string]bool{"hash": true, "least-loaded": true}
)

// Validate rejects values the reactor cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be >= 0, got %d", c.Workers))
	}
	if c.BuffersPerWorker <= 0 {
		errs = append(errs, fmt.Errorf("buffers_per_worker must be > 0, got %d", c.BuffersPerWorker))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer_size must be > 0, got %d", c.BufferSize))
	}
	if c.OpTimeout.Duration < 0 || c.DrainTimeout.Duration < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.MaxFrameSize <= 0 || uint64(c.MaxFrameSize) > 1<<32-1 {
		errs = append(errs, fmt.Errorf("max_frame_size out of range: %d", c.MaxFrameSize))
	}
	if !knownBackends[strings.ToLower(c.Backend)] {
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.QueueDepth <= 0 || c.RingEntries <= 0 || c.PollBatch <= 0 {
		errs = append(errs, errors.New("queue_depth, ring_entries and poll_batch must be > 0"))
	}
	if !knownAssignments[c.Assignment] {
		errs = append(errs, fmt.Errorf("unknown assignment %q", c.Assignment))
	}
	return errors.Join(errs...)
}
