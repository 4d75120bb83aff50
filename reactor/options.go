// File: reactor/options.go
// Author: momentics <momentics@gmail.com>
//
// Functional options for New.

package reactor

import (
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-hbtp/api"
	"github.com/momentics/hioload-hbtp/control"
)

// DriverFactory opens the driver for worker id. The default opens the
// backend chosen by driver.Select.
type DriverFactory func(id int) (api.Driver, error)

// Option customizes a Reactor.
type Option func(*options)

type options struct {
	log     zerolog.Logger
	factory DriverFactory
	store   *control.ConfigStore
	cpus    []int
}

// WithLogger sets the logger. Workers add worker and cpu fields.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDriverFactory replaces backend selection, e.g. with a fake driver.
func WithDriverFactory(f DriverFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithConfigStore subscribes the reactor to hot reloads of op_timeout,
// max_frame_size and log_level.
func WithConfigStore(cs *control.ConfigStore) Option {
	return func(o *options) { o.store = cs }
}

// WithCPUs overrides the CPUs workers are pinned to, cycled by worker id.
func WithCPUs(cpus ...int) Option {
	return func(o *options) { o.cpus = append([]int(nil), cpus...) }
}
