// File: driver/driver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Backend selection. The probe order is fixed per platform and the result is
// fixed for the lifetime of the reactor that asked for it.

package driver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-hbtp/api"
)

// Options configures a driver instance.
type Options struct {
	// Kind is the backend to open; BackendAuto is resolved through Select.
	Kind api.BackendKind
	// RingEntries bounds queued submissions (SQ size on io_uring).
	RingEntries uint32
	// PollBatch bounds how many OS events one wait returns.
	PollBatch int
	Logger    zerolog.Logger
}

func (o *Options) normalize() {
	if o.RingEntries == 0 {
		o.RingEntries = defaultEntries
	}
	if o.PollBatch <= 0 {
		o.PollBatch = 128
	}
}

const defaultEntries = 256

// ParseKind maps a configuration string to a backend kind.
func ParseKind(s string) (api.BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return api.BackendAuto, nil
	case "io_uring", "iouring", "uring":
		return api.BackendIoUring, nil
	case "epoll":
		return api.BackendEpoll, nil
	case "kqueue":
		return api.BackendKqueue, nil
	case "iocp":
		return api.BackendIOCP, nil
	default:
		return api.BackendAuto, fmt.Errorf("driver: unknown backend %q: %w", s, api.ErrInvalidArgument)
	}
}

var (
	probeOnce sync.Once
	probed    []api.BackendKind
)

// Available lists the kinds this process can open, fastest first.
// The probe runs once per process.
func Available() []api.BackendKind {
	probeOnce.Do(func() {
		for _, k := range platformOrder {
			if probe(k) == nil {
				probed = append(probed, k)
			}
		}
	})
	return probed
}

// Select resolves override against the platform. BackendAuto picks the first
// available kind; an explicit kind fails with api.ErrBackendUnavailable when
// the platform cannot provide it.
func Select(override api.BackendKind) (api.BackendKind, error) {
	avail := Available()
	if override == api.BackendAuto {
		if len(avail) == 0 {
			return api.BackendAuto, api.ErrBackendUnavailable
		}
		return avail[0], nil
	}
	for _, k := range avail {
		if k == override {
			return k, nil
		}
	}
	return api.BackendAuto, fmt.Errorf("driver: %s: %w", override, api.ErrBackendUnavailable)
}

// BestAvailable names the backend Auto resolves to, or "none".
func BestAvailable() string {
	k, err := Select(api.BackendAuto)
	if err != nil {
		return "none"
	}
	return k.String()
}

// Open creates one driver instance. Each worker opens its own.
func Open(opts Options) (api.Driver, error) {
	opts.normalize()
	kind, err := Select(opts.Kind)
	if err != nil {
		return nil, err
	}
	d, err := open(kind, opts)
	if err != nil {
		return nil, fmt.Errorf("driver: open %s: %w", kind, err)
	}
	opts.Logger.Debug().Str("backend", kind.String()).Bool("zero_copy", d.ZeroCopy()).Msg("driver opened")
	return d, nil
}
