//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd && !windows

package driver

import "github.com/momentics/hioload-hbtp/api"

var platformOrder []api.BackendKind

func probe(api.BackendKind) error { return api.ErrBackendUnavailable }

func open(api.BackendKind, Options) (api.Driver, error) {
	return nil, api.ErrBackendUnavailable
}
