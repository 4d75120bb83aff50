//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package driver

import "github.com/momentics/hioload-hbtp/api"

var platformOrder = []api.BackendKind{api.BackendKqueue}

func probe(k api.BackendKind) error {
	if k == api.BackendKqueue {
		return nil
	}
	return api.ErrBackendUnavailable
}

func open(_ api.BackendKind, opts Options) (api.Driver, error) {
	return newKqueueDriver(opts)
}
