//go:build windows

package driver

import "github.com/momentics/hioload-hbtp/api"

var platformOrder = []api.BackendKind{api.BackendIOCP}

func probe(k api.BackendKind) error {
	if k == api.BackendIOCP {
		return nil
	}
	return api.ErrBackendUnavailable
}

func open(_ api.BackendKind, opts Options) (api.Driver, error) {
	return newIOCPDriver(opts)
}
