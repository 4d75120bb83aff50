// File: reactor/state.go
// Author: momentics <momentics@gmail.com>

package reactor

// WorkerState is the lifecycle position of a worker.
type WorkerState int32

const (
	StateStarting WorkerState = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// reactor-level lifecycle
const (
	reactorCreated int32 = iota
	reactorStarting
	reactorRunning
	reactorStopping
	reactorStopped
)
