// Package pool
// Author: momentics <momentics@gmail.com>

package pool

// Stats is a point-in-time view of arena counters.
type Stats struct {
	Slots     int
	SlotSize  int
	InUse     int
	Checkouts uint64
	Returns   uint64
	Exhausted uint64
	// Misuse counts rejected returns (foreign, double or in-flight).
	Misuse uint64
}
