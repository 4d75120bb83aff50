// Package pool
// Author: momentics <momentics@gmail.com>
//
// Fixed-capacity buffer arena for the reactor workers.
// One arena is allocated per worker as a single page-aligned region split into
// equal slots. Slots are addressed by index, registered with the backend once
// and then checked out, used and returned. The arena never grows and never
// blocks: an empty free list is reported as api.ErrPoolExhausted.
package pool
