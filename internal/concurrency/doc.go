// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives for the reactor workers: the bounded multi-producer
// inbox each worker drains, the worker-local timer queue used for deadlines,
// and CPU topology discovery for thread-per-core placement.
package concurrency
