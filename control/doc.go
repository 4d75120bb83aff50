// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot-reload, runtime metrics and debug introspection for the
// reactor.
//
// Provides concurrent-safe state handling primitives including:
//   - Config loading from TOML, .env and HIOLOAD_* variables
//   - Snapshot config reads, atomic updates and reload listeners
//   - A file watcher applying the hot-reloadable subset
//   - Metrics registry and debug probe registration
package control
