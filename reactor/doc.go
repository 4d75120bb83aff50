// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor runs thread-per-core workers, each owning one backend
// driver and one buffer arena, and routes every handle to exactly one of
// them for its lifetime.
//
// Callers submit api.Interest values and receive exactly one api.Completion
// per accepted submission, through a Future or a callback that runs on the
// owning worker's thread. Stream layers the HBTP decoder over a re-arming
// read loop.
package reactor
