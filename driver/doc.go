// Package driver
// Author: momentics <momentics@gmail.com>
//
// Backend drivers: one thin wrapper per platform completion API.
//
//   - io_uring (Linux >= 5.6): submission/completion rings, fixed buffers, zero copy.
//   - epoll (Linux fallback): readiness engine, one copy into the arena slot.
//   - kqueue (macOS and the BSDs): readiness engine, one copy into the arena slot.
//   - IOCP (Windows): overlapped I/O straight into VirtualAlloc'd arena pages.
//
// Select and Open are the only places where the backend kind is inspected;
// everything above this package talks to api.Driver.
package driver
