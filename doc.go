// Package strand is an event-driven HTTP/1.1 server runtime built on
// epoll and cooperative scheduling.
//
// A Server runs a fixed pool of workers. Each worker owns one OS thread,
// one SO_REUSEPORT listening socket and one scheduler; connections are
// cooperative tasks on that scheduler and never migrate between workers,
// so per-connection state needs no locking. Handlers run on the worker
// thread and must not block: slow work goes through Ctx.Async or
// Ctx.Stream, which execute on a shared goroutine pool and wake the
// connection task when results are ready.
//
// A supervisor watches the workers, replaces crashed ones with
// exponential backoff, and shuts the process down when crashes exhaust
// the configured budget.
//
// The runtime is Linux-only.
package strand
