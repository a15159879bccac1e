package strand

import "errors"

var (
	// ErrServerClosed is returned by Run on a Server that has already
	// been run or closed.
	ErrServerClosed = errors.New("strand: server closed")

	// ErrCrashLoop is returned by Run when workers crash faster than the
	// configured restart budget allows.
	ErrCrashLoop = errors.New("strand: worker crash loop")

	// ErrTooLarge marks a request that outgrew the configured buffer limit.
	ErrTooLarge = errors.New("strand: request exceeds buffer limit")

	// ErrMalformed marks bytes that do not parse as a request.
	ErrMalformed = errors.New("strand: malformed request")

	// ErrPollInvariant is a worker-fatal bookkeeping violation: readiness
	// reported for a descriptor nobody waits on, or a second task waiting
	// on a descriptor that already has a waiter.
	ErrPollInvariant = errors.New("strand: poll invariant violation")

	// ErrNoReply marks a handler that returned without producing any reply.
	ErrNoReply = errors.New("strand: handler produced no reply")

	// ErrHandlerPanic wraps a panic recovered at the dispatch boundary.
	ErrHandlerPanic = errors.New("strand: handler panic")

	// ErrStreamClosed is returned by StreamWriter.Write after the consumer
	// side has gone away.
	ErrStreamClosed = errors.New("strand: stream closed")

	errNeedMore = errors.New("strand: need more bytes")
)
