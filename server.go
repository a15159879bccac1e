package strand

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Option customizes a Server beyond what Config covers.
type Option func(*Server)

// WithLogger routes runtime logs through log. The default is a nop
// logger, which keeps the library quiet inside tests and embedders.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// Stats is a point-in-time aggregate of the worker counters. It is
// computed by polling each worker's own counters; workers never write to
// shared cells.
type Stats struct {
	WorkersAlive int
	Restarts     int64
	Accepted     int64
	Dispatched   int64
	Completed    int64
	Failed       int64
	Dropped      int64
	Active       int64
}

// Server assembles a pool of single-threaded event-loop workers behind
// one listening address. New binds the listeners up front so address
// errors surface before anything serves; Run serves until its context is
// cancelled and then drains.
type Server struct {
	cfg     Config
	log     *zap.Logger
	handler Handler
	pool    *ants.Pool
	sup     *supervisor
	started atomic.Bool
}

func New(cfg Config, h Handler, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("strand: nil handler")
	}
	s := &Server{
		cfg:     cfg,
		log:     zap.NewNop(),
		handler: h,
	}
	for _, o := range opts {
		o(s)
	}
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("dispatch pool: %w", err)
	}
	s.pool = pool
	sup, err := newSupervisor(s)
	if err != nil {
		pool.Release()
		return nil, err
	}
	s.sup = sup
	return s, nil
}

// Addr reports the bound listen address. With an ephemeral port in the
// configuration this is the resolved one.
func (s *Server) Addr() string { return s.sup.addr.String() }

// Run serves until ctx is cancelled, then drains and returns. The
// returned error is nil after a clean drain, wraps ErrCrashLoop when the
// restart budget was exhausted, and reports the first startup failure
// otherwise. Run may be called once; later calls return ErrServerClosed.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	defer s.pool.Release()
	return s.sup.run(ctx)
}

// Close releases the resources of a Server that was never run. After Run
// has been called it does nothing; Run cleans up behind itself.
func (s *Server) Close() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.pool.Release()
	return s.sup.close()
}

// Stats aggregates the worker counters.
func (s *Server) Stats() Stats { return s.sup.stats() }

// submit hands fn to the dispatch pool. Nonblocking: when the pool is
// saturated the error surfaces to the caller instead of stalling a loop
// thread.
func (s *Server) submit(fn func()) error {
	return s.pool.Submit(fn)
}
