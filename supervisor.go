package strand

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// liveness is the supervisor's view of one worker slot.
type liveness uint8

const (
	liveAlive liveness = iota
	liveRestarting
	liveExitedClean
	liveExitedCrashed
)

func (l liveness) String() string {
	switch l {
	case liveAlive:
		return "alive"
	case liveRestarting:
		return "restarting"
	case liveExitedClean:
		return "exited-clean"
	case liveExitedCrashed:
		return "exited-crashed"
	}
	return "unknown"
}

// runner is the supervisor's view of a worker. Tests substitute scripted
// implementations to exercise the restart machinery.
type runner interface {
	run() error
	drain()
	stop()
	snapshot() workerStats
}

// wslot is one position in the worker pool. gen counts launches so log
// lines can tell replacements apart.
type wslot struct {
	id      int
	gen     int
	r       runner
	state   liveness
	started time.Time
	off     *backoff.ExponentialBackOff
}

type exitEvent struct {
	id  int
	err error
}

// supervisor keeps the worker pool at its target size. It binds every
// listening socket up front (a bind failure is a startup failure, not a
// crash), replaces crashed workers on an exponential backoff schedule,
// refuses to restart anything once shutdown begins, and gives up with
// ErrCrashLoop when exits exhaust the crash budget.
type supervisor struct {
	srv   *Server
	log   *zap.Logger
	runID string
	addr  *net.TCPAddr
	lns   []*listener

	mu      sync.Mutex
	slots   []*wslot
	retired workerStats

	budget   *rate.Limiter
	exits    chan exitEvent
	kicks    chan int
	stopping atomic.Bool
	restarts atomic.Int64

	// overridable in tests
	spawn func(id int) (runner, error)
	after func(d time.Duration, fn func())
}

func newSupervisor(s *Server) (*supervisor, error) {
	cfg := s.cfg
	p := &supervisor{
		srv:   s,
		runID: uuid.NewString(),
		exits: make(chan exitEvent, cfg.Workers),
		kicks: make(chan int, cfg.Workers),
		budget: rate.NewLimiter(
			rate.Limit(float64(cfg.Restart.Budget)/cfg.Restart.BudgetWindow.Seconds()),
			cfg.Restart.Budget),
	}
	p.log = s.log.With(zap.String("run_id", p.runID))
	p.spawn = p.spawnWorker
	p.after = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }

	ln, err := listenTCP(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.Listen, err)
	}
	p.addr = ln.addr
	p.lns = make([]*listener, cfg.Workers)
	p.lns[0] = ln
	for i := 1; i < cfg.Workers; i++ {
		l, err := listenTCP(p.addr.String())
		if err != nil {
			p.close()
			return nil, fmt.Errorf("bind %s: %w", p.addr, err)
		}
		p.lns[i] = l
	}

	p.slots = make([]*wslot, cfg.Workers)
	for i := range p.slots {
		off := backoff.NewExponentialBackOff()
		off.InitialInterval = cfg.Restart.InitialDelay
		off.MaxInterval = cfg.Restart.MaxDelay
		off.Multiplier = cfg.Restart.Multiplier
		off.RandomizationFactor = 0
		off.MaxElapsedTime = 0
		off.Reset()
		p.slots[i] = &wslot{id: i, state: liveRestarting, off: off}
	}
	return p, nil
}

// close releases listeners that no worker has taken over.
func (p *supervisor) close() error {
	var err error
	for i, l := range p.lns {
		if l != nil {
			err = multierr.Append(err, l.close())
			p.lns[i] = nil
		}
	}
	return err
}

// takeListener hands out the pre-bound listener for a slot, binding a
// fresh one for replacement workers whose predecessor closed its socket
// on the way down.
func (p *supervisor) takeListener(id int) (*listener, error) {
	if l := p.lns[id]; l != nil {
		p.lns[id] = nil
		return l, nil
	}
	return listenTCP(p.addr.String())
}

func (p *supervisor) spawnWorker(id int) (runner, error) {
	ln, err := p.takeListener(id)
	if err != nil {
		return nil, err
	}
	w, err := newWorker(id, p.srv, ln)
	if err != nil {
		ln.close()
		return nil, err
	}
	return w, nil
}

func (p *supervisor) launch(sl *wslot) error {
	r, err := p.spawn(sl.id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	sl.gen++
	sl.r = r
	sl.state = liveAlive
	sl.started = time.Now()
	p.mu.Unlock()
	if sl.gen > 1 {
		p.restarts.Add(1)
		p.log.Info("worker replaced",
			zap.Int("worker", sl.id), zap.Int("generation", sl.gen))
	}
	id := sl.id
	go func() {
		p.exits <- exitEvent{id: id, err: r.run()}
	}()
	return nil
}

func (p *supervisor) run(ctx context.Context) error {
	p.log.Info("supervisor starting",
		zap.Int("workers", len(p.slots)), zap.Stringer("addr", p.addr))
	alive := 0
	for _, sl := range p.slots {
		if err := p.launch(sl); err != nil {
			p.log.Error("worker startup failed", zap.Int("worker", sl.id), zap.Error(err))
			p.stopAll()
			p.awaitExits(&alive, 2*time.Second, nil)
			p.close()
			return fmt.Errorf("start worker %d: %w", sl.id, err)
		}
		alive++
	}

	for {
		select {
		case <-ctx.Done():
			return p.shutdown(&alive)

		case ev := <-p.exits:
			alive--
			sl := p.slots[ev.id]
			p.noteExit(sl, ev.err)
			if fatal := p.handleCrash(sl, ev.err); fatal != nil {
				p.log.Error("crash budget exhausted", zap.Error(fatal))
				p.stopAll()
				p.awaitExits(&alive, 2*time.Second, nil)
				return fatal
			}

		case id := <-p.kicks:
			sl := p.slots[id]
			if sl.state != liveRestarting {
				continue
			}
			if err := p.launch(sl); err != nil {
				if fatal := p.handleCrash(sl, err); fatal != nil {
					p.log.Error("crash budget exhausted", zap.Error(fatal))
					p.stopAll()
					p.awaitExits(&alive, 2*time.Second, nil)
					return fatal
				}
				continue
			}
			alive++
		}
	}
}

// noteExit records a worker's terminal state and folds its final
// counters into the retired aggregate so totals survive replacement.
func (p *supervisor) noteExit(sl *wslot, err error) {
	p.mu.Lock()
	if err != nil {
		sl.state = liveExitedCrashed
	} else {
		sl.state = liveExitedClean
	}
	if sl.r != nil {
		p.retired = addStats(p.retired, sl.r.snapshot())
	}
	p.mu.Unlock()
	if err != nil {
		p.log.Error("worker crashed", zap.Int("worker", sl.id), zap.Error(err))
	}
}

// handleCrash decides what an unexpected exit means: a scheduled
// replacement, or process failure when exits come faster than the
// budget. Clean shutdown never reaches here; Run's loop has already
// moved to shutdown.
func (p *supervisor) handleCrash(sl *wslot, err error) error {
	if err == nil {
		p.log.Warn("worker exited without being asked", zap.Int("worker", sl.id))
	}
	if !p.budget.Allow() {
		return fmt.Errorf("%w: more than %d worker exits within %s",
			ErrCrashLoop, p.srv.cfg.Restart.Budget, p.srv.cfg.Restart.BudgetWindow)
	}
	p.mu.Lock()
	if time.Since(sl.started) >= p.srv.cfg.Restart.BudgetWindow {
		// The previous worker was healthy for a full window; start the
		// backoff schedule over.
		sl.off.Reset()
	}
	sl.state = liveRestarting
	p.mu.Unlock()
	delay := sl.off.NextBackOff()
	if delay == backoff.Stop {
		delay = p.srv.cfg.Restart.MaxDelay
	}
	p.log.Info("scheduling replacement worker",
		zap.Int("worker", sl.id), zap.Duration("delay", delay))
	id := sl.id
	p.after(delay, func() {
		if p.stopping.Load() {
			return
		}
		select {
		case p.kicks <- id:
		default:
		}
	})
	return nil
}

// shutdown drains every live worker, waits out the grace period plus a
// small epsilon, hard-stops stragglers and returns any crash errors
// collected along the way.
func (p *supervisor) shutdown(alive *int) error {
	p.stopping.Store(true)
	p.log.Info("shutdown requested, draining workers", zap.Int("alive", *alive))
	p.mu.Lock()
	for _, sl := range p.slots {
		if sl.state == liveAlive {
			sl.r.drain()
		}
	}
	p.mu.Unlock()

	var errs error
	p.awaitExits(alive, p.srv.cfg.DrainGrace+time.Second, &errs)
	if *alive > 0 {
		p.log.Warn("drain grace exceeded, stopping workers", zap.Int("alive", *alive))
		p.stopAll()
		p.awaitExits(alive, 2*time.Second, &errs)
	}
	if *alive > 0 {
		p.log.Error("workers failed to stop", zap.Int("alive", *alive))
	} else {
		p.log.Info("shutdown complete")
	}
	return errs
}

func (p *supervisor) stopAll() {
	p.stopping.Store(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sl := range p.slots {
		if sl.state == liveAlive {
			sl.r.stop()
		}
	}
}

// awaitExits consumes exit events until none are outstanding or the
// timeout lapses, folding crash errors into errs when provided.
func (p *supervisor) awaitExits(alive *int, d time.Duration, errs *error) {
	if *alive <= 0 {
		return
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for *alive > 0 {
		select {
		case ev := <-p.exits:
			*alive--
			p.noteExit(p.slots[ev.id], ev.err)
			if ev.err != nil && errs != nil {
				*errs = multierr.Append(*errs, ev.err)
			}
		case <-deadline.C:
			return
		}
	}
}

func addStats(a, b workerStats) workerStats {
	return workerStats{
		accepted:   a.accepted + b.accepted,
		dispatched: a.dispatched + b.dispatched,
		completed:  a.completed + b.completed,
		failed:     a.failed + b.failed,
		dropped:    a.dropped + b.dropped,
	}
}

// stats folds live worker counters into the retired aggregate. Active
// connections only count for workers that are still alive.
func (p *supervisor) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := p.retired
	st := Stats{Restarts: p.restarts.Load()}
	for _, sl := range p.slots {
		if sl.state != liveAlive || sl.r == nil {
			continue
		}
		ws := sl.r.snapshot()
		sum = addStats(sum, ws)
		st.WorkersAlive++
		st.Active += ws.active
	}
	st.Accepted = sum.accepted
	st.Dispatched = sum.dispatched
	st.Completed = sum.completed
	st.Failed = sum.failed
	st.Dropped = sum.dropped
	return st
}
