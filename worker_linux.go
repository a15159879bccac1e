package strand

import (
	"fmt"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// worker owns one scheduler, one poll instance and one listening socket,
// and runs them on a single locked OS thread. Workers share nothing
// mutable: the supervisor reads the atomic counters, everything else is
// loop-local.
type worker struct {
	id       int
	srv      *Server
	log      *zap.Logger
	ln       *listener
	lnaddr   net.Addr
	sc       *sched
	conns    map[int]*conn
	seq      uint64
	limiter  *peerLimiter
	maxReq   int
	idle     time.Duration
	grace    time.Duration
	maxConns int

	draining bool
	acceptT  *task
	graceT   *task
	capGate  gate

	// polled by the supervisor and metrics; never written elsewhere
	accepted   atomic.Int64
	dispatched atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
	active     atomic.Int64
}

type workerStats struct {
	accepted   int64
	dispatched int64
	completed  int64
	failed     int64
	dropped    int64
	active     int64
}

func newWorker(id int, srv *Server, ln *listener) (*worker, error) {
	sc, err := mkSched()
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}
	cfg := srv.cfg
	return &worker{
		id:       id,
		srv:      srv,
		log:      srv.log.With(zap.Int("worker", id)),
		ln:       ln,
		lnaddr:   ln.addr,
		sc:       sc,
		conns:    make(map[int]*conn),
		limiter:  newPeerLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		maxReq:   cfg.MaxRequestBytes,
		idle:     cfg.IdleTimeout,
		grace:    cfg.DrainGrace,
		maxConns: cfg.MaxConns,
	}, nil
}

func (w *worker) nextSeq() uint64 {
	w.seq++
	return w.seq
}

// run drives the loop until drain completes or a fatal error. A nil
// return is a clean exit; the supervisor decides restart policy from
// anything else, including recovered panics.
func (w *worker) run() (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d panic: %v", w.id, r)
		}
		w.cleanup()
	}()
	w.acceptT = w.sc.spawn("accept", w.acceptLoop)
	w.log.Info("worker serving", zap.Stringer("addr", w.lnaddr))
	if err := w.sc.run(); err != nil {
		return fmt.Errorf("worker %d: %w", w.id, err)
	}
	w.log.Info("worker exited cleanly")
	return nil
}

// cleanup releases every descriptor the worker still owns. Reached on
// both clean exits (nothing left to do) and crashes (in-flight
// connections dropped).
func (w *worker) cleanup() {
	for fd, c := range w.conns {
		if c.stream != nil {
			c.stream.abort()
		}
		unix.Close(fd)
	}
	w.conns = make(map[int]*conn)
	w.active.Store(0)
	w.ln.close()
	w.sc.close()
}

// acceptLoop accepts everything pending on each listener readiness
// report, spawning one connection task per accept. At the connection cap
// it parks on the gate that closing connections open.
func (w *worker) acceptLoop(k wake) pending {
	if k == wakeCancel || w.draining {
		return pendingDone()
	}
	for {
		if len(w.conns) >= w.maxConns {
			return awaitGate(&w.capGate, time.Time{})
		}
		nfd, sa, err := unix.Accept4(w.ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EAGAIN:
				return waitRead(w.ln.fd, time.Time{})
			case unix.EMFILE, unix.ENFILE:
				w.log.Warn("accept hit descriptor limit", zap.Error(err))
				return sleepUntil(time.Now().Add(50 * time.Millisecond))
			default:
				w.log.Error("accept failed", zap.Error(err))
				return sleepUntil(time.Now().Add(50 * time.Millisecond))
			}
		}
		w.accepted.Add(1)
		if w.limiter != nil && !w.limiter.allow(ipOf(sa), time.Now()) {
			w.dropped.Add(1)
			unix.Close(nfd)
			continue
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		c := newConn(w, nfd, sa)
		w.conns[nfd] = c
		w.active.Add(1)
		c.t = w.sc.spawn("conn", c.run)
	}
}

// closeConn is the single place a connection's descriptor is released.
func (w *worker) closeConn(c *conn) {
	delete(w.conns, c.fd)
	unix.Close(c.fd)
	w.active.Add(-1)
	if w.capGate.t != nil {
		w.capGate.open(w.sc)
	}
	if w.draining && len(w.conns) == 0 && w.graceT != nil {
		w.sc.cancel(w.graceT)
	}
}

// drain asks the worker to stop accepting, let in-flight work finish
// within the grace period and exit. Safe from any goroutine; the actual
// work runs on the loop thread.
func (w *worker) drain() {
	w.sc.do(w.beginDrain)
}

// stop cancels everything immediately. Used after the grace period has
// already been spent at the supervisor level.
func (w *worker) stop() {
	w.sc.do(func() {
		w.draining = true
		if w.acceptT != nil {
			w.sc.cancel(w.acceptT)
		}
		w.ln.close()
		for _, c := range w.conns {
			w.sc.cancel(c.t)
		}
		if w.graceT != nil {
			w.sc.cancel(w.graceT)
		}
	})
}

func (w *worker) beginDrain() {
	if w.draining {
		return
	}
	w.draining = true
	w.log.Info("worker draining", zap.Int("active", len(w.conns)))
	if w.acceptT != nil {
		w.sc.cancel(w.acceptT)
	}
	w.ln.close()
	// Idle keep-alive connections are not in-flight work; closing them
	// now keeps the drain from burning the whole grace period on them.
	for _, c := range w.conns {
		if c.state == stReading && len(c.rbuf) == 0 {
			w.sc.cancel(c.t)
		}
	}
	switch {
	case len(w.conns) == 0:
	case w.grace <= 0:
		for _, c := range w.conns {
			w.sc.cancel(c.t)
		}
	default:
		w.graceT = w.sc.spawn("drain-grace", w.graceTask)
	}
}

func (w *worker) graceTask(k wake) pending {
	switch k {
	case wakeStart:
		return sleepUntil(time.Now().Add(w.grace))
	case wakeTimer:
		if n := len(w.conns); n > 0 {
			w.log.Warn("drain grace expired", zap.Int("cancelled", n))
			for _, c := range w.conns {
				w.sc.cancel(c.t)
			}
		}
		return pendingDone()
	default:
		return pendingDone()
	}
}

func (w *worker) snapshot() workerStats {
	return workerStats{
		accepted:   w.accepted.Load(),
		dispatched: w.dispatched.Load(),
		completed:  w.completed.Load(),
		failed:     w.failed.Load(),
		dropped:    w.dropped.Load(),
		active:     w.active.Load(),
	}
}

func ipOf(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(sa.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(sa.Addr[:]).String()
	}
	return ""
}
