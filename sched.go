package strand

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// wake tells a resumed task why it is running again.
type wake uint8

const (
	wakeStart    wake = iota // first run after spawn
	wakeReadable             // awaited descriptor is readable
	wakeWritable             // awaited descriptor is writable
	wakeYield                // resumed after an explicit yield
	wakeTimer                // an explicit sleep elapsed
	wakeTimeout              // the deadline attached to a wait elapsed
	wakeComplete             // an awaited future, stream or gate fired
	wakeCancel               // cooperative cancellation; tear down and finish
)

func (w wake) String() string {
	switch w {
	case wakeStart:
		return "start"
	case wakeReadable:
		return "readable"
	case wakeWritable:
		return "writable"
	case wakeYield:
		return "yield"
	case wakeTimer:
		return "timer"
	case wakeTimeout:
		return "timeout"
	case wakeComplete:
		return "complete"
	case wakeCancel:
		return "cancel"
	}
	return "unknown"
}

type pendKind uint8

const (
	pendDone pendKind = iota
	pendYield
	pendRead
	pendWrite
	pendSleep
	pendFuture
	pendStream
	pendGate
)

// pending is what a task returns to describe its next suspension. The
// zero value means done.
type pending struct {
	kind     pendKind
	fd       int
	deadline time.Time // zero means wait forever; for pendSleep, the fire time
	fut      *future
	st       *stream
	g        *gate
}

func pendingDone() pending            { return pending{kind: pendDone} }
func pendingYield() pending           { return pending{kind: pendYield} }
func sleepUntil(at time.Time) pending { return pending{kind: pendSleep, deadline: at} }

func waitRead(fd int, deadline time.Time) pending {
	return pending{kind: pendRead, fd: fd, deadline: deadline}
}

func waitWrite(fd int, deadline time.Time) pending {
	return pending{kind: pendWrite, fd: fd, deadline: deadline}
}

func awaitFuture(f *future, deadline time.Time) pending {
	return pending{kind: pendFuture, fut: f, deadline: deadline}
}

func awaitStream(s *stream, deadline time.Time) pending {
	return pending{kind: pendStream, st: s, deadline: deadline}
}

func awaitGate(g *gate, deadline time.Time) pending {
	return pending{kind: pendGate, g: g, deadline: deadline}
}

// task is one cooperative unit of work. It runs until its fn returns a
// pending state, is resumed with a wake reason, and is never preempted.
// Tasks belong to exactly one scheduler and are touched only from its
// loop thread; waitGen invalidates completion wakes that arrive after
// the task moved on.
type task struct {
	id        uint64
	name      string
	fn        func(w wake) pending
	pk        pendKind
	wk        wake
	fd        int
	g         *gate
	at        time.Time
	hidx      int
	waitSeq   uint64
	waitGen   uint64
	ready     bool
	cancelled bool
	finished  bool
}

// gate is a loop-local latch: open marks it fired, and the next (or
// current) waiter is resumed once per open. Used for conditions that
// other tasks on the same loop signal, such as a free connection slot.
type gate struct {
	t      *task
	opened bool
}

func (g *gate) open(s *sched) {
	if g.t != nil {
		t := g.t
		g.t = nil
		s.wakeParked(t, wakeComplete)
		return
	}
	g.opened = true
}

// sched runs tasks on a single OS thread. Ready tasks run in FIFO order;
// tasks readied by one poll batch resume in the order they registered
// their waits. All state except extq is owned by the loop thread.
type sched struct {
	pl      *poll
	waiting map[int]*task
	timers  timerHeap
	runq    []*task
	batch   []*task
	ntasks  int
	seq     uint64
	ids     uint64
	fatal   error

	extmu     sync.Mutex
	extq      []func()
	extClosed bool
}

func mkSched() (*sched, error) {
	pl, err := mkPoll()
	if err != nil {
		return nil, err
	}
	return &sched{
		pl:      pl,
		waiting: make(map[int]*task),
	}, nil
}

// close tears down the poll instance. Later do calls become no-ops
// instead of waking a descriptor the kernel may have reused.
func (s *sched) close() error {
	s.extmu.Lock()
	defer s.extmu.Unlock()
	if s.extClosed {
		return nil
	}
	s.extClosed = true
	return s.pl.close()
}

// spawn queues a new task for the next cycle.
func (s *sched) spawn(name string, fn func(w wake) pending) *task {
	s.ids++
	t := &task{
		id:    s.ids,
		name:  name,
		fn:    fn,
		wk:    wakeStart,
		hidx:  -1,
		ready: true,
	}
	s.ntasks++
	s.runq = append(s.runq, t)
	return t
}

// do schedules fn onto the loop thread from any thread, waking the loop
// if it is blocked in poll. Dropped silently once the scheduler is
// closed; the wake write stays under extmu so it cannot race close.
func (s *sched) do(fn func()) {
	s.extmu.Lock()
	defer s.extmu.Unlock()
	if s.extClosed {
		return
	}
	s.extq = append(s.extq, fn)
	s.pl.wake()
}

// cancel marks t for cooperative teardown. A parked task is woken with
// wakeCancel now; a ready or running task observes wakeCancel at its
// next resumption or suspension point. Loop thread only.
func (s *sched) cancel(t *task) {
	if t.finished || t.cancelled {
		return
	}
	t.cancelled = true
	if !t.ready {
		s.wakeParked(t, wakeCancel)
	}
}

// run drives tasks until none remain or a fatal invariant trips. Each
// cycle steps only the tasks that were ready at its start; tasks queued
// during the cycle, yields included, run in the next one, so external
// work and descriptor readiness are serviced between any two runs of
// the same task.
func (s *sched) run() error {
	for {
		s.runExternal()
		n := len(s.runq)
		for i := 0; i < n; i++ {
			t := s.runq[i]
			s.runq[i] = nil
			s.step(t)
			if s.fatal != nil {
				return s.fatal
			}
		}
		s.runq = append(s.runq[:0], s.runq[n:]...)
		if s.ntasks == 0 {
			return nil
		}
		timeout := s.nextWait()
		if len(s.runq) > 0 {
			timeout = 0
		}
		if _, err := s.pl.wait(timeout, s.harvest); err != nil {
			return fmt.Errorf("poll wait: %w", err)
		}
		if s.fatal != nil {
			return s.fatal
		}
		s.flushBatch()
		s.fireTimers(time.Now())
	}
}

func (s *sched) runExternal() {
	s.extmu.Lock()
	fns := s.extq
	s.extq = nil
	s.extmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *sched) nextWait() time.Duration {
	t := s.timers.peek()
	if t == nil {
		return -1
	}
	d := time.Until(t.at)
	if d < 0 {
		return 0
	}
	return d
}

func (s *sched) harvest(fd int, ready int8) {
	t, ok := s.waiting[fd]
	if !ok {
		if s.fatal == nil {
			s.fatal = fmt.Errorf("%w: readiness for unwaited fd %d", ErrPollInvariant, fd)
		}
		return
	}
	s.batch = append(s.batch, t)
}

// flushBatch resumes the tasks readied by the last poll batch in their
// wait-registration order.
func (s *sched) flushBatch() {
	if len(s.batch) == 0 {
		return
	}
	sort.Slice(s.batch, func(i, j int) bool { return s.batch[i].waitSeq < s.batch[j].waitSeq })
	for _, t := range s.batch {
		w := wakeReadable
		if t.pk == pendWrite {
			w = wakeWritable
		}
		s.wakeParked(t, w)
	}
	s.batch = s.batch[:0]
}

func (s *sched) fireTimers(now time.Time) {
	for {
		t := s.timers.peek()
		if t == nil || t.at.After(now) {
			return
		}
		s.timers.pop()
		w := wakeTimeout
		if t.pk == pendSleep {
			w = wakeTimer
		}
		s.wakeParked(t, w)
	}
}

// wakeParked moves a suspended task to the run queue with reason w.
// No-op for tasks already queued or finished.
func (s *sched) wakeParked(t *task, w wake) {
	if t.finished || t.ready {
		return
	}
	s.unpark(t)
	t.wk = w
	t.ready = true
	s.runq = append(s.runq, t)
}

// unpark tears down whatever wait t is registered for.
func (s *sched) unpark(t *task) {
	switch t.pk {
	case pendRead, pendWrite:
		if s.waiting[t.fd] == t {
			delete(s.waiting, t.fd)
			s.pl.disarm(t.fd)
		}
	case pendGate:
		if t.g != nil && t.g.t == t {
			t.g.t = nil
		}
		t.g = nil
	}
	if t.hidx >= 0 {
		s.timers.remove(t)
	}
	t.waitGen++
}

func (s *sched) step(t *task) {
	t.ready = false
	if t.finished {
		return
	}
	w := t.wk
	if t.cancelled {
		w = wakeCancel
	}
	p := t.fn(w)
	if p.kind == pendDone {
		t.finished = true
		s.ntasks--
		return
	}
	if t.cancelled {
		// A cancelled task may only run toward completion; turn any
		// further suspension into an immediate cancel redelivery.
		t.ready = true
		s.runq = append(s.runq, t)
		return
	}
	t.pk = p.kind
	switch p.kind {
	case pendYield:
		t.wk = wakeYield
		t.ready = true
		s.runq = append(s.runq, t)
	case pendRead, pendWrite:
		if prev, dup := s.waiting[p.fd]; dup {
			s.fatal = fmt.Errorf("%w: fd %d already awaited by task %d (%s)",
				ErrPollInvariant, p.fd, prev.id, prev.name)
			return
		}
		if err := s.pl.arm(p.fd, p.kind == pendWrite); err != nil {
			s.fatal = fmt.Errorf("%w: arm fd %d: %v", ErrPollInvariant, p.fd, err)
			return
		}
		t.fd = p.fd
		s.waiting[p.fd] = t
		t.waitSeq = s.seq
		s.seq++
		if !p.deadline.IsZero() {
			s.timers.push(t, p.deadline)
		}
	case pendSleep:
		s.timers.push(t, p.deadline)
	case pendFuture:
		if !p.deadline.IsZero() {
			s.timers.push(t, p.deadline)
		}
		if p.fut.park(t) {
			s.wakeParked(t, wakeComplete)
		}
	case pendStream:
		if !p.deadline.IsZero() {
			s.timers.push(t, p.deadline)
		}
		if p.st.park(t) {
			s.wakeParked(t, wakeComplete)
		}
	case pendGate:
		if p.g.opened {
			p.g.opened = false
			t.ready = true
			t.wk = wakeComplete
			s.runq = append(s.runq, t)
			return
		}
		p.g.t = t
		t.g = p.g
		if !p.deadline.IsZero() {
			s.timers.push(t, p.deadline)
		}
	}
}
