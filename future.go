package strand

import "sync"

// future carries the result of work delegated off the loop thread. At
// most one task awaits it; completion may come from any thread and is
// routed back through the scheduler's external queue. A completion that
// arrives after the waiter moved on (cancel, deadline) is dropped by the
// generation check.
type future struct {
	sc   *sched
	mu   sync.Mutex
	done bool
	res  *Response
	err  error
	t    *task
	gen  uint64
}

func newFuture(sc *sched) *future { return &future{sc: sc} }

// park registers t as the waiter. Reports true when the result is
// already in, in which case the scheduler requeues t itself.
func (f *future) park(t *task) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return true
	}
	f.t = t
	f.gen = t.waitGen
	return false
}

func (f *future) complete(res *Response, err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.res = res
	f.err = err
	t, gen := f.t, f.gen
	f.t = nil
	f.mu.Unlock()
	if t == nil {
		return
	}
	f.sc.do(func() {
		if t.waitGen == gen {
			f.sc.wakeParked(t, wakeComplete)
		}
	})
}

func (f *future) result() (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.err
}

// streamBufferBytes bounds how far a producer may run ahead of the
// connection before Write blocks.
const streamBufferBytes = 256 << 10

// stream hands body chunks from a producer goroutine to the consuming
// connection task.
type stream struct {
	sc       *sched
	mu       sync.Mutex
	space    *sync.Cond
	chunks   [][]byte
	buffered int
	closed   bool
	err      error
	dead     bool
	t        *task
	gen      uint64
}

func newStream(sc *sched) *stream {
	s := &stream{sc: sc}
	s.space = sync.NewCond(&s.mu)
	return s
}

func (s *stream) park(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) > 0 || s.closed {
		return true
	}
	s.t = t
	s.gen = t.waitGen
	return false
}

// take pops the next buffered chunk. fin reports that the producer
// finished (err carries its failure); ok false means nothing is
// available yet and the task should suspend.
func (s *stream) take() (chunk []byte, fin bool, err error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) > 0 {
		chunk = s.chunks[0]
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
		s.buffered -= len(chunk)
		s.space.Signal()
		return chunk, false, nil, true
	}
	if s.closed {
		return nil, true, s.err, true
	}
	return nil, false, nil, false
}

func (s *stream) write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c := append([]byte(nil), p...)
	s.mu.Lock()
	for s.buffered >= streamBufferBytes && !s.dead {
		s.space.Wait()
	}
	if s.dead {
		s.mu.Unlock()
		return 0, ErrStreamClosed
	}
	s.chunks = append(s.chunks, c)
	s.buffered += len(c)
	t, gen := s.t, s.gen
	s.t = nil
	s.mu.Unlock()
	s.wakeWaiter(t, gen)
	return len(p), nil
}

// close marks the producer side finished. Idempotent; the first error
// sticks.
func (s *stream) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	t, gen := s.t, s.gen
	s.t = nil
	s.mu.Unlock()
	s.wakeWaiter(t, gen)
}

// abort detaches the consumer: pending and future writes fail with
// ErrStreamClosed and a blocked producer is released.
func (s *stream) abort() {
	s.mu.Lock()
	s.dead = true
	s.t = nil
	s.mu.Unlock()
	s.space.Broadcast()
}

func (s *stream) wakeWaiter(t *task, gen uint64) {
	if t == nil {
		return
	}
	s.sc.do(func() {
		if t.waitGen == gen {
			s.sc.wakeParked(t, wakeComplete)
		}
	})
}

// StreamWriter is the producer side of a streaming response body,
// handed to the function passed to Ctx.Stream. Write copies p, may
// block while the connection catches up, and fails with ErrStreamClosed
// once the connection is gone. It satisfies io.Writer.
type StreamWriter struct {
	s *stream
}

func (w *StreamWriter) Write(p []byte) (int, error) { return w.s.write(p) }
