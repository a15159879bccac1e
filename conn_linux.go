package strand

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type connState uint8

const (
	stReading connState = iota
	stDispatching
	stWriting
)

var bufPool = sync.Pool{
	New: func() any { return make([]byte, 0, 4096) },
}

// maxPooledBuf keeps request-sized buffers out of the pool once they
// have grown past typical traffic.
const maxPooledBuf = 64 << 10

// conn is one accepted connection, driven end to end by its own task:
// Reading accumulates bytes until a request parses, Dispatching hands it
// to the application, Writing flushes the response, then the state
// machine loops for keep-alive or tears down. All fields are owned by
// the task; nothing here is shared across workers.
type conn struct {
	fd    int
	seq   uint64
	w     *worker
	sa    unix.Sockaddr
	laddr net.Addr
	raddr net.Addr
	t     *task

	state      connState
	rbuf       []byte
	wbuf       []byte
	woff       int
	req        *Request
	ctx        Ctx
	stream     *stream
	awaiting   bool
	closeAfter bool
	session    map[string]any
}

func newConn(w *worker, fd int, sa unix.Sockaddr) *conn {
	return &conn{
		fd:    fd,
		seq:   w.nextSeq(),
		w:     w,
		sa:    sa,
		laddr: w.lnaddr,
		raddr: saToAddr(sa),
		rbuf:  bufPool.Get().([]byte)[:0],
		wbuf:  bufPool.Get().([]byte)[:0],
	}
}

func (c *conn) run(w wake) pending {
	switch w {
	case wakeCancel:
		return c.close()
	case wakeTimeout:
		c.w.log.Debug("connection idle timeout",
			zap.Uint64("conn", c.seq), zap.Stringer("peer", c.raddr))
		return c.close()
	}
	for {
		var p pending
		var stop bool
		switch c.state {
		case stReading:
			p, stop = c.stepRead()
		case stDispatching:
			p, stop = c.stepDispatch()
		case stWriting:
			p, stop = c.stepWrite()
		}
		if stop {
			return p
		}
	}
}

// stepRead accumulates input until one request parses, the buffer limit
// is hit, or the bytes are unparseable. Bytes left over from a previous
// read (pipelining) are consumed before touching the socket.
func (c *conn) stepRead() (pending, bool) {
	for {
		if len(c.rbuf) > 0 {
			req, n, err := parseRequest(c.rbuf, c.w.maxReq)
			switch {
			case err == nil:
				rest := copy(c.rbuf, c.rbuf[n:])
				c.rbuf = c.rbuf[:rest]
				c.req = req
				c.awaiting = false
				c.state = stDispatching
				c.w.dispatched.Add(1)
				return pending{}, false
			case errors.Is(err, errNeedMore):
			case errors.Is(err, ErrTooLarge):
				c.w.failed.Add(1)
				c.w.log.Debug("request too large",
					zap.Uint64("conn", c.seq), zap.Error(err))
				c.respond(errorResponse(413), true)
				return pending{}, false
			default:
				c.w.failed.Add(1)
				c.w.log.Debug("malformed request",
					zap.Uint64("conn", c.seq), zap.Error(err))
				c.respond(errorResponse(400), true)
				return pending{}, false
			}
		}
		if cap(c.rbuf)-len(c.rbuf) < 1024 {
			c.rbuf = growBuf(c.rbuf, 4096)
		}
		n, err := unix.Read(c.fd, c.rbuf[len(c.rbuf):cap(c.rbuf)])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return waitRead(c.fd, c.idleDeadline()), true
		}
		if err != nil || n == 0 {
			return c.close(), true
		}
		c.rbuf = c.rbuf[:len(c.rbuf)+n]
	}
}

// stepDispatch invokes the handler on first entry and collects the
// awaited result when resumed.
func (c *conn) stepDispatch() (pending, bool) {
	if c.awaiting {
		c.awaiting = false
		res, err := c.ctx.fut.result()
		switch {
		case err != nil:
			c.fail(err)
		case res == nil:
			c.fail(ErrNoReply)
		default:
			c.respond(res, false)
		}
		return pending{}, false
	}

	c.ctx.reset(c)
	if err := c.invoke(); err != nil {
		c.fail(err)
		return pending{}, false
	}
	switch c.ctx.mode {
	case replyNow:
		c.respond(c.ctx.res, false)
	case replyAsync:
		c.awaiting = true
		return awaitFuture(c.ctx.fut, time.Time{}), true
	case replyStream:
		c.stream = c.ctx.st
		c.beginStream()
	default:
		c.fail(ErrNoReply)
	}
	return pending{}, false
}

func (c *conn) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return c.w.srv.handler.Serve(&c.ctx, c.req)
}

// fail converts a handler failure into a generic 500. Panics close the
// connection afterwards; plain errors leave keep-alive intact since the
// request was fully consumed before dispatch.
func (c *conn) fail(err error) {
	c.w.failed.Add(1)
	c.w.log.Warn("handler failed",
		zap.Uint64("conn", c.seq),
		zap.String("method", c.req.Method),
		zap.String("target", c.req.Target),
		zap.Error(err))
	c.respond(errorResponse(500), errors.Is(err, ErrHandlerPanic))
}

func (c *conn) keepAlive(force bool) bool {
	if force || c.w.draining {
		return false
	}
	return c.req == nil || !c.req.wantClose()
}

func (c *conn) respond(res *Response, forceClose bool) {
	ka := c.keepAlive(forceClose)
	c.closeAfter = !ka
	c.wbuf = appendResponse(c.wbuf[:0], res, ka)
	c.woff = 0
	c.state = stWriting
}

func (c *conn) beginStream() {
	ka := c.keepAlive(false)
	c.closeAfter = !ka
	c.wbuf = appendStreamHead(c.wbuf[:0], c.ctx.stStatus, c.ctx.stHeader, ka)
	c.woff = 0
	c.state = stWriting
}

// stepWrite flushes the write buffer, refilling it from the stream for
// chunked responses. A short write suspends on writability.
func (c *conn) stepWrite() (pending, bool) {
	for {
		for c.woff < len(c.wbuf) {
			n, err := unix.Write(c.fd, c.wbuf[c.woff:])
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return waitWrite(c.fd, time.Time{}), true
			}
			if err != nil {
				c.w.log.Debug("write failed",
					zap.Uint64("conn", c.seq), zap.Error(err))
				return c.close(), true
			}
			c.woff += n
		}

		if c.stream != nil {
			chunk, fin, serr, ok := c.stream.take()
			if !ok {
				c.wbuf = c.wbuf[:0]
				c.woff = 0
				return awaitStream(c.stream, time.Time{}), true
			}
			if !fin {
				c.wbuf = appendChunk(c.wbuf[:0], chunk)
				c.woff = 0
				continue
			}
			c.stream = nil
			if serr != nil {
				// The head is on the wire; a truncated chunked body is
				// the only way left to signal failure.
				c.w.failed.Add(1)
				c.w.log.Warn("stream aborted",
					zap.Uint64("conn", c.seq), zap.Error(serr))
				return c.close(), true
			}
			c.wbuf = appendLastChunk(c.wbuf[:0])
			c.woff = 0
			continue
		}

		c.w.completed.Add(1)
		if c.closeAfter {
			return c.close(), true
		}
		c.req = nil
		c.wbuf = c.wbuf[:0]
		c.woff = 0
		c.state = stReading
		return pending{}, false
	}
}

// close releases everything the connection owns and finishes the task.
// The scheduler has already disarmed the descriptor, so closing here
// cannot leave a stale registration behind.
func (c *conn) close() pending {
	if c.stream != nil {
		c.stream.abort()
		c.stream = nil
	}
	c.w.closeConn(c)
	if cap(c.rbuf) <= maxPooledBuf {
		bufPool.Put(c.rbuf[:0])
	}
	if cap(c.wbuf) <= maxPooledBuf {
		bufPool.Put(c.wbuf[:0])
	}
	c.rbuf = nil
	c.wbuf = nil
	return pendingDone()
}

func (c *conn) idleDeadline() time.Time {
	if c.w.idle <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.w.idle)
}

func growBuf(b []byte, need int) []byte {
	n := cap(b) * 2
	if n < len(b)+need {
		n = len(b) + need
	}
	if n < 4096 {
		n = 4096
	}
	nb := make([]byte, len(b), n)
	copy(nb, b)
	return nb
}

func saToAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{
			IP:   append([]byte{}, sa.Addr[:]...),
			Port: sa.Port,
		}
	case *unix.SockaddrInet6:
		var zone string
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				zone = ifi.Name
			}
		}
		return &net.TCPAddr{
			IP:   append([]byte{}, sa.Addr[:]...),
			Port: sa.Port,
			Zone: zone,
		}
	}
	return nil
}
