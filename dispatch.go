package strand

import (
	"fmt"
	"net"

	"go.uber.org/zap"
)

// Handler processes one parsed request. Serve runs on the worker's loop
// thread and must not block: slow or blocking work goes through
// Ctx.Async or Ctx.Stream, which run on the server's worker pool while
// the loop keeps serving other connections. A returned error or a panic
// becomes a generic 500 and never reaches the runtime.
type Handler interface {
	Serve(c *Ctx, req *Request) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(c *Ctx, req *Request) error

func (f HandlerFunc) Serve(c *Ctx, req *Request) error { return f(c, req) }

type replyMode uint8

const (
	replyNone replyMode = iota
	replyNow
	replyAsync
	replyStream
)

// Ctx is the per-request dispatch context. It is valid only until the
// response for its request is produced; handlers must not retain it, and
// functions passed to Async or Stream must not touch it.
type Ctx struct {
	cn       *conn
	mode     replyMode
	res      *Response
	fut      *future
	st       *stream
	stStatus int
	stHeader Header
}

func (c *Ctx) reset(cn *conn) { *c = Ctx{cn: cn} }

// Reply sets the response for the current request. The last call wins.
func (c *Ctx) Reply(res *Response) {
	c.mode = replyNow
	c.res = res
}

// Text replies with a plain-text body.
func (c *Ctx) Text(status int, body string) { c.Reply(Text(status, body)) }

// JSON replies with an application/json body.
func (c *Ctx) JSON(status int, v any) { c.Reply(JSON(status, v)) }

// Async runs fn on the server's worker pool and replies with its result.
// The connection's task suspends until fn finishes; sibling connections
// keep running. An error from fn, a panic, or a nil response all become
// a generic 500.
func (c *Ctx) Async(fn func() (*Response, error)) {
	f := newFuture(c.cn.w.sc)
	c.mode = replyAsync
	c.fut = f
	if err := c.cn.w.srv.submit(func() {
		defer func() {
			if r := recover(); r != nil {
				f.complete(nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r))
			}
		}()
		res, err := fn()
		f.complete(res, err)
	}); err != nil {
		f.complete(nil, fmt.Errorf("submit async work: %w", err))
	}
}

// Stream replies with a chunked body produced by fn on the server's
// worker pool. Writes to w block while the connection catches up. An
// error or panic from fn truncates the stream; the head is already on
// the wire by then, so there is no status rewrite.
func (c *Ctx) Stream(status int, hdr Header, fn func(w *StreamWriter) error) {
	st := newStream(c.cn.w.sc)
	c.mode = replyStream
	c.st = st
	c.stStatus = status
	c.stHeader = hdr
	if err := c.cn.w.srv.submit(func() {
		defer func() {
			if r := recover(); r != nil {
				st.close(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
			}
		}()
		st.close(fn(&StreamWriter{s: st}))
	}); err != nil {
		st.close(fmt.Errorf("submit stream work: %w", err))
	}
}

// Session returns storage scoped to the connection, persisting across
// keep-alive requests on it. Loop thread only.
func (c *Ctx) Session() map[string]any {
	if c.cn.session == nil {
		c.cn.session = make(map[string]any)
	}
	return c.cn.session
}

// RemoteAddr returns the peer address.
func (c *Ctx) RemoteAddr() net.Addr { return c.cn.raddr }

// ConnID returns the worker-local connection sequence number, useful for
// correlating log lines.
func (c *Ctx) ConnID() uint64 { return c.cn.seq }

// Logger returns the owning worker's logger.
func (c *Ctx) Logger() *zap.Logger { return c.cn.w.log }
