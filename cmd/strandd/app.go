package main

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/softloop/strand"
)

// app is a small demonstration handler covering every reply mode the
// runtime offers: immediate replies, pooled async work, chunked
// streaming and per-connection session state.
type app struct {
	log *zap.Logger
}

func newApp(log *zap.Logger) *app { return &app{log: log} }

func (a *app) Serve(c *strand.Ctx, req *strand.Request) error {
	switch req.Path() {
	case "/":
		c.Text(200, "strandd "+version+"\n")

	case "/healthz":
		c.Text(200, "ok\n")

	case "/echo":
		res := strand.Data(200, "application/octet-stream", req.Body)
		res.Header.Set("X-Echo-Method", req.Method)
		c.Reply(res)

	case "/delay":
		ms, err := strconv.Atoi(req.Query().Get("ms"))
		if err != nil || ms < 0 || ms > 10000 {
			c.Text(400, "ms must be 0..10000\n")
			return nil
		}
		c.Async(func() (*strand.Response, error) {
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return strand.Text(200, fmt.Sprintf("slept %dms\n", ms)), nil
		})

	case "/stream":
		n, err := strconv.Atoi(req.Query().Get("n"))
		if err != nil || n < 1 || n > 100000 {
			c.Text(400, "n must be 1..100000\n")
			return nil
		}
		hdr := strand.Header{}
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		c.Stream(200, hdr, func(w *strand.StreamWriter) error {
			for i := 0; i < n; i++ {
				if _, err := fmt.Fprintf(w, "chunk %d\n", i); err != nil {
					return err
				}
			}
			return nil
		})

	case "/count":
		sess := c.Session()
		n, _ := sess["count"].(int)
		n++
		sess["count"] = n
		c.JSON(200, map[string]any{"count": n, "conn": c.ConnID()})

	case "/boom":
		return fmt.Errorf("deliberate failure for %s", req.Path())

	default:
		c.Text(404, "not found\n")
	}
	return nil
}
