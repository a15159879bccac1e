package strand

import (
	"time"

	"golang.org/x/time/rate"
)

// peerIdleEvict is how long a peer's bucket survives without traffic
// before the next sweep drops it.
const peerIdleEvict = time.Minute

// peerLimiter enforces a per-peer accept rate with one token bucket per
// remote IP. A nil limiter allows everything. It is owned by a single
// worker's accept task, so access needs no locking.
type peerLimiter struct {
	limit     rate.Limit
	burst     int
	buckets   map[string]*peerBucket
	lastSweep time.Time
}

type peerBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newPeerLimiter(perSec float64, burst int) *peerLimiter {
	if perSec <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &peerLimiter{
		limit:   rate.Limit(perSec),
		burst:   burst,
		buckets: make(map[string]*peerBucket),
	}
}

// allow reports whether a connection from ip may be accepted at now.
func (p *peerLimiter) allow(ip string, now time.Time) bool {
	if p == nil {
		return true
	}
	if now.Sub(p.lastSweep) > peerIdleEvict {
		p.sweep(now)
	}
	b, ok := p.buckets[ip]
	if !ok {
		b = &peerBucket{lim: rate.NewLimiter(p.limit, p.burst)}
		p.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (p *peerLimiter) sweep(now time.Time) {
	p.lastSweep = now
	for ip, b := range p.buckets {
		if now.Sub(b.seen) > peerIdleEvict {
			delete(p.buckets, ip)
		}
	}
}
