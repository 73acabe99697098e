package api

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// ipGuard smooths bursts from unauthenticated callers with a per-IP token
// bucket. It complements the fixed-window public bucket, which admits at
// minute granularity.
type ipGuard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newIPGuard() *ipGuard {
	return &ipGuard{
		limiters: make(map[string]*rate.Limiter),
		rps:      10,
		burst:    20,
	}
}

func (g *ipGuard) allow(ip string) bool {
	g.mu.Lock()
	l, ok := g.limiters[ip]
	if !ok {
		l = rate.NewLimiter(g.rps, g.burst)
		g.limiters[ip] = l
		if len(g.limiters) > 8192 {
			// Reset rather than grow without bound under address churn.
			g.limiters = map[string]*rate.Limiter{ip: l}
		}
	}
	g.mu.Unlock()
	return l.Allow()
}

// clientIP returns the remote address without the port. Proxy headers are
// deliberately ignored; deployments behind a proxy terminate limits there.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decodeJSON parses the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "invalid request body")
		return false
	}
	return true
}
