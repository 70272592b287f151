package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fleetopt/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

// instrument applies the client rate limit and records route metrics.
func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if s.limits.allow(clientKey(r)) {
			h(rec, r)
		} else {
			rec.Header().Set("Retry-After", "1")
			writeProblem(rec, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func clientKey(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-Id"); t != "" {
		return "t:" + t
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientLimits keeps one token bucket per client key. A nil value allows everything.
type clientLimits struct {
	rps   rate.Limit
	burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

func newClientLimits(rps float64, burst int) *clientLimits {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	return &clientLimits{rps: rate.Limit(rps), burst: burst, m: map[string]*rate.Limiter{}}
}

func (c *clientLimits) allow(key string) bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	l, ok := c.m[key]
	if !ok {
		// bounded: drop everyone's state rather than grow without limit
		if len(c.m) >= 10000 {
			c.m = map[string]*rate.Limiter{}
		}
		l = rate.NewLimiter(c.rps, c.burst)
		c.m[key] = l
	}
	c.mu.Unlock()
	return l.Allow()
}

func metricsHandler() http.Handler { return metrics.Handler() }
