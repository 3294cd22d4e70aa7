package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fixedWindow counts requests per key in windows of a fixed length.
type fixedWindow struct {
	mu        sync.Mutex
	limit     int
	per       time.Duration
	now       func() time.Time
	windows   map[string]window
	lastPrune time.Time
}

type window struct {
	count int
	ends  time.Time
}

// allow records one request for key. When the window is full it returns the
// time until the window ends.
func (f *fixedWindow) allow(key string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.now()
	if t.Sub(f.lastPrune) > f.per {
		for k, w := range f.windows {
			if t.After(w.ends) {
				delete(f.windows, k)
			}
		}
		f.lastPrune = t
	}
	w, ok := f.windows[key]
	if !ok || t.After(w.ends) {
		w = window{ends: t.Add(f.per)}
	}
	if w.count >= f.limit {
		return w.ends.Sub(t), false
	}
	w.count++
	f.windows[key] = w
	return 0, true
}

// RateLimit allows limit requests per client IP in each window of length per.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	return rateLimit(limit, per, time.Now)
}

func rateLimit(limit int, per time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	fw := &fixedWindow{limit: limit, per: per, now: now, windows: make(map[string]window)}
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if wait, ok := fw.allow(ClientIP(r)); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first valid address in X-Forwarded-For, else the host
// part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := strings.TrimSpace(part); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
