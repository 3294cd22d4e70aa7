package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientIP(t *testing.T) {
	v6 := net.JoinHostPort("2001:db8::2", "443")
	cases := map[string]struct {
		forwarded, remote, want string
	}{
		"forwarded address":         {"203.0.113.1", "198.51.100.10:1234", "203.0.113.1"},
		"first of a padded chain":   {" 203.0.113.1 , 198.51.100.2 ", "198.51.100.10:1234", "203.0.113.1"},
		"skips garbage in chain":    {"unknown, 203.0.113.9", "198.51.100.10:1234", "203.0.113.9"},
		"garbage only uses remote":  {"invalid", "198.51.100.10:1234", "198.51.100.10"},
		"no header uses remote":     {"", "198.51.100.10:1234", "198.51.100.10"},
		"forwarded ipv6":            {"2001:db8::1", v6, "2001:db8::1"},
		"remote ipv6":               {"", v6, "2001:db8::2"},
		"remote without port as is": {"invalid", "203.0.113.1", "203.0.113.1"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := ClientIP(req); got != tc.want {
				t.Fatalf("ClientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRateLimitDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := RateLimit(0, time.Minute)(next)
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d limited with limit 0", i)
		}
	}
}

func TestRateLimitWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := rateLimit(2, time.Minute, func() time.Time { return now })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("198.51.100.1"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := do("198.51.100.1")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("third request status = %d retry=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := do("198.51.100.2"); rec.Code != http.StatusNoContent {
		t.Fatal("other clients must not share the window")
	}

	rec = do("198.51.100.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("rejected requests must not extend the window, status = %d", rec.Code)
	}

	now = now.Add(time.Minute + time.Second)
	if rec := do("198.51.100.1"); rec.Code != http.StatusNoContent {
		t.Fatal("window should have reset")
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.test"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/images", nil)
	req.Header.Set("Origin", "https://app.test")
	req.Header.Set("Access-Control-Request-Method", "DELETE")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.test" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/images", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin was allowed")
	}
}
