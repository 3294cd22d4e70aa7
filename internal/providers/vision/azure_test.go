package vision

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gallery/internal/cache"
	"gallery/internal/domain"
)

const sampleResponse = `{
  "tags": [
    {"name": "Cat", "confidence": 0.99},
    {"name": "indoor", "confidence": 0.91},
    {"name": "ox", "confidence": 0.90},
    {"name": "blurry", "confidence": 0.30},
    {"name": " Mammal ", "confidence": 0.88}
  ],
  "description": {"captions": [{"text": "a cat sitting\non a couch", "confidence": 0.8}]},
  "color": {"dominantColors": ["White", "Grey", "white"], "accentColor": "bb6d10"},
  "requestId": "req-1"
}`

func TestAnalyzeByURL(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vision/v3.2/analyze" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("visualFeatures"); got != "Tags,Description,Color" {
			t.Errorf("visualFeatures = %q", got)
		}
		if got := r.Header.Get("Ocp-Apim-Subscription-Key"); got != "secret" {
			t.Errorf("key header = %q", got)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, sampleResponse)
	}))
	defer srv.Close()

	c := NewClient(Options{Endpoint: srv.URL + "/", APIKey: "secret"})
	res, err := c.Analyze(context.Background(), Source{URL: "https://cdn.example.com/cat.jpg"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if gotBody["url"] != "https://cdn.example.com/cat.jpg" {
		t.Fatalf("body url = %q", gotBody["url"])
	}
	if want := []string{"cat", "indoor", "mammal"}; !reflect.DeepEqual(res.Tags, want) {
		t.Fatalf("tags = %v, want %v", res.Tags, want)
	}
	if res.Description != "a cat sitting on a couch" {
		t.Fatalf("description = %q", res.Description)
	}
	if want := []string{"#FFFFFF", "#808080", "#BB6D10"}; !reflect.DeepEqual(res.DominantColors, want) {
		t.Fatalf("colors = %v, want %v", res.DominantColors, want)
	}
	if res.Confidence["blurry"] != 0.30 {
		t.Fatalf("confidence map incomplete: %v", res.Confidence)
	}
}

func TestAnalyzeBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("content type = %q", ct)
		}
		b, _ := io.ReadAll(r.Body)
		if string(b) != "PNGDATA" {
			t.Errorf("body = %q", b)
		}
		_, _ = io.WriteString(w, `{"tags":[],"description":{"captions":[]},"color":{}}`)
	}))
	defer srv.Close()

	c := NewClient(Options{Endpoint: srv.URL, APIKey: "k"})
	res, err := c.Analyze(context.Background(), Source{Data: []byte("PNGDATA"), MIME: "image/png"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.DominantColors) != 0 || len(res.Tags) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestAnalyzeRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Options{Endpoint: srv.URL, APIKey: "k"})
	_, err := c.Analyze(context.Background(), Source{URL: "http://x/y.jpg"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestAnalyzeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":"InvalidImageUrl","message":"bad url"}}`)
	}))
	defer srv.Close()

	c := NewClient(Options{Endpoint: srv.URL, APIKey: "k"})
	_, err := c.Analyze(context.Background(), Source{URL: "http://x/y.jpg"})
	if err == nil || !strings.Contains(err.Error(), "InvalidImageUrl") {
		t.Fatalf("err = %v", err)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Fatalf("400 must not look like a rate limit")
	}
}

func TestAnalyzeNotConfigured(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := NewClient(Options{Endpoint: srv.URL})
	_, err := c.Analyze(context.Background(), Source{URL: "http://x/y.jpg"})
	if !errors.Is(err, ErrNotConfigured) || !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("no request may be sent without credentials")
	}
}

func TestNormalizeColor(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Black", "#000000", true},
		{"abcdef", "#ABCDEF", true},
		{"#00ff00", "#00FF00", true},
		{"#fff", "", false},
		{"zzzzzz", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeColor(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeColor(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCleanDescriptionTruncates(t *testing.T) {
	long := strings.Repeat("a", 250)
	if got := cleanDescription(long); len(got) != 200 {
		t.Fatalf("len = %d", len(got))
	}
}

type countingAnalyzer struct {
	calls atomic.Int32
	err   error
}

func (a *countingAnalyzer) Analyze(context.Context, Source) (Result, error) {
	a.calls.Add(1)
	if a.err != nil {
		return Result{}, a.err
	}
	return Result{Tags: []string{"cat"}}, nil
}

func TestCachedAnalyzer(t *testing.T) {
	inner := &countingAnalyzer{}
	c := cache.New[Result](cache.Options{MaxSize: 10})
	a := NewCachedAnalyzer(inner, c, time.Minute)

	for i := 0; i < 3; i++ {
		res, err := a.Analyze(context.Background(), Source{URL: "http://x/cat.jpg"})
		if err != nil || res.Tags[0] != "cat" {
			t.Fatalf("Analyze: %v %+v", err, res)
		}
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", inner.calls.Load())
	}
	a.Analyze(context.Background(), Source{Data: []byte("x")})
	a.Analyze(context.Background(), Source{Data: []byte("x")})
	if inner.calls.Load() != 3 {
		t.Fatalf("inline data must bypass the cache, calls = %d", inner.calls.Load())
	}
}

func TestCachedAnalyzerDoesNotCacheErrors(t *testing.T) {
	inner := &countingAnalyzer{err: errors.New("boom")}
	a := NewCachedAnalyzer(inner, cache.New[Result](cache.Options{}), time.Minute)
	a.Analyze(context.Background(), Source{URL: "u"})
	a.Analyze(context.Background(), Source{URL: "u"})
	if inner.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", inner.calls.Load())
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/vision/v3.2/models" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"models":[]}`)
	}))
	defer srv.Close()

	if err := NewClient(Options{Endpoint: srv.URL, APIKey: "good"}).Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	err := NewClient(Options{Endpoint: srv.URL, APIKey: "bad"}).Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want a 401 failure", err)
	}
	if err := NewClient(Options{Endpoint: srv.URL}).Ping(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}
