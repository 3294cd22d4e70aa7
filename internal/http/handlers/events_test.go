package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gallery/internal/domain"
	"gallery/internal/realtime"
)

// stallingWriter accepts the stream preamble and then blocks every write
// until released, like a client that stopped reading.
type stallingWriter struct {
	header  http.Header
	mu      sync.Mutex
	buf     bytes.Buffer
	writes  int
	allow   int
	stalled chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingWriter(allow int) *stallingWriter {
	return &stallingWriter{
		header:  http.Header{},
		allow:   allow,
		stalled: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (w *stallingWriter) Header() http.Header { return w.header }
func (w *stallingWriter) WriteHeader(int)     {}
func (w *stallingWriter) Flush()              {}

func (w *stallingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.writes++
	n := w.writes
	w.mu.Unlock()
	if n > w.allow {
		w.once.Do(func() { close(w.stalled) })
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *stallingWriter) events() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Count(w.buf.String(), "event: processing")
}

func TestStreamEndsWhenClientFallsBehind(t *testing.T) {
	app := &App{
		Bus:       realtime.NewBus(realtime.NewMemoryFeed(), zerolog.Nop()),
		Logger:    zerolog.Nop(),
		KeepAlive: time.Hour,
	}
	var publish func(domain.ProcessingUpdate)
	subscribed := make(chan struct{})
	subscribe := func(cb func(domain.ProcessingUpdate)) (func(), error) {
		publish = cb
		close(subscribed)
		return func() {}, nil
	}

	w := newStallingWriter(1)
	r := httptest.NewRequest(http.MethodGet, "/images/events", nil)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		app.stream(w, r, nil, subscribe)
	}()
	<-subscribed

	const sent = streamBuffer + 10
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	publish(domain.ProcessingUpdate{ImageID: "img-0", Status: domain.StatusProcessing, UpdatedAt: base})
	select {
	case <-w.stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never stalled")
	}
	for i := 1; i < sent; i++ {
		publish(domain.ProcessingUpdate{ImageID: "img-x", Status: domain.StatusProcessing, UpdatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	close(w.release)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("stream kept running after the buffer overflowed")
	}
	if got := w.events(); got >= sent {
		t.Fatalf("wrote %d events, the overflowed stream should stop early", got)
	}
}
