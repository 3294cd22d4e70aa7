package realtime

import (
	"context"
	"errors"
	"sync"

	"gallery/internal/domain"
)

// ErrFeedClosed is returned when listening on a closed feed.
var ErrFeedClosed = errors.New("realtime: feed closed")

// Filter narrows a change-feed connection. Empty fields match everything.
type Filter struct {
	ImageID string
	OwnerID string
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec domain.Image) bool {
	if f.ImageID != "" && rec.ID != f.ImageID {
		return false
	}
	if f.OwnerID != "" && rec.OwnerID != f.OwnerID {
		return false
	}
	return true
}

// Handler receives events from one connection, sequentially and in feed order.
type Handler func(domain.ChangeEvent)

// Connection is one live change-feed subscription.
type Connection interface {
	Close() error
}

// ChangeFeed is the record store's live stream of insert/update/delete events.
type ChangeFeed interface {
	Listen(ctx context.Context, filter Filter, handler Handler) (Connection, error)
}

const memoryQueueSize = 256

// MemoryFeed is an in-process change feed. Publishers never wait on slow
// handlers beyond the per-connection queue.
type MemoryFeed struct {
	mu     sync.Mutex
	conns  map[*memoryConn]struct{}
	closed bool
}

// NewMemoryFeed returns an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{conns: make(map[*memoryConn]struct{})}
}

type memoryConn struct {
	feed    *MemoryFeed
	filter  Filter
	handler Handler
	queue   chan domain.ChangeEvent
	done    chan struct{}
	once    sync.Once
}

// Listen opens a filtered connection whose handler runs on its own goroutine.
func (f *MemoryFeed) Listen(ctx context.Context, filter Filter, handler Handler) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &memoryConn{
		feed:    f,
		filter:  filter,
		handler: handler,
		queue:   make(chan domain.ChangeEvent, memoryQueueSize),
		done:    make(chan struct{}),
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}
	f.conns[c] = struct{}{}
	f.mu.Unlock()
	go c.run()
	return c, nil
}

// Publish implements domain.ChangePublisher.
func (f *MemoryFeed) Publish(ev domain.ChangeEvent) {
	f.mu.Lock()
	targets := make([]*memoryConn, 0, len(f.conns))
	for c := range f.conns {
		if c.filter.Match(ev.Record) {
			targets = append(targets, c)
		}
	}
	f.mu.Unlock()

	for _, c := range targets {
		ev := ev
		ev.Record = ev.Record.Clone()
		select {
		case c.queue <- ev:
		case <-c.done:
		}
	}
}

// Connections reports how many connections are open.
func (f *MemoryFeed) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Close shuts every connection and rejects new ones.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	conns := make([]*memoryConn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (c *memoryConn) run() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.queue:
			c.handler(ev)
		}
	}
}

func (c *memoryConn) Close() error {
	c.once.Do(func() {
		c.feed.mu.Lock()
		delete(c.feed.conns, c)
		c.feed.mu.Unlock()
		close(c.done)
	})
	return nil
}
