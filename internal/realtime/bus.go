// Package realtime fans record-store change events out to in-process
// subscribers keyed by image, by owner, or globally.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"gallery/internal/domain"
)

var (
	// ErrBusClosed is returned when subscribing to a closed bus.
	ErrBusClosed = errors.New("realtime: bus closed")
	// ErrInvalidSubscription is returned for an empty scope id or nil callback.
	ErrInvalidSubscription = errors.New("realtime: invalid subscription")
)

// GlobalScope is the scope of SubscribeToAllProcessing.
const GlobalScope = "global"

// Callback receives processing updates.
type Callback func(domain.ProcessingUpdate)

// ImageScope returns the scope name for one image.
func ImageScope(imageID string) string { return "image:" + imageID }

// UserScope returns the scope name for one owner.
func UserScope(userID string) string { return "user:" + userID }

type subscriber struct {
	cb     Callback
	active atomic.Bool
}

type scope struct {
	subs []*subscriber
	conn Connection
}

// Bus keeps one change-feed connection per scope for as long as the scope
// has callbacks. A connection only carries events for its own scope, so an
// event reaches each matching scope exactly once.
type Bus struct {
	feed   ChangeFeed
	logger zerolog.Logger

	mu     sync.Mutex
	scopes map[string]*scope
	closed bool

	delivered atomic.Uint64
	panics    atomic.Uint64
}

// NewBus returns a bus reading from feed.
func NewBus(feed ChangeFeed, logger zerolog.Logger) *Bus {
	return &Bus{
		feed:   feed,
		logger: logger,
		scopes: make(map[string]*scope),
	}
}

// SubscribeToImage delivers updates for one image.
func (b *Bus) SubscribeToImage(imageID string, cb Callback) (func(), error) {
	if imageID == "" {
		return nil, fmt.Errorf("%w: empty image id", ErrInvalidSubscription)
	}
	return b.subscribe(ImageScope(imageID), Filter{ImageID: imageID}, cb)
}

// SubscribeToUser delivers updates for every image owned by userID.
func (b *Bus) SubscribeToUser(userID string, cb Callback) (func(), error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidSubscription)
	}
	return b.subscribe(UserScope(userID), Filter{OwnerID: userID}, cb)
}

// SubscribeToAllProcessing delivers every update.
func (b *Bus) SubscribeToAllProcessing(cb Callback) (func(), error) {
	return b.subscribe(GlobalScope, Filter{}, cb)
}

func (b *Bus) subscribe(name string, filter Filter, cb Callback) (func(), error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", ErrInvalidSubscription)
	}
	sub := &subscriber{cb: cb}
	sub.active.Store(true)

	// The lock is held while the first connection of a scope opens so two
	// concurrent first subscribers share one connection.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	sc, ok := b.scopes[name]
	if !ok {
		conn, err := b.feed.Listen(context.Background(), filter, b.handler(name))
		if err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		sc = &scope{conn: conn}
		b.scopes[name] = sc
		b.logger.Debug().Str("scope", name).Msg("realtime: connection opened")
	}
	sc.subs = append(sc.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(name, sub) })
	}, nil
}

func (b *Bus) unsubscribe(name string, sub *subscriber) {
	sub.active.Store(false)

	b.mu.Lock()
	sc, ok := b.scopes[name]
	if !ok {
		b.mu.Unlock()
		return
	}
	for i, s := range sc.subs {
		if s == sub {
			sc.subs = append(sc.subs[:i:i], sc.subs[i+1:]...)
			break
		}
	}
	var conn Connection
	if len(sc.subs) == 0 {
		delete(b.scopes, name)
		conn = sc.conn
	}
	b.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			b.logger.Warn().Err(err).Str("scope", name).Msg("realtime: close connection")
		}
		b.logger.Debug().Str("scope", name).Msg("realtime: connection closed")
	}
}

func (b *Bus) handler(name string) Handler {
	return func(ev domain.ChangeEvent) {
		b.deliver(name, domain.UpdateFromEvent(ev))
	}
}

func (b *Bus) deliver(name string, u domain.ProcessingUpdate) {
	b.mu.Lock()
	sc, ok := b.scopes[name]
	var subs []*subscriber
	if ok {
		subs = append(subs, sc.subs...)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		b.call(name, s.cb, u)
	}
}

func (b *Bus) call(name string, cb Callback, u domain.ProcessingUpdate) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error().
				Str("scope", name).
				Str("image_id", u.ImageID).
				Interface("panic", r).
				Msg("realtime: subscriber callback panicked")
		}
	}()
	cb(u)
	b.delivered.Add(1)
}

// Connections returns the scopes that currently hold an open connection.
func (b *Bus) Connections() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.scopes))
	for name := range b.scopes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stats counts deliveries and recovered callback panics.
type Stats struct {
	Scopes    int    `json:"scopes"`
	Delivered uint64 `json:"delivered"`
	Panics    uint64 `json:"panics"`
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	n := len(b.scopes)
	b.mu.Unlock()
	return Stats{Scopes: n, Delivered: b.delivered.Load(), Panics: b.panics.Load()}
}

// Close drops every subscription and closes every connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	scopes := b.scopes
	b.scopes = make(map[string]*scope)
	b.mu.Unlock()

	var errs []error
	for name, sc := range scopes {
		for _, s := range sc.subs {
			s.active.Store(false)
		}
		if err := sc.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
