// Package cache implements a size-bounded key/value cache with per-entry
// expiry. Expired entries are dropped lazily on access or by Cleanup; there
// is no background timer. A full cache evicts its oldest-inserted entry
// (FIFO), not the least recently used one.
package cache

import (
	"container/list"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gallery/internal/kvstore"
)

const (
	DefaultMaxSize = 100
	DefaultTTL     = 5 * time.Minute
)

// Options configures a Cache.
type Options struct {
	MaxSize    int
	DefaultTTL time.Duration
	// PersistKey enables persistence into Store under this key when both are set.
	PersistKey string
	Store      kvstore.Store
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Stats summarizes cache occupancy.
type Stats struct {
	TotalItems   int     `json:"total_items"`
	ValidItems   int     `json:"valid_items"`
	ExpiredItems int     `json:"expired_items"`
	MaxSize      int     `json:"max_size"`
	Utilization  float64 `json:"utilization"`
}

type entry[T any] struct {
	key       string
	data      T
	timestamp time.Time
	expiry    time.Time
}

// Cache is safe for concurrent use.
type Cache[T any] struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List
	maxSize    int
	defaultTTL time.Duration
	persistKey string
	store      kvstore.Store
	logger     zerolog.Logger
	now        func() time.Time
}

// New builds a cache, restoring persisted state when persistence is enabled.
func New[T any](opts Options) *Cache[T] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache[T]{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxSize:    opts.MaxSize,
		defaultTTL: opts.DefaultTTL,
		persistKey: opts.PersistKey,
		store:      opts.Store,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if c.persistent() {
		c.load()
		c.Cleanup()
	}
	return c
}

// Set stores value under key. A ttl <= 0 uses the default TTL.
func (c *Cache[T]) Set(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[T])
		e.data = value
		e.timestamp = now
		e.expiry = now.Add(ttl)
		c.persistLocked()
		return
	}
	if c.order.Len() >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front)
		}
	}
	el := c.order.PushBack(&entry[T]{key: key, data: value, timestamp: now, expiry: now.Add(ttl)})
	c.items[key] = el
	c.persistLocked()
}

// Get returns the value for key, or false when absent or expired.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[T])
	if !c.now().Before(e.expiry) {
		c.removeLocked(el)
		c.persistLocked()
		return zero, false
	}
	return e.data, true
}

// Has reports whether key holds an unexpired value.
func (c *Cache[T]) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes key and reports whether it was present.
func (c *Cache[T]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(el)
	c.persistLocked()
	return true
}

// Clear drops every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.persistLocked()
}

// Cleanup removes expired entries and returns how many were evicted.
func (c *Cache[T]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	evicted := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry[T]).expiry) {
			c.removeLocked(el)
			evicted++
		}
		el = next
	}
	if evicted > 0 {
		c.persistLocked()
	}
	return evicted
}

// Stats reports occupancy without evicting anything.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s := Stats{TotalItems: c.order.Len(), MaxSize: c.maxSize}
	for el := c.order.Front(); el != nil; el = el.Next() {
		if now.Before(el.Value.(*entry[T]).expiry) {
			s.ValidItems++
		} else {
			s.ExpiredItems++
		}
	}
	s.Utilization = float64(s.TotalItems) / float64(c.maxSize) * 100
	return s
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[T]) removeLocked(el *list.Element) {
	e := el.Value.(*entry[T])
	delete(c.items, e.key)
	c.order.Remove(el)
}

func (c *Cache[T]) persistent() bool {
	return c.store != nil && c.persistKey != ""
}

type persistedEntry[T any] struct {
	Key       string    `json:"key"`
	Data      T         `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Expiry    time.Time `json:"expiry"`
}

// persistLocked writes the full entry set in insertion order. Failures only
// cost a warm start, so they are logged and dropped.
func (c *Cache[T]) persistLocked() {
	if !c.persistent() {
		return
	}
	out := make([]persistedEntry[T], 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[T])
		out = append(out, persistedEntry[T]{Key: e.key, Data: e.data, Timestamp: e.timestamp, Expiry: e.expiry})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", c.persistKey).Msg("cache: encode failed")
		return
	}
	if err := c.store.Set(c.persistKey, raw); err != nil {
		c.logger.Warn().Err(err).Str("key", c.persistKey).Msg("cache: persist failed")
	}
}

func (c *Cache[T]) load() {
	raw, err := c.store.Get(c.persistKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.logger.Warn().Err(err).Str("key", c.persistKey).Msg("cache: load failed")
		}
		return
	}
	var saved []persistedEntry[T]
	if err := json.Unmarshal(raw, &saved); err != nil {
		c.logger.Warn().Err(err).Str("key", c.persistKey).Msg("cache: decode failed, starting empty")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range saved {
		if _, dup := c.items[p.Key]; dup {
			continue
		}
		if c.order.Len() >= c.maxSize {
			c.removeLocked(c.order.Front())
		}
		c.items[p.Key] = c.order.PushBack(&entry[T]{key: p.Key, data: p.Data, timestamp: p.Timestamp, expiry: p.Expiry})
	}
}
