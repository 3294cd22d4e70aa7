// Package kvstore provides the small local key/value persistence used by the
// cache and the usage governor to survive restarts.
package kvstore

import (
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a synchronous key/value store. Implementations may fail at any
// call; callers are expected to degrade to in-memory behaviour.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Open builds the store selected by driver ("memory", "file" or "sqlite").
// A store that cannot be opened degrades to Memory with a warning.
func Open(driver, dsn string, logger zerolog.Logger) Store {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "file":
		s, err := NewFileStore(dsn)
		if err != nil {
			logger.Warn().Err(err).Str("driver", driver).Msg("kvstore: falling back to memory")
			return NewMemory()
		}
		return s
	case "sqlite", "sqlite3":
		s, err := NewSQLiteStore(dsn)
		if err != nil {
			logger.Warn().Err(err).Str("driver", driver).Msg("kvstore: falling back to memory")
			return NewMemory()
		}
		return s
	default:
		return NewMemory()
	}
}

// Memory keeps values in process memory only.
type Memory struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string][]byte)}
}

func (s *Memory) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Memory) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *Memory) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

var _ Store = (*Memory)(nil)
