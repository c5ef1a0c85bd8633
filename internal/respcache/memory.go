package respcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/and161185/tgcollector/internal/errs"
)

type memEntry struct {
	data []byte
	exp  time.Time
}

// MemoryBackend is a process-local Backend on a size-bounded expiring LRU.
// The LRU evicts at maxTTL; shorter per-entry lifetimes are checked on read.
type MemoryBackend struct {
	lru *expirable.LRU[string, memEntry]
	now func() time.Time
}

// NewMemoryBackend constructs a backend holding at most size entries.
func NewMemoryBackend(size int, maxTTL time.Duration) *MemoryBackend {
	return &MemoryBackend{
		lru: expirable.NewLRU[string, memEntry](size, nil, maxTTL),
		now: time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, errs.ErrCacheMiss
	}
	if !m.now().Before(e.exp) {
		m.lru.Remove(key)
		return nil, errs.ErrCacheMiss
	}
	return e.data, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.lru.Add(key, memEntry{data: append([]byte(nil), val...), exp: m.now().Add(ttl)})
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

// Len reports the number of entries currently held.
func (m *MemoryBackend) Len() int { return m.lru.Len() }
