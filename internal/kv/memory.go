package kv

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/tgcollector/internal/errs"
)

type memEntry struct {
	val []byte
	exp time.Time // zero: no expiry
}

func (e memEntry) live(now time.Time) bool { return e.exp.IsZero() || now.Before(e.exp) }

const (
	// sweepEvery is the minimum number of writes between two size-triggered sweeps.
	sweepEvery = 1024
	// sweepInterval bounds how long expired entries survive while writes continue.
	sweepInterval = time.Minute
)

// Memory is a process-local Store for single-instance deployments and tests.
// Expired entries are purged on lookup and by a sweep that runs from writes, either
// once the writes since the last sweep reach the surviving size or after sweepInterval.
type Memory struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time

	writes    int
	survivors int
	lastSweep time.Time
}

// NewMemory constructs an empty in-process store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]memEntry), now: time.Now}
}

// Len returns the number of stored entries, expired ones included until swept.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// put stores an entry and sweeps when due. Caller holds mu.
func (s *Memory) put(key string, e memEntry) {
	s.m[key] = e
	s.writes++
	now := s.now()
	if s.lastSweep.IsZero() {
		s.lastSweep = now
	}
	if (s.writes >= sweepEvery && s.writes >= s.survivors) || now.Sub(s.lastSweep) >= sweepInterval {
		s.sweep(now)
	}
}

// sweep drops every expired entry. Caller holds mu.
func (s *Memory) sweep(now time.Time) {
	for k, e := range s.m {
		if !e.live(now) {
			delete(s.m, k)
		}
	}
	s.writes = 0
	s.survivors = len(s.m)
	s.lastSweep = now
}

func (s *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookup returns a live entry, dropping it when expired. Caller holds mu.
func (s *Memory) lookup(key string) (memEntry, bool) {
	e, ok := s.m[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.live(s.now()) {
		delete(s.m, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), e.val...), nil
}

func (s *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, memEntry{val: append([]byte(nil), val...), exp: s.expiry(ttl)})
	return nil
}

func (s *Memory) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.put(key, memEntry{val: append([]byte(nil), val...), exp: s.expiry(ttl)})
	return true, nil
}

func (s *Memory) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup(key)
	return ok, nil
}

func (s *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return errs.ErrNotFound
	}
	e.exp = s.expiry(ttl)
	s.m[key] = e
	return nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
