package session

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/tgcollector/internal/artifact"
	"github.com/and161185/tgcollector/internal/errs"
	"github.com/and161185/tgcollector/internal/kv"
	"github.com/and161185/tgcollector/internal/limiter"
	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/repository"
	"github.com/and161185/tgcollector/internal/telegram/telegramtest"
)

type fakeArtifacts struct {
	mu      sync.Mutex
	saved   map[string]int
	deleted map[string]int
	onSave  func(userID, sessionID string)
}

var _ Artifacts = (*fakeArtifacts)(nil)
var _ Artifacts = (*artifact.Store)(nil)

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{saved: map[string]int{}, deleted: map[string]int{}}
}

func (f *fakeArtifacts) LocalPath(_ context.Context, kind artifact.Kind, u, s string) (string, error) {
	return filepath.Join("/staging", u, s+"."+string(kind)), nil
}

func (f *fakeArtifacts) SaveAll(_ context.Context, u, s string, _ time.Duration) error {
	if f.onSave != nil {
		f.onSave(u, s)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[u+"/"+s]++
	return nil
}

func (f *fakeArtifacts) DeleteAll(_ context.Context, u, s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[u+"/"+s]++
	return nil
}

func (f *fakeArtifacts) savedCount(k string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved[k]
}

func (f *fakeArtifacts) deletedCount(k string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[k]
}

type fakeSessions struct {
	mu          sync.Mutex
	active      map[Key]model.Session
	deactivated int
	saveErr     error
	listErr     error
}

var (
	_ repository.SessionRepository = (*fakeSessions)(nil)
	_ AuthorizedSessions           = (*fakeSessions)(nil)
)

func newFakeSessions() *fakeSessions { return &fakeSessions{active: map[Key]model.Session{}} }

func (f *fakeSessions) SaveActive(_ context.Context, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	f.active[Key{UserID: s.UserID, SessionID: s.SessionID}] = *s
	return nil
}

func (f *fakeSessions) GetActive(_ context.Context, u, s string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.active[Key{UserID: u, SessionID: s}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &row, nil
}

func (f *fakeSessions) ListActive(_ context.Context, u string) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Session
	for k, s := range f.active {
		if k.UserID == u {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessions) ListAuthorized(context.Context) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.Session
	for _, s := range f.active {
		if s.Status == model.StatusSuccess {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID+out[i].SessionID < out[j].UserID+out[j].SessionID })
	return out, nil
}

func (f *fakeSessions) Deactivate(_ context.Context, u, s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := Key{UserID: u, SessionID: s}
	if _, ok := f.active[k]; !ok {
		return errs.ErrNotFound
	}
	delete(f.active, k)
	f.deactivated++
	return nil
}

type fakeGuard struct {
	mu       sync.Mutex
	deny     bool
	blockAt  int
	failures int
	resets   int
}

var _ limiter.Guard = (*fakeGuard)(nil)

func (g *fakeGuard) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deny {
		return false, time.Minute, nil
	}
	return true, 0, nil
}

func (g *fakeGuard) Success(context.Context, string, []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets++
	g.failures = 0
	return nil
}

func (g *fakeGuard) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	if g.blockAt > 0 && g.failures >= g.blockAt {
		return true, time.Minute, nil
	}
	return false, 0, nil
}

type env struct {
	artifacts *fakeArtifacts
	sessions  *fakeSessions
	factory   *telegramtest.Factory
	meta      *kv.Memory
	guard     *fakeGuard
	cache     *HandleCache
	manager   *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithLimits(t, limiter.Config{})
}

// newEnvWithLimits builds an env whose validation probes go through a limiter configured by probes.
func newEnvWithLimits(t *testing.T, probes limiter.Config) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	e := &env{
		artifacts: newFakeArtifacts(),
		sessions:  newFakeSessions(),
		factory:   &telegramtest.Factory{},
		meta:      kv.NewMemory(),
		guard:     &fakeGuard{},
	}
	conn := NewConnector(e.artifacts, e.factory)
	disposer := NewDisposer(e.artifacts, time.Second, log)
	prober := NewProber(limiter.NewRateLimiter(probes, log), log)
	e.cache = NewHandleCache(CacheConfig{
		Meta:     e.meta,
		MetaTTL:  time.Hour,
		Sessions: e.sessions,
		Opener:   conn,
		Check:    prober,
		OnEvict:  disposer.Dispose,
	}, log)
	e.manager = NewManager(ManagerConfig{LoginTTL: time.Minute}, ManagerDeps{
		Opener:    conn,
		Cache:     e.cache,
		Sessions:  e.sessions,
		Artifacts: e.artifacts,
		Limiter:   limiter.NewRateLimiter(limiter.Config{}, log),
		Guard:     e.guard,
		Dispose:   disposer.Dispose,
	}, log)
	t.Cleanup(func() {
		e.manager.Close()
		e.cache.Close()
	})
	return e
}
