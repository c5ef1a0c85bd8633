package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/tgcollector/internal/errs"
	"github.com/and161185/tgcollector/internal/limiter"
	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/telegram"
	"github.com/and161185/tgcollector/internal/telegram/telegramtest"
)

var k1 = Key{UserID: "u1", SessionID: "s1"}

func seedRow(t *testing.T, e *env, phone string) {
	t.Helper()
	require.NoError(t, e.sessions.SaveActive(context.Background(), &model.Session{
		UserID: k1.UserID, SessionID: k1.SessionID, Phone: phone, Status: model.StatusSuccess, Active: true,
	}))
}

func TestHandleCache_RestoreRoundTripKeepsPhone(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seedRow(t, e, "+15551234")

	h, err := e.cache.Get(ctx, k1)
	require.NoError(t, err)
	require.Equal(t, "+15551234", h.Phone())
	require.Equal(t, model.StatusSuccess, h.Status())
	require.Equal(t, "u1_s1", e.factory.Last().Opts.SessionLabel)

	// restore does not mirror metadata; the next live hit does
	ok, _ := e.meta.Exists(ctx, MetaKey(k1))
	require.False(t, ok)

	again, err := e.cache.Get(ctx, k1)
	require.NoError(t, err)
	require.Same(t, h, again)
	require.Len(t, e.factory.Clients, 1)
	require.Equal(t, 2, e.factory.Last().CallCount("Validate"))

	meta, err := e.cache.Meta(ctx, k1)
	require.NoError(t, err)
	require.Equal(t, "+15551234", meta.Phone)
	require.Equal(t, model.StatusSuccess, meta.Status)
}

func TestHandleCache_RestoreFailingValidationIsNotFound(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.factory.Build = func(telegram.Options) *telegramtest.Client { return &telegramtest.Client{Valid: false} }
	seedRow(t, e, "+15551234")

	_, err := e.cache.Get(ctx, k1)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Equal(t, 1, e.sessions.deactivated)
	require.Equal(t, 1, e.factory.Last().Closed())
	require.Zero(t, e.cache.Len())
}

func TestHandleCache_MissingSessionIsNotFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.cache.Get(context.Background(), k1)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Empty(t, e.factory.Clients)
}

func TestHandleCache_LiveHandleFailingValidationIsEvicted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seedRow(t, e, "+1")
	cl := &telegramtest.Client{Valid: false}
	h := NewHandle(k1, cl, model.Session{Phone: "+1", Status: model.StatusSuccess})
	e.cache.Set(ctx, k1, h)

	_, err := e.cache.Get(ctx, k1)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.True(t, h.Disposed())
	require.Equal(t, 1, e.sessions.deactivated)
	ok, _ := e.meta.Exists(ctx, MetaKey(k1))
	require.False(t, ok)
}

func oneProbePerHour() limiter.Config {
	return limiter.Config{Methods: map[string]limiter.Policy{
		MethodGetMe: {Mode: limiter.ModeWindow, MaxRequests: 1, Window: time.Hour},
	}}
}

func TestHandleCache_ValidationDeadlineKeepsSession(t *testing.T) {
	e := newEnvWithLimits(t, oneProbePerHour())
	seedRow(t, e, "+1")

	h, err := e.cache.Get(context.Background(), k1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.cache.Get(ctx, k1)
	require.ErrorIs(t, err, errs.ErrRateLimited)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, errs.ErrNotFound)

	require.Zero(t, e.sessions.deactivated)
	require.False(t, h.Disposed())
	got, ok := e.cache.Peek(k1)
	require.True(t, ok)
	require.Same(t, h, got)
	_, err = e.sessions.GetActive(context.Background(), "u1", "s1")
	require.NoError(t, err)
}

func TestHandleCache_CancelledRestoreKeepsRow(t *testing.T) {
	e := newEnvWithLimits(t, oneProbePerHour())
	seedRow(t, e, "+1")

	_, err := e.cache.Get(context.Background(), k1)
	require.NoError(t, err)
	e.cache.Remove(context.Background(), k1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.cache.Get(ctx, k1)
	require.ErrorIs(t, err, context.Canceled)

	require.Zero(t, e.sessions.deactivated)
	require.Zero(t, e.cache.Len())
	require.Len(t, e.factory.Clients, 2)
	require.Equal(t, 1, e.factory.Last().Closed(), "unvalidated restore is released")
	require.Zero(t, e.artifacts.deletedCount("u1/s1"), "authorized artifacts are kept")
}

func TestHandleCache_UpstreamValidationFailureInvalidates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seedRow(t, e, "+1")
	cl := &telegramtest.Client{Valid: true}
	h := NewHandle(k1, cl, model.Session{Phone: "+1", Status: model.StatusSuccess})
	e.cache.Set(ctx, k1, h)

	cl.ValidateErr = fmt.Errorf("%w: self: connection reset", errs.ErrUpstream)
	_, err := e.cache.Get(ctx, k1)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.True(t, h.Disposed())
	require.Equal(t, 1, e.sessions.deactivated)
}

func TestHandleCache_ReplacedHandleFailingValidationKeepsRow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seedRow(t, e, "+1")
	stale := NewHandle(k1, &telegramtest.Client{Valid: false}, model.Session{Phone: "+1", Status: model.StatusSuccess})
	fresh := NewHandle(k1, &telegramtest.Client{Valid: true}, model.Session{Phone: "+1", Status: model.StatusSuccess})
	e.cache.Set(ctx, k1, fresh)

	e.cache.invalidate(ctx, k1, stale)
	require.True(t, stale.Disposed())
	require.Zero(t, e.sessions.deactivated)
	got, ok := e.cache.Peek(k1)
	require.True(t, ok)
	require.Same(t, fresh, got)
	ok, _ = e.meta.Exists(ctx, MetaKey(k1))
	require.True(t, ok)
}

func TestHandleCache_ConcurrentGetRemoveSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	keys := make([]Key, 4)
	for i := range keys {
		keys[i] = Key{UserID: fmt.Sprintf("u%d", i), SessionID: "s"}
		require.NoError(t, e.sessions.SaveActive(ctx, &model.Session{
			UserID: keys[i].UserID, SessionID: keys[i].SessionID, Phone: "+1", Status: model.StatusSuccess, Active: true,
		}))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 8*50)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := keys[(w+i)%len(keys)]
				switch i % 3 {
				case 0:
					h, err := e.cache.Get(ctx, key)
					if err != nil && !errors.Is(err, errs.ErrNotFound) {
						errCh <- err
						continue
					}
					if h != nil {
						_, _ = h.Client.Dialogs(ctx)
					}
				case 1:
					e.cache.Remove(ctx, key)
				default:
					for _, h := range e.cache.Snapshot() {
						_ = h.Status()
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("unexpected Get error: %v", err)
	}

	e.cache.Close()
	require.Zero(t, e.sessions.deactivated)
	require.NotEmpty(t, e.factory.Clients)
	for i, cl := range e.factory.Clients {
		require.Equalf(t, 1, cl.Closed(), "client %d must be disposed exactly once", i)
	}
}

func TestHandleCache_RemoveTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	cl := &telegramtest.Client{Valid: true}
	h := NewHandle(k1, cl, model.Session{Phone: "+1", Status: model.StatusVerificationCodeRequired})
	e.cache.Set(ctx, k1, h)

	e.cache.Remove(ctx, k1)
	e.cache.Remove(ctx, k1)

	require.Equal(t, 1, cl.Closed())
	require.Equal(t, 1, e.artifacts.deletedCount("u1/s1"), "abandoned login artifacts are deleted once")
	_, ok := e.cache.Peek(k1)
	require.False(t, ok)
}

func TestHandleCache_SetReplacesAndEvictsPrevious(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := NewHandle(k1, &telegramtest.Client{Valid: true}, model.Session{Status: model.StatusSuccess})
	b := NewHandle(k1, &telegramtest.Client{Valid: true}, model.Session{Status: model.StatusSuccess})

	e.cache.Set(ctx, k1, a)
	e.cache.Set(ctx, k1, b)
	require.True(t, a.Disposed())
	require.False(t, b.Disposed())
	require.Equal(t, 1, e.artifacts.savedCount("u1/s1"))

	got, ok := e.cache.Peek(k1)
	require.True(t, ok)
	require.Same(t, b, got)
}

func TestHandleCache_CloseDisposesAll(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h1 := NewHandle(k1, &telegramtest.Client{Valid: true}, model.Session{Status: model.StatusSuccess})
	h2 := NewHandle(Key{UserID: "u2", SessionID: "s2"}, &telegramtest.Client{Valid: true}, model.Session{Status: model.StatusSuccess})
	e.cache.Set(ctx, h1.Key, h1)
	e.cache.Set(ctx, h2.Key, h2)
	require.Len(t, e.cache.Snapshot(), 2)

	e.cache.Close()
	require.True(t, h1.Disposed())
	require.True(t, h2.Disposed())
	require.Zero(t, e.cache.Len())
}

func seedAuthorized(t *testing.T, e *env, user, sess string, at time.Time) {
	t.Helper()
	e.sessions.mu.Lock()
	defer e.sessions.mu.Unlock()
	e.sessions.active[Key{UserID: user, SessionID: sess}] = model.Session{
		UserID: user, SessionID: sess, Phone: "+1", Status: model.StatusSuccess, Active: true,
		CreatedAt: at, UpdatedAt: at,
	}
}

func TestHandleCache_ReconcileAdoptsSettledSessions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e.cache.now = func() time.Time { return now }

	seedAuthorized(t, e, "u1", "old", now.Add(-time.Hour))
	seedAuthorized(t, e, "u2", "fresh", now.Add(-5*time.Second))
	live := NewHandle(Key{UserID: "u3", SessionID: "live"}, &telegramtest.Client{Valid: true},
		model.Session{Phone: "+1", Status: model.StatusSuccess})
	e.cache.Set(ctx, live.Key, live)
	seedAuthorized(t, e, "u3", "live", now.Add(-time.Hour))

	n, err := e.cache.Reconcile(ctx, e.sessions, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := e.cache.Peek(Key{UserID: "u1", SessionID: "old"})
	require.True(t, ok)
	_, ok = e.cache.Peek(Key{UserID: "u2", SessionID: "fresh"})
	require.False(t, ok, "a row still settling is left to the process that logged it in")
	require.Len(t, e.factory.Clients, 1, "live handles are not reopened")

	now = now.Add(time.Minute)
	n, err = e.cache.Reconcile(ctx, e.sessions, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 3, e.cache.Len())
}

func TestHandleCache_ReconcileSkipsInvalidAndStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.factory.Build = func(o telegram.Options) *telegramtest.Client {
		return &telegramtest.Client{Valid: o.SessionLabel != "u1_bad"}
	}
	seedAuthorized(t, e, "u1", "bad", time.Time{})
	seedAuthorized(t, e, "u1", "good", time.Time{})

	n, err := e.cache.Reconcile(context.Background(), e.sessions, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, e.sessions.deactivated)

	e.cache.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err = e.cache.Reconcile(ctx, e.sessions, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, n)
	require.Equal(t, 1, e.sessions.deactivated)
}

func TestHandleCache_ReconcileListError(t *testing.T) {
	e := newEnv(t)
	e.sessions.listErr = errors.New("db down")
	_, err := e.cache.Reconcile(context.Background(), e.sessions, 0)
	require.ErrorIs(t, err, e.sessions.listErr)
}
