package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/tgcollector/internal/errs"
	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/repository"
)

type fakeSubs struct {
	rows map[model.Subscription]bool
}

var _ repository.SubscriptionRepository = (*fakeSubs)(nil)

func key(u, s string, cp int64) model.Subscription {
	return model.Subscription{UserID: u, SessionID: s, CounterpartyID: cp}
}

func (f *fakeSubs) Add(_ context.Context, sub model.Subscription) error {
	f.rows[key(sub.UserID, sub.SessionID, sub.CounterpartyID)] = true
	return nil
}
func (f *fakeSubs) Remove(_ context.Context, u, s string, cp int64) (bool, error) {
	k := key(u, s, cp)
	ok := f.rows[k]
	delete(f.rows, k)
	return ok, nil
}
func (f *fakeSubs) Exists(_ context.Context, u, s string, cp int64) (bool, error) {
	return f.rows[key(u, s, cp)], nil
}
func (f *fakeSubs) ExistsAny(_ context.Context, s string, cp int64) (bool, error) {
	for k := range f.rows {
		if k.SessionID == s && k.CounterpartyID == cp {
			return true, nil
		}
	}
	return false, nil
}
func (f *fakeSubs) List(_ context.Context, u, s string) ([]model.Subscription, error) {
	var out []model.Subscription
	for k := range f.rows {
		if k.UserID == u && k.SessionID == s {
			out = append(out, k)
		}
	}
	return out, nil
}

type fakeSessions struct {
	active map[string]bool
}

var _ repository.SessionRepository = (*fakeSessions)(nil)

func (f *fakeSessions) SaveActive(context.Context, *model.Session) error { return nil }
func (f *fakeSessions) GetActive(_ context.Context, u, s string) (*model.Session, error) {
	if !f.active[u+"/"+s] {
		return nil, errs.ErrNotFound
	}
	return &model.Session{UserID: u, SessionID: s, Active: true}, nil
}
func (f *fakeSessions) ListActive(context.Context, string) ([]model.Session, error) { return nil, nil }
func (f *fakeSessions) Deactivate(context.Context, string, string) error            { return nil }

func newRegistry(t *testing.T) (*Registry, *fakeSubs) {
	subs := &fakeSubs{rows: map[model.Subscription]bool{}}
	sess := &fakeSessions{active: map[string]bool{"u1/s1": true}}
	return NewRegistry(subs, sess, zaptest.NewLogger(t)), subs
}

func TestRegistry_SubscribeRequiresActiveSession(t *testing.T) {
	r, _ := newRegistry(t)
	err := r.Subscribe(context.Background(), "u1", "missing", 5)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, subs := newRegistry(t)

	require.NoError(t, r.Subscribe(ctx, "u1", "s1", 5))
	require.NoError(t, r.Subscribe(ctx, "u1", "s1", 5))
	require.Len(t, subs.rows, 1)

	ok, err := r.IsSubscribed(ctx, "u1", "s1", 5)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.IsSubscribedAny(ctx, "s1", 5)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRegistry_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	require.NoError(t, r.Subscribe(ctx, "u1", "s1", 5))

	require.NoError(t, r.Unsubscribe(ctx, "u1", "s1", 5))
	require.ErrorIs(t, r.Unsubscribe(ctx, "u1", "s1", 5), errs.ErrNotFound)

	ok, _ := r.IsSubscribedAny(ctx, "s1", 5)
	require.False(t, ok)
}

func TestRegistry_Validation(t *testing.T) {
	r, _ := newRegistry(t)
	require.Error(t, r.Subscribe(context.Background(), "", "s1", 5))
	require.Error(t, r.Subscribe(context.Background(), "u1", "s1", 0))
}

func TestRegistry_ListNeverNil(t *testing.T) {
	r, _ := newRegistry(t)
	out, err := r.List(context.Background(), "u1", "s1")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Empty(t, out)
}
