package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/tgcollector/internal/errs"
	"github.com/and161185/tgcollector/internal/kv"
	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/repository"
)

// MetaKey is the key/value store key of a handle's metadata.
func MetaKey(k Key) string { return "handle:" + k.UserID + ":" + k.SessionID }

// Validator reports whether a handle is still authorized. A non-nil error means
// the answer is unknown and the handle is left alone.
type Validator interface {
	Validate(ctx context.Context, h *Handle) (bool, error)
}

// EvictFunc is called synchronously for every handle leaving the cache.
type EvictFunc func(h *Handle)

// HandleCache holds live handles in process and mirrors their metadata to a key/value store.
// The in-process map is the only authority on open connections; metadata alone never
// reconstitutes a handle, a miss is restored from the session store.
type HandleCache struct {
	meta     kv.Store
	metaTTL  time.Duration
	sessions repository.SessionRepository
	opener   Opener
	check    Validator
	onEvict  EvictFunc
	log      *zap.Logger

	now func() time.Time

	mu   sync.RWMutex
	live map[Key]*Handle

	restores singleflight.Group
}

// CacheConfig wires a HandleCache.
type CacheConfig struct {
	Meta     kv.Store
	MetaTTL  time.Duration
	Sessions repository.SessionRepository
	Opener   Opener
	Check    Validator
	OnEvict  EvictFunc
}

func NewHandleCache(cfg CacheConfig, log *zap.Logger) *HandleCache {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MetaTTL <= 0 {
		cfg.MetaTTL = 6 * time.Hour
	}
	if cfg.OnEvict == nil {
		cfg.OnEvict = func(h *Handle) { _ = h.Client.Close() }
	}
	return &HandleCache{
		meta:     cfg.Meta,
		metaTTL:  cfg.MetaTTL,
		sessions: cfg.Sessions,
		opener:   cfg.Opener,
		check:    cfg.Check,
		onEvict:  cfg.OnEvict,
		log:      log,
		now:      time.Now,
		live:     make(map[Key]*Handle),
	}
}

// Get returns a validated live handle, restoring it from the session store when it is not
// open in this process. errs.ErrNotFound covers a missing session and a failed validation alike.
// When validation cannot complete the error is returned and the handle stays live.
func (c *HandleCache) Get(ctx context.Context, key Key) (*Handle, error) {
	c.mu.RLock()
	h, ok := c.live[key]
	c.mu.RUnlock()
	if ok {
		if h.Disposed() {
			return nil, errs.ErrNotFound
		}
		valid, err := c.check.Validate(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("session: validate %s: %w", key, err)
		}
		if !valid {
			c.invalidate(ctx, key, h)
			return nil, errs.ErrNotFound
		}
		c.touch(ctx, h)
		return h, nil
	}

	if c.hasMeta(ctx, key) {
		c.log.Debug("handle metadata without live handle, restoring",
			zap.String("user", key.UserID), zap.String("session", key.SessionID))
	}

	v, err, _ := c.restores.Do(key.String(), func() (any, error) {
		return c.restore(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (c *HandleCache) restore(ctx context.Context, key Key) (*Handle, error) {
	row, err := c.sessions.GetActive(ctx, key.UserID, key.SessionID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("session: load %s: %w", key, err)
	}

	h, err := c.opener.Open(ctx, key, row.Phone)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.sess.ID = row.ID
	h.sess.Status = row.Status
	h.sess.TelegramUserID = row.TelegramUserID
	h.sess.CreatedAt = row.CreatedAt
	h.mu.Unlock()

	valid, err := c.check.Validate(ctx, h)
	if err != nil {
		c.onEvict(h)
		return nil, fmt.Errorf("session: validate %s: %w", key, err)
	}
	if !valid {
		c.onEvict(h)
		if err := c.sessions.Deactivate(ctx, key.UserID, key.SessionID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			c.log.Warn("deactivate session", zap.String("session", key.String()), zap.Error(err))
		}
		return nil, errs.ErrNotFound
	}

	c.mu.Lock()
	if cur, ok := c.live[key]; ok {
		c.mu.Unlock()
		c.onEvict(h)
		return cur, nil
	}
	c.live[key] = h
	c.mu.Unlock()
	c.log.Info("session restored", zap.String("user", key.UserID), zap.String("session", key.SessionID))
	return h, nil
}

// invalidate drops a handle that failed validation and marks its row inactive.
// A handle that was already replaced or removed is only disposed.
func (c *HandleCache) invalidate(ctx context.Context, key Key, h *Handle) {
	c.mu.Lock()
	current := c.live[key] == h
	if current {
		delete(c.live, key)
	}
	c.mu.Unlock()
	c.onEvict(h)
	if !current {
		return
	}
	c.deleteMeta(ctx, key)
	if err := c.sessions.Deactivate(ctx, key.UserID, key.SessionID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		c.log.Warn("deactivate session", zap.String("session", key.String()), zap.Error(err))
	}
}

// Set stores h as the live handle of key, evicting a different previous one.
func (c *HandleCache) Set(ctx context.Context, key Key, h *Handle) {
	c.mu.Lock()
	old, ok := c.live[key]
	c.live[key] = h
	c.mu.Unlock()
	if ok && old != h {
		c.onEvict(old)
	}
	c.writeMeta(ctx, h)
}

// Remove evicts key from both tiers. Removing an absent key is a no-op.
func (c *HandleCache) Remove(ctx context.Context, key Key) {
	c.mu.Lock()
	h, ok := c.live[key]
	delete(c.live, key)
	c.mu.Unlock()
	c.deleteMeta(ctx, key)
	if ok {
		c.onEvict(h)
	}
}

// Peek returns the live handle without validation.
func (c *HandleCache) Peek(key Key) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.live[key]
	return h, ok
}

// Snapshot lists the live handles.
func (c *HandleCache) Snapshot() []*Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Handle, 0, len(c.live))
	for _, h := range c.live {
		out = append(out, h)
	}
	return out
}

func (c *HandleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.live)
}

// Close evicts every handle.
func (c *HandleCache) Close() {
	c.mu.Lock()
	all := c.live
	c.live = make(map[Key]*Handle)
	c.mu.Unlock()
	for _, h := range all {
		c.onEvict(h)
	}
}

func (c *HandleCache) touch(ctx context.Context, h *Handle) {
	if c.meta == nil {
		return
	}
	err := c.meta.Expire(ctx, MetaKey(h.Key), c.metaTTL)
	if errors.Is(err, errs.ErrNotFound) {
		c.writeMeta(ctx, h)
		return
	}
	if err != nil {
		c.log.Warn("refresh handle metadata", zap.String("session", h.Key.String()), zap.Error(err))
	}
}

func (c *HandleCache) writeMeta(ctx context.Context, h *Handle) {
	if c.meta == nil {
		return
	}
	b, err := json.Marshal(h.Meta())
	if err == nil {
		err = c.meta.Set(ctx, MetaKey(h.Key), b, c.metaTTL)
	}
	if err != nil {
		c.log.Warn("write handle metadata", zap.String("session", h.Key.String()), zap.Error(err))
	}
}

func (c *HandleCache) deleteMeta(ctx context.Context, key Key) {
	if c.meta == nil {
		return
	}
	if err := c.meta.Delete(ctx, MetaKey(key)); err != nil {
		c.log.Warn("delete handle metadata", zap.String("session", key.String()), zap.Error(err))
	}
}

// Meta reads the mirrored metadata of key.
func (c *HandleCache) Meta(ctx context.Context, key Key) (model.HandleMeta, error) {
	var m model.HandleMeta
	if c.meta == nil {
		return m, errs.ErrNotFound
	}
	b, err := c.meta.Get(ctx, MetaKey(key))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("session: decode metadata: %w", err)
	}
	return m, nil
}

func (c *HandleCache) hasMeta(ctx context.Context, key Key) bool {
	if c.meta == nil {
		return false
	}
	ok, err := c.meta.Exists(ctx, MetaKey(key))
	return err == nil && ok
}

// AuthorizedSessions lists every active session that completed login.
type AuthorizedSessions interface {
	ListAuthorized(ctx context.Context) ([]model.Session, error)
}

// Reconcile restores authorized sessions that are not live in this process. Rows written
// less than settle ago are left for the next pass, so the process that completed the login
// can release its connection first. It returns the number of handles restored.
func (c *HandleCache) Reconcile(ctx context.Context, src AuthorizedSessions, settle time.Duration) (int, error) {
	rows, err := src.ListAuthorized(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: list authorized: %w", err)
	}
	now := c.now()
	n := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		key := Key{UserID: row.UserID, SessionID: row.SessionID}
		if _, ok := c.Peek(key); ok {
			continue
		}
		changed := row.UpdatedAt
		if changed.IsZero() {
			changed = row.CreatedAt
		}
		if settle > 0 && now.Sub(changed) < settle {
			continue
		}
		if _, err := c.Get(ctx, key); err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			c.log.Warn("reconcile session", zap.String("session", key.String()), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// RunReconcile calls Reconcile every interval until ctx is done.
func (c *HandleCache) RunReconcile(ctx context.Context, src AuthorizedSessions, interval, settle time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := c.Reconcile(ctx, src, settle)
			if err != nil && ctx.Err() == nil {
				c.log.Warn("reconcile sessions", zap.Error(err))
			}
			if n > 0 {
				c.log.Info("sessions adopted", zap.Int("count", n))
			}
		}
	}
}
