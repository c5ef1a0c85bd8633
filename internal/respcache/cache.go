// Package respcache memoizes upstream read results per method and arguments.
// Caching is best-effort: backend and codec failures are logged and never reach the caller.
package respcache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/errs"
)

// Backend stores serialized cache entries.
type Backend interface {
	// Get returns errs.ErrCacheMiss when no live entry exists.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Config holds the default TTL and per-method overrides.
type Config struct {
	DefaultTTL time.Duration
	Methods    map[string]time.Duration
}

// Cache is a response cache over a Backend.
type Cache struct {
	backend Backend
	cfg     Config
	log     *zap.Logger
}

// New constructs a Cache. A nil logger is replaced with a no-op logger.
func New(b Backend, cfg Config, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	return &Cache{backend: b, cfg: cfg, log: log}
}

// TTL returns the configured lifetime for entries of method.
func (c *Cache) TTL(method string) time.Duration {
	if d, ok := c.cfg.Methods[method]; ok && d > 0 {
		return d
	}
	return c.cfg.DefaultTTL
}

// Key derives the deterministic cache key for a method and its arguments. Arguments are
// hashed in their deterministic CBOR form, so argument boundaries and types are part of the key.
func Key(method string, args []any) string {
	b, err := marshal(args)
	if err != nil {
		b = b[:0]
		for _, a := range args {
			s := fmt.Sprintf("%T:%v", a, a)
			b = fmt.Appendf(b, "%d:%s", len(s), s)
		}
	}
	sum := blake3.Sum256(b)
	return "rc:" + method + ":" + hex.EncodeToString(sum[:16])
}

// Invalidate removes the entry for method and args.
func (c *Cache) Invalidate(ctx context.Context, method string, args []any) {
	if c == nil {
		return
	}
	key := Key(method, args)
	if err := c.backend.Delete(ctx, key); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

// GetOrCreate returns the cached value for method and args, or calls factory and caches its result.
// forceRefresh evicts any existing entry first, so factory always runs.
// A nil Cache always calls factory.
func GetOrCreate[T any](ctx context.Context, c *Cache, method string, args []any,
	factory func(context.Context) (T, error), forceRefresh bool) (T, error) {
	if c == nil {
		return factory(ctx)
	}
	key := Key(method, args)

	if forceRefresh {
		c.Invalidate(ctx, method, args)
	} else if v, ok := lookup[T](ctx, c, key); ok {
		return v, nil
	}

	v, err := factory(ctx)
	if err != nil {
		return v, err
	}

	data, err := marshal(v)
	if err != nil {
		c.log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return v, nil
	}
	if err := c.backend.Set(ctx, key, data, c.TTL(method)); err != nil {
		c.log.Warn("cache store failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

func lookup[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, errs.ErrCacheMiss) {
			c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return v, false
	}
	if err := unmarshal(data, &v); err != nil {
		c.log.Warn("cache decode failed, treating as miss", zap.String("key", key), zap.Error(err))
		var zero T
		return zero, false
	}
	return v, true
}
