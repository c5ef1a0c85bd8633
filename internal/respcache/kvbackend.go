package respcache

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/tgcollector/internal/errs"
	"github.com/and161185/tgcollector/internal/kv"
)

// KVBackend stores entries in a shared kv.Store, compressing large payloads.
type KVBackend struct {
	store kv.Store
}

// NewKVBackend wraps a kv.Store.
func NewKVBackend(s kv.Store) *KVBackend { return &KVBackend{store: s} }

func (b *KVBackend) Get(ctx context.Context, key string) ([]byte, error) {
	frame, err := b.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrCacheMiss
		}
		return nil, err
	}
	return unpack(frame)
}

func (b *KVBackend) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return b.store.Set(ctx, key, pack(val), ttl)
}

func (b *KVBackend) Delete(ctx context.Context, key string) error {
	return b.store.Delete(ctx, key)
}
