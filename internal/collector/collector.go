// Package collector buffers captured messages in a durable per-session queue and
// persists them in batches to the relational store.
//
// Enqueue dedups by a processed marker in the key/value store, appends to the queue
// and publishes to the event bus. Flushes read a batch without removing it, skip
// messages already stored, bulk insert the rest and only then trim the queue, so a
// failed flush is retried on the next cycle.
package collector

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/and161185/tgcollector/internal/eventbus"
	"github.com/and161185/tgcollector/internal/kv"
	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/repository"
	"github.com/and161185/tgcollector/internal/workqueue"
)

// MarkerPrefix namespaces processed markers in the key/value store.
const MarkerPrefix = "processed:"

// Queue is the durable per-session message queue. Items are ordered by ID.
type Queue interface {
	// Append adds m to the tail of key and returns the new length.
	Append(ctx context.Context, key string, m model.QueuedMessage) (int64, error)
	Len(ctx context.Context, key string) (int64, error)
	// Range reads up to limit items from the head without removing them.
	Range(ctx context.Context, key string, limit int) ([]model.QueueItem, error)
	// Trim removes exactly the listed items of key.
	Trim(ctx context.Context, key string, ids []int64) (int64, error)
	Keys(ctx context.Context) ([]string, error)
}

// Runner executes background tasks without blocking the caller.
type Runner interface {
	Submit(name string, fn workqueue.Task) bool
}

// Config tunes batching.
type Config struct {
	// Threshold is the queue length that triggers an immediate flush of that queue.
	Threshold int64
	// BatchSize caps the messages read per flush.
	BatchSize int
	// FlushInterval is the period of the background flush loop.
	FlushInterval time.Duration
	// FlushTimeout bounds one queue's flush within a cycle.
	FlushTimeout time.Duration
	// MarkerTTL is how long a processed marker suppresses duplicates.
	MarkerTTL time.Duration
}

func (c *Config) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Minute
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 30 * time.Second
	}
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = 24 * time.Hour
	}
}

// Collector is the ingestion pipeline.
type Collector struct {
	cfg     Config
	queue   Queue
	store   repository.MessageRepository
	markers kv.Store
	pub     eventbus.Publisher
	runner  Runner
	log     *zap.Logger

	locks   sync.Map // key -> *sync.Mutex
	pending sync.Map // key -> struct{}, threshold flush scheduled

	enqueued         atomic.Int64
	duplicates       atomic.Int64
	thresholdFlushes atomic.Int64
}

// New constructs a Collector. A nil publisher disables the event bus and a nil runner
// executes background tasks inline.
func New(cfg Config, q Queue, store repository.MessageRepository, markers kv.Store,
	pub eventbus.Publisher, runner Runner, log *zap.Logger,
) *Collector {
	cfg.defaults()
	if pub == nil {
		pub = eventbus.Nop{}
	}
	if runner == nil {
		runner = inline{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{cfg: cfg, queue: q, store: store, markers: markers, pub: pub, runner: runner, log: log}
}

type inline struct{}

func (inline) Submit(_ string, fn workqueue.Task) bool {
	_ = fn(context.Background())
	return true
}

// MarkerKey is the processed-marker key of a message: a blake2b digest of
// user, session, counterparty, sender and timestamp.
func MarkerKey(m model.QueuedMessage) string {
	var b []byte
	b = append(b, m.UserID...)
	b = append(b, '|')
	b = append(b, m.SessionID...)
	b = append(b, '|')
	b = strconv.AppendInt(b, m.CounterpartyID, 10)
	b = append(b, '|')
	b = strconv.AppendInt(b, m.SenderID, 10)
	b = append(b, '|')
	b = strconv.AppendInt(b, m.SentAt.UnixNano(), 10)
	sum := blake2b.Sum256(b)
	return MarkerPrefix + hex.EncodeToString(sum[:])
}

// Enqueue queues m unless an identical message was already processed.
// It reports whether the message was queued.
func (c *Collector) Enqueue(ctx context.Context, m model.QueuedMessage) (bool, error) {
	key := m.QueueKey()
	mk := MarkerKey(m)

	fresh, err := c.markers.SetNX(ctx, mk, []byte{1}, c.cfg.MarkerTTL)
	if err != nil {
		return false, fmt.Errorf("collector: mark %s: %w", key, err)
	}
	if !fresh {
		c.duplicates.Add(1)
		c.log.Debug("duplicate message dropped", zap.String("queue", key))
		return false, nil
	}

	n, err := c.queue.Append(ctx, key, m)
	if err != nil {
		// let a redelivery of the same update try again
		if derr := c.markers.Delete(context.WithoutCancel(ctx), mk); derr != nil {
			c.log.Warn("marker rollback failed", zap.String("queue", key), zap.Error(derr))
		}
		return false, fmt.Errorf("collector: append %s: %w", key, err)
	}
	c.enqueued.Add(1)

	if !c.runner.Submit("publish", func(ctx context.Context) error { return c.pub.Publish(ctx, m) }) {
		c.log.Warn("event publish skipped", zap.String("queue", key))
	}

	if n >= c.cfg.Threshold {
		c.triggerFlush(key)
	}
	return true, nil
}

func (c *Collector) triggerFlush(key string) {
	if _, loaded := c.pending.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	ok := c.runner.Submit("flush:"+key, func(ctx context.Context) error {
		defer c.pending.Delete(key)
		ctx, cancel := context.WithTimeout(ctx, c.cfg.FlushTimeout)
		defer cancel()
		_, err := c.Flush(ctx, key)
		return err
	})
	if !ok {
		c.pending.Delete(key)
		return
	}
	c.thresholdFlushes.Add(1)
}

func (c *Collector) lockFor(key string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// FlushResult describes one queue flush.
type FlushResult struct {
	Read     int
	Inserted int64
	Trimmed  int64
}

// Flush persists up to one batch of key. A flush already running for key makes this a no-op.
// On error the queue is left as it was.
func (c *Collector) Flush(ctx context.Context, key string) (FlushResult, error) {
	var res FlushResult
	mu := c.lockFor(key)
	if !mu.TryLock() {
		return res, nil
	}
	defer mu.Unlock()

	items, err := c.queue.Range(ctx, key, c.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("collector: read %s: %w", key, err)
	}
	res.Read = len(items)
	if len(items) == 0 {
		return res, nil
	}

	msgs := make([]model.QueuedMessage, len(items))
	ids := make([]int64, len(items))
	for i, it := range items {
		msgs[i], ids[i] = it.Message, it.ID
	}
	stored, err := c.store.Stored(ctx, msgs)
	if err != nil {
		return res, fmt.Errorf("collector: check %s: %w", key, err)
	}
	if len(stored) != len(msgs) {
		return res, fmt.Errorf("collector: check %s: got %d flags for %d messages", key, len(stored), len(msgs))
	}
	batch := make([]model.QueuedMessage, 0, len(msgs))
	for i, m := range msgs {
		if !stored[i] {
			batch = append(batch, m)
		}
	}

	if len(batch) > 0 {
		if res.Inserted, err = c.store.BulkInsert(ctx, batch); err != nil {
			return FlushResult{Read: res.Read}, fmt.Errorf("collector: insert %s: %w", key, err)
		}
	}

	res.Trimmed, err = c.queue.Trim(ctx, key, ids)
	if err != nil {
		// rows are stored; the existence check skips them next time
		return res, fmt.Errorf("collector: trim %s: %w", key, err)
	}
	c.log.Info("queue flushed",
		zap.String("queue", key),
		zap.Int("read", res.Read),
		zap.Int64("inserted", res.Inserted),
		zap.Int64("trimmed", res.Trimmed))
	return res, nil
}

// Summary aggregates a flush over every queue.
type Summary struct {
	Queues   int
	Inserted int64
	Trimmed  int64
	Failed   map[string]error
}

// FlushAll flushes every known queue. A failing queue does not stop the others;
// the returned error only reports that keys could not be listed.
func (c *Collector) FlushAll(ctx context.Context) (Summary, error) {
	sum := Summary{Failed: map[string]error{}}
	keys, err := c.queue.Keys(ctx)
	if err != nil {
		return sum, fmt.Errorf("collector: list queues: %w", err)
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			sum.Failed[key] = ctx.Err()
			continue
		}
		res, err := c.flushOne(ctx, key)
		sum.Queues++
		sum.Inserted += res.Inserted
		sum.Trimmed += res.Trimmed
		if err != nil {
			sum.Failed[key] = err
			c.log.Warn("queue flush failed", zap.String("queue", key), zap.Error(err))
		}
	}
	return sum, nil
}

func (c *Collector) flushOne(ctx context.Context, key string) (res FlushResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector: panic flushing %s: %v", key, r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FlushTimeout)
	defer cancel()
	return c.Flush(ctx, key)
}

// Run flushes every queue each FlushInterval until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.cycle(ctx)
		}
	}
}

func (c *Collector) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("flush cycle panic", zap.Any("panic", r))
		}
	}()
	sum, err := c.FlushAll(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error("flush cycle failed", zap.Error(err))
		return
	}
	if sum.Queues > 0 {
		c.log.Debug("flush cycle done",
			zap.Int("queues", sum.Queues),
			zap.Int64("inserted", sum.Inserted),
			zap.Int("failed", len(sum.Failed)))
	}
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Enqueued, Duplicates, ThresholdFlushes int64
}

func (c *Collector) Stats() Stats {
	return Stats{
		Enqueued:         c.enqueued.Load(),
		Duplicates:       c.duplicates.Load(),
		ThresholdFlushes: c.thresholdFlushes.Load(),
	}
}
