package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/and161185/tgcollector/internal/model"
)

// QueueRepo is a durable append-only message queue per key, backed by the message_queue table.
// Order within a key follows the bigserial id.
type QueueRepo struct{ db *DB }

// NewQueueRepo constructs a queue repository.
func NewQueueRepo(db *DB) *QueueRepo { return &QueueRepo{db: db} }

// Append adds a message to the tail of the queue and returns the new queue length.
func (r *QueueRepo) Append(ctx context.Context, key string, m model.QueuedMessage) (int64, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("encode queued message: %w", err)
	}
	const ins = `INSERT INTO message_queue (queue_key, payload) VALUES ($1, $2)`
	if _, err := r.db.Pool.Exec(ctx, ins, key, payload); err != nil {
		return 0, err
	}
	return r.Len(ctx, key)
}

// Len returns the number of queued messages for key.
func (r *QueueRepo) Len(ctx context.Context, key string) (int64, error) {
	const q = `SELECT count(*) FROM message_queue WHERE queue_key=$1`
	var n int64
	err := r.db.Pool.QueryRow(ctx, q, key).Scan(&n)
	return n, err
}

// Range reads up to limit messages from the head of the queue without removing them.
func (r *QueueRepo) Range(ctx context.Context, key string, limit int) ([]model.QueueItem, error) {
	const q = `SELECT id, payload FROM message_queue WHERE queue_key=$1 ORDER BY id ASC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		var (
			it      model.QueueItem
			payload []byte
		)
		if err := rows.Scan(&it.ID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &it.Message); err != nil {
			return nil, fmt.Errorf("decode queued message %d: %w", it.ID, err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Trim removes exactly the listed messages of key. Ids are assigned before commit, so a
// range delete could drop a row that committed after it was read.
func (r *QueueRepo) Trim(ctx context.Context, key string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const q = `DELETE FROM message_queue WHERE queue_key=$1 AND id = ANY($2)`
	tag, err := r.db.Pool.Exec(ctx, q, key, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Keys lists every queue key that currently holds messages.
func (r *QueueRepo) Keys(ctx context.Context) ([]string, error) {
	const q = `SELECT DISTINCT queue_key FROM message_queue ORDER BY queue_key`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
