package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/tgcollector/internal/model"
)

// duplicateTolerance absorbs clock and ordering jitter when matching stored messages.
const duplicateTolerance = time.Second

var messageCols = []string{"user_id", "session_id", "telegram_user_id", "counterparty_id", "sender_id", "sent_at", "text"}

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// BulkInsert copies all messages into the messages table.
func (r *MessageRepo) BulkInsert(ctx context.Context, msgs []model.QueuedMessage) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	src := pgx.CopyFromSlice(len(msgs), func(i int) ([]any, error) {
		m := msgs[i]
		return []any{m.UserID, m.SessionID, m.TelegramUserID, m.CounterpartyID, m.SenderID, m.SentAt.UTC(), m.Text}, nil
	})
	return r.db.Pool.CopyFrom(ctx, pgx.Identifier{"messages"}, messageCols, src)
}

// Stored reports, per message, whether an equal message is already persisted. Every field
// matches exactly except sent_at, which may differ by up to a second. The batch is checked
// in one round trip.
func (r *MessageRepo) Stored(ctx context.Context, msgs []model.QueuedMessage) ([]bool, error) {
	out := make([]bool, len(msgs))
	if len(msgs) == 0 {
		return out, nil
	}
	const q = `
SELECT b.ord
FROM unnest($1::text[], $2::text[], $3::bigint[], $4::bigint[], $5::text[], $6::timestamptz[], $7::timestamptz[])
  WITH ORDINALITY AS b(user_id, session_id, counterparty_id, sender_id, text, sent_from, sent_to, ord)
WHERE EXISTS (
  SELECT 1 FROM messages m
  WHERE m.user_id=b.user_id AND m.session_id=b.session_id AND m.counterparty_id=b.counterparty_id
    AND m.sender_id=b.sender_id AND m.text=b.text
    AND m.sent_at BETWEEN b.sent_from AND b.sent_to
)`
	var (
		users    = make([]string, len(msgs))
		sessions = make([]string, len(msgs))
		peers    = make([]int64, len(msgs))
		senders  = make([]int64, len(msgs))
		texts    = make([]string, len(msgs))
		from     = make([]time.Time, len(msgs))
		to       = make([]time.Time, len(msgs))
	)
	for i, m := range msgs {
		users[i], sessions[i], peers[i], senders[i], texts[i] = m.UserID, m.SessionID, m.CounterpartyID, m.SenderID, m.Text
		from[i] = m.SentAt.UTC().Add(-duplicateTolerance)
		to[i] = m.SentAt.UTC().Add(duplicateTolerance)
	}

	rows, err := r.db.Pool.Query(ctx, q, users, sessions, peers, senders, texts, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ord int64
		if err := rows.Scan(&ord); err != nil {
			return nil, err
		}
		if ord < 1 || ord > int64(len(out)) {
			return nil, fmt.Errorf("stored: ordinal %d out of range", ord)
		}
		out[ord-1] = true
	}
	return out, rows.Err()
}

// List returns the persisted conversation with a counterparty in chronological order.
func (r *MessageRepo) List(ctx context.Context, userID, sessionID string, counterpartyID int64) ([]model.QueuedMessage, error) {
	const q = `
SELECT user_id, session_id, telegram_user_id, counterparty_id, sender_id, sent_at, text
FROM messages
WHERE user_id=$1 AND session_id=$2 AND counterparty_id=$3
ORDER BY sent_at ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q, userID, sessionID, counterpartyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueuedMessage
	for rows.Next() {
		var m model.QueuedMessage
		if err := rows.Scan(&m.UserID, &m.SessionID, &m.TelegramUserID, &m.CounterpartyID, &m.SenderID, &m.SentAt, &m.Text); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
