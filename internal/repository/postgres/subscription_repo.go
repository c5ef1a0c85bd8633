package postgres

import (
	"context"

	"github.com/and161185/tgcollector/internal/model"
)

// SubscriptionRepo implements SubscriptionRepository using PostgreSQL.
type SubscriptionRepo struct{ db *DB }

// NewSubscriptionRepo constructs a subscription repository.
func NewSubscriptionRepo(db *DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

// Add inserts a subscription, ignoring an existing identical one.
func (r *SubscriptionRepo) Add(ctx context.Context, sub model.Subscription) error {
	const q = `
INSERT INTO subscriptions (user_id, session_id, counterparty_id)
VALUES ($1,$2,$3)
ON CONFLICT (user_id, session_id, counterparty_id) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, sub.UserID, sub.SessionID, sub.CounterpartyID)
	return err
}

// Remove deletes a subscription.
func (r *SubscriptionRepo) Remove(ctx context.Context, userID, sessionID string, counterpartyID int64) (bool, error) {
	const q = `DELETE FROM subscriptions WHERE user_id=$1 AND session_id=$2 AND counterparty_id=$3`
	tag, err := r.db.Pool.Exec(ctx, q, userID, sessionID, counterpartyID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Exists checks a subscription by its full key.
func (r *SubscriptionRepo) Exists(ctx context.Context, userID, sessionID string, counterpartyID int64) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE user_id=$1 AND session_id=$2 AND counterparty_id=$3)`
	var ok bool
	err := r.db.Pool.QueryRow(ctx, q, userID, sessionID, counterpartyID).Scan(&ok)
	return ok, err
}

// ExistsAny checks a subscription by (session, counterparty) for any user.
func (r *SubscriptionRepo) ExistsAny(ctx context.Context, sessionID string, counterpartyID int64) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE session_id=$1 AND counterparty_id=$2)`
	var ok bool
	err := r.db.Pool.QueryRow(ctx, q, sessionID, counterpartyID).Scan(&ok)
	return ok, err
}

// List returns the subscriptions of one session ordered by creation.
func (r *SubscriptionRepo) List(ctx context.Context, userID, sessionID string) ([]model.Subscription, error) {
	const q = `
SELECT user_id, session_id, counterparty_id, created_at
FROM subscriptions WHERE user_id=$1 AND session_id=$2
ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, userID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var s model.Subscription
		if err := rows.Scan(&s.UserID, &s.SessionID, &s.CounterpartyID, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
