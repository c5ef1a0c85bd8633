// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/tgcollector/internal/model"
)

// SessionRepository provides access to persisted sessions.
type SessionRepository interface {
	// SaveActive deactivates any active row for (user, session) and inserts s as the active one.
	SaveActive(ctx context.Context, s *model.Session) error
	// GetActive loads the active row for (user, session).
	GetActive(ctx context.Context, userID, sessionID string) (*model.Session, error)
	// ListActive returns all active sessions of a user.
	ListActive(ctx context.Context, userID string) ([]model.Session, error)
	// Deactivate marks the active row for (user, session) inactive.
	Deactivate(ctx context.Context, userID, sessionID string) error
}

// SubscriptionRepository stores (user, session, counterparty) triples.
type SubscriptionRepository interface {
	// Add inserts a subscription; adding an existing one is a no-op.
	Add(ctx context.Context, sub model.Subscription) error
	// Remove deletes a subscription and reports whether it existed.
	Remove(ctx context.Context, userID, sessionID string, counterpartyID int64) (bool, error)
	// Exists checks the full key.
	Exists(ctx context.Context, userID, sessionID string, counterpartyID int64) (bool, error)
	// ExistsAny checks (session, counterparty) regardless of the owning user.
	ExistsAny(ctx context.Context, sessionID string, counterpartyID int64) (bool, error)
	// List returns subscriptions of one session.
	List(ctx context.Context, userID, sessionID string) ([]model.Subscription, error)
}

// MessageRepository persists captured messages.
type MessageRepository interface {
	// BulkInsert stores all messages in one round trip and returns the inserted count.
	BulkInsert(ctx context.Context, msgs []model.QueuedMessage) (int64, error)
	// Stored reports, per message, whether an equal message is stored (timestamp within one second).
	Stored(ctx context.Context, msgs []model.QueuedMessage) ([]bool, error)
	// List returns messages exchanged with a counterparty ordered by time.
	List(ctx context.Context, userID, sessionID string, counterpartyID int64) ([]model.QueuedMessage, error)
}
