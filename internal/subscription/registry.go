// Package subscription records which counterparties of a session are collected.
package subscription

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/errs"
	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/repository"
)

// Registry is the source of truth for ingestion filtering.
type Registry struct {
	subs     repository.SubscriptionRepository
	sessions repository.SessionRepository
	log      *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(subs repository.SubscriptionRepository, sessions repository.SessionRepository, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{subs: subs, sessions: sessions, log: log}
}

func validate(userID, sessionID string, counterpartyID int64) error {
	if userID == "" || sessionID == "" {
		return errors.New("validation: empty user or session id")
	}
	if counterpartyID <= 0 {
		return fmt.Errorf("validation: bad counterparty id %d", counterpartyID)
	}
	return nil
}

// Subscribe starts collecting messages with counterpartyID. It requires an active session
// and is idempotent.
func (r *Registry) Subscribe(ctx context.Context, userID, sessionID string, counterpartyID int64) error {
	if err := validate(userID, sessionID, counterpartyID); err != nil {
		return err
	}
	if _, err := r.sessions.GetActive(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("subscribe: session %s: %w", sessionID, err)
	}
	if err := r.subs.Add(ctx, model.Subscription{UserID: userID, SessionID: sessionID, CounterpartyID: counterpartyID}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.log.Info("subscribed", zap.String("user", userID), zap.String("session", sessionID), zap.Int64("counterparty", counterpartyID))
	return nil
}

// Unsubscribe stops collection. Removing an absent subscription returns errs.ErrNotFound.
func (r *Registry) Unsubscribe(ctx context.Context, userID, sessionID string, counterpartyID int64) error {
	if err := validate(userID, sessionID, counterpartyID); err != nil {
		return err
	}
	ok, err := r.subs.Remove(ctx, userID, sessionID, counterpartyID)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	if !ok {
		return errs.ErrNotFound
	}
	r.log.Info("unsubscribed", zap.String("user", userID), zap.String("session", sessionID), zap.Int64("counterparty", counterpartyID))
	return nil
}

func (r *Registry) IsSubscribed(ctx context.Context, userID, sessionID string, counterpartyID int64) (bool, error) {
	return r.subs.Exists(ctx, userID, sessionID, counterpartyID)
}

// IsSubscribedAny matches (session, counterparty) for any owning user.
func (r *Registry) IsSubscribedAny(ctx context.Context, sessionID string, counterpartyID int64) (bool, error) {
	return r.subs.ExistsAny(ctx, sessionID, counterpartyID)
}

func (r *Registry) List(ctx context.Context, userID, sessionID string) ([]model.Subscription, error) {
	out, err := r.subs.List(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Subscription{}
	}
	return out, nil
}
