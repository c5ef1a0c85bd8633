package service

import (
	"context"
	"errors"

	"github.com/and161185/tgcollector/internal/errs"
	"github.com/and161185/tgcollector/internal/limiter"
	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/respcache"
	"github.com/and161185/tgcollector/internal/session"
)

// MethodGetContacts names dialog enumeration for the rate limiter and the response cache.
const MethodGetContacts = "GetContacts"

// ContactService lists dialog counterparties of a live session.
type ContactService interface {
	List(ctx context.Context, userID, sessionID string, forceRefresh bool) ([]model.Contact, error)
}

// HandleSource returns validated live handles.
type HandleSource interface {
	Get(ctx context.Context, key session.Key) (*session.Handle, error)
}

type ContactServiceImpl struct {
	handles HandleSource
	limiter *limiter.RateLimiter
	cache   *respcache.Cache
}

// NewContactService constructs ContactService. A nil cache disables response caching.
func NewContactService(handles HandleSource, l *limiter.RateLimiter, c *respcache.Cache) *ContactServiceImpl {
	return &ContactServiceImpl{handles: handles, limiter: l, cache: c}
}

// List returns errs.ErrExpired when the session has no valid live handle.
func (s *ContactServiceImpl) List(ctx context.Context, userID, sessionID string, forceRefresh bool) ([]model.Contact, error) {
	if userID == "" || sessionID == "" {
		return nil, errors.New("validation: empty userID/sessionID")
	}
	h, err := s.handles.Get(ctx, session.Key{UserID: userID, SessionID: sessionID})
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrExpired
	}
	if err != nil {
		return nil, err
	}
	return respcache.GetOrCreate(ctx, s.cache, MethodGetContacts, []any{userID, sessionID},
		func(ctx context.Context) ([]model.Contact, error) {
			return limiter.Call(ctx, s.limiter, MethodGetContacts, h.Client.Dialogs)
		}, forceRefresh)
}
