package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/artifact"
	"github.com/and161185/tgcollector/internal/errs"
	"github.com/and161185/tgcollector/internal/limiter"
	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/telegram"
)

// Artifacts stages and persists the credential and cursor files of a session.
type Artifacts interface {
	LocalPath(ctx context.Context, kind artifact.Kind, userID, sessionID string) (string, error)
	SaveAll(ctx context.Context, userID, sessionID string, timeout time.Duration) error
	DeleteAll(ctx context.Context, userID, sessionID string) error
}

// Opener connects handles.
type Opener interface {
	Open(ctx context.Context, key Key, phone string) (*Handle, error)
}

// Connector opens handles over staged artifacts.
type Connector struct {
	artifacts Artifacts
	factory   telegram.Factory
}

func NewConnector(a Artifacts, f telegram.Factory) *Connector {
	return &Connector{artifacts: a, factory: f}
}

// Open materializes both artifacts locally (empty when new) and connects a client to them.
func (c *Connector) Open(ctx context.Context, key Key, phone string) (*Handle, error) {
	cred, err := c.artifacts.LocalPath(ctx, artifact.Credential, key.UserID, key.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session: stage credential: %w", err)
	}
	cur, err := c.artifacts.LocalPath(ctx, artifact.Cursor, key.UserID, key.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session: stage cursor: %w", err)
	}
	cl, err := c.factory.New(ctx, telegram.Options{
		Phone:          phone,
		SessionLabel:   key.String(),
		CredentialPath: cred,
		CursorPath:     cur,
	})
	if err != nil {
		return nil, fmt.Errorf("session: connect: %w", err)
	}
	return NewHandle(key, cl, model.Session{
		Phone:          phone,
		Status:         model.StatusPending,
		CredentialPath: cred,
		CursorPath:     cur,
	}), nil
}

// Disposer releases handles. Disposal is idempotent and never fails.
type Disposer struct {
	artifacts Artifacts
	timeout   time.Duration
	log       *zap.Logger
}

// NewDisposer builds a Disposer; timeout bounds the combined artifact save.
func NewDisposer(a Artifacts, timeout time.Duration, log *zap.Logger) *Disposer {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Disposer{artifacts: a, timeout: timeout, log: log}
}

// Dispose closes the connection, then persists the artifacts of an authorized session
// or deletes those of an abandoned login.
func (d *Disposer) Dispose(h *Handle) {
	if h == nil || !h.disposed.CompareAndSwap(false, true) {
		return
	}
	log := d.log.With(zap.String("user", h.Key.UserID), zap.String("session", h.Key.SessionID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispose panic", zap.Any("panic", r))
		}
	}()

	if err := h.Client.Close(); err != nil {
		log.Warn("close client", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if h.Status() == model.StatusSuccess {
		if err := d.artifacts.SaveAll(ctx, h.Key.UserID, h.Key.SessionID, d.timeout); err != nil {
			log.Warn("save artifacts", zap.Error(err))
		}
		return
	}
	if err := d.artifacts.DeleteAll(ctx, h.Key.UserID, h.Key.SessionID); err != nil {
		log.Warn("delete artifacts", zap.Error(err))
	}
}

// Prober checks that a handle is still authorized.
type Prober struct {
	limiter *limiter.RateLimiter
	log     *zap.Logger
}

// MethodGetMe is the rate limiter method of validation probes.
const MethodGetMe = "GetMe"

func NewProber(l *limiter.RateLimiter, log *zap.Logger) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{limiter: l, log: log}
}

// Validate reads the current account through the rate limiter.
// An unauthorized answer or an upstream failure reports false with a nil error.
// A cancelled context or an aborted limiter wait is returned as an error: the
// session state is unknown and must not be treated as invalid.
func (p *Prober) Validate(ctx context.Context, h *Handle) (bool, error) {
	ok, err := limiter.Call(ctx, p.limiter, MethodGetMe, h.Client.Validate)
	if err == nil {
		return ok, nil
	}
	if ctx.Err() != nil || errors.Is(err, errs.ErrRateLimited) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, err
	}
	p.log.Info("session validation failed",
		zap.String("user", h.Key.UserID), zap.String("session", h.Key.SessionID), zap.Error(err))
	return false, nil
}
