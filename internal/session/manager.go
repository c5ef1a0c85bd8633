package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/errs"
	"github.com/and161185/tgcollector/internal/limiter"
	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/repository"
	"github.com/and161185/tgcollector/internal/telegram"
)

// Rate limiter methods of the login steps.
const (
	MethodSendCode      = "SendCode"
	MethodSignIn        = "SignIn"
	MethodCheckPassword = "CheckPassword"
)

const (
	msgInvalidCode     = "invalid verification code"
	msgInvalidPassword = "invalid two-factor password"
	msgExpired         = "login session expired, start again"
	msgUpstream        = "upstream error"
	msgCancelled       = "request cancelled"
)

// ManagerConfig tunes the login state machine.
type ManagerConfig struct {
	// LoginTTL is how long an unfinished login keeps its handle.
	LoginTTL time.Duration
	// MaxPending caps concurrent unfinished logins; the oldest is evicted.
	MaxPending int
	// SaveTimeout bounds persisting artifacts after a successful login.
	SaveTimeout time.Duration
}

// Manager runs the login state machine and promotes authorized handles into the HandleCache.
type Manager struct {
	cfg       ManagerConfig
	opener    Opener
	cache     *HandleCache
	sessions  repository.SessionRepository
	artifacts Artifacts
	limiter   *limiter.RateLimiter
	guard     limiter.Guard
	dispose   EvictFunc
	log       *zap.Logger

	pending *expirable.LRU[Key, *Handle]
}

// ManagerDeps are the collaborators of a Manager.
type ManagerDeps struct {
	Opener    Opener
	Cache     *HandleCache
	Sessions  repository.SessionRepository
	Artifacts Artifacts
	Limiter   *limiter.RateLimiter
	Guard     limiter.Guard
	Dispose   EvictFunc
}

func NewManager(cfg ManagerConfig, d ManagerDeps, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.LoginTTL <= 0 {
		cfg.LoginTTL = 10 * time.Minute
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1024
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 30 * time.Second
	}
	if d.Guard == nil {
		d.Guard = limiter.Nop{}
	}
	if d.Dispose == nil {
		d.Dispose = func(h *Handle) { _ = h.Client.Close() }
	}
	m := &Manager{
		cfg:       cfg,
		opener:    d.Opener,
		cache:     d.Cache,
		sessions:  d.Sessions,
		artifacts: d.Artifacts,
		limiter:   d.Limiter,
		guard:     d.Guard,
		dispose:   d.Dispose,
		log:       log,
	}
	m.pending = expirable.NewLRU[Key, *Handle](cfg.MaxPending, func(_ Key, h *Handle) {
		if h.claimed.Load() {
			return
		}
		m.dispose(h)
	}, cfg.LoginTTL)
	return m
}

// StartLogin begins a login for (user, session) with phone, replacing any unfinished login
// of the same session.
func (m *Manager) StartLogin(ctx context.Context, userID, sessionID, phone string) (model.LoginResult, error) {
	if userID == "" || sessionID == "" || phone == "" {
		return model.LoginResult{}, errors.New("validation: empty user, session or phone")
	}
	key := Key{UserID: userID, SessionID: sessionID}

	m.pending.Remove(key)
	if _, live := m.cache.Peek(key); live {
		m.cache.Remove(ctx, key)
	}

	h, err := m.opener.Open(ctx, key, phone)
	if err != nil {
		m.log.Warn("open login handle", zap.String("session", key.String()), zap.Error(err))
		if ctx.Err() != nil {
			return model.LoginResult{Status: model.StatusFailed, Message: msgCancelled}, ctx.Err()
		}
		return model.LoginResult{Status: model.StatusFailed, Message: msgUpstream}, nil
	}

	step, err := limiter.Call(ctx, m.limiter, MethodSendCode, func(ctx context.Context) (telegram.Step, error) {
		return h.Client.StartLogin(ctx, phone)
	})
	return m.advance(ctx, h, step, err)
}

// SubmitCode answers a VerificationCodeRequired step.
func (m *Manager) SubmitCode(ctx context.Context, userID, sessionID, code string) (model.LoginResult, error) {
	h, res, ok := m.loginHandle(ctx, Key{UserID: userID, SessionID: sessionID})
	if !ok {
		return res, nil
	}
	if st := h.Status(); st != model.StatusVerificationCodeRequired {
		return model.LoginResult{Status: st, Message: "verification code not expected"}, nil
	}
	if res, blocked, err := m.checkGuard(ctx, h); err != nil || blocked {
		return res, err
	}
	step, err := limiter.Call(ctx, m.limiter, MethodSignIn, func(ctx context.Context) (telegram.Step, error) {
		return h.Client.SubmitCode(ctx, code)
	})
	return m.advance(ctx, h, step, err)
}

// SubmitPassword answers a TwoFactorRequired step.
func (m *Manager) SubmitPassword(ctx context.Context, userID, sessionID, password string) (model.LoginResult, error) {
	h, res, ok := m.loginHandle(ctx, Key{UserID: userID, SessionID: sessionID})
	if !ok {
		return res, nil
	}
	if st := h.Status(); st != model.StatusTwoFactorRequired {
		return model.LoginResult{Status: st, Message: "two-factor password not expected"}, nil
	}
	if res, blocked, err := m.checkGuard(ctx, h); err != nil || blocked {
		return res, err
	}
	step, err := limiter.Call(ctx, m.limiter, MethodCheckPassword, func(ctx context.Context) (telegram.Step, error) {
		return h.Client.SubmitPassword(ctx, password)
	})
	return m.advance(ctx, h, step, err)
}

// ValidateSession reports whether (user, session) has a live authorized handle,
// restoring it when needed. Invalid sessions are deactivated as a side effect.
func (m *Manager) ValidateSession(ctx context.Context, userID, sessionID string) bool {
	_, err := m.cache.Get(ctx, Key{UserID: userID, SessionID: sessionID})
	return err == nil
}

// Delete drops every trace of a session in this process and marks its row inactive.
// Artifacts are removed unless the session reached Success.
func (m *Manager) Delete(ctx context.Context, userID, sessionID string) error {
	key := Key{UserID: userID, SessionID: sessionID}
	hadPending := m.pending.Remove(key)
	m.cache.Remove(ctx, key)

	row, err := m.sessions.GetActive(ctx, userID, sessionID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		if hadPending {
			return nil
		}
		return errs.ErrNotFound
	case err != nil:
		return fmt.Errorf("delete session: %w", err)
	}
	if err := m.sessions.Deactivate(ctx, userID, sessionID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	if row.Status != model.StatusSuccess {
		if err := m.artifacts.DeleteAll(ctx, userID, sessionID); err != nil {
			m.log.Warn("delete artifacts", zap.String("session", key.String()), zap.Error(err))
		}
	}
	m.log.Info("session deleted", zap.String("user", userID), zap.String("session", sessionID))
	return nil
}

// Pending reports the number of unfinished logins.
func (m *Manager) Pending() int { return m.pending.Len() }

// Close disposes unfinished logins.
func (m *Manager) Close() { m.pending.Purge() }

func (m *Manager) loginHandle(ctx context.Context, key Key) (*Handle, model.LoginResult, bool) {
	if h, ok := m.pending.Get(key); ok {
		return h, model.LoginResult{}, true
	}
	if _, err := m.cache.Get(ctx, key); err == nil {
		return nil, model.LoginResult{Status: model.StatusSuccess, Message: "session already authorized"}, false
	} else if !errors.Is(err, errs.ErrNotFound) {
		m.log.Warn("login handle lookup", zap.String("session", key.String()), zap.Error(err))
	}
	return nil, model.LoginResult{Status: model.StatusExpired, Message: msgExpired}, false
}

func (m *Manager) checkGuard(ctx context.Context, h *Handle) (model.LoginResult, bool, error) {
	ok, retry, err := m.guard.Allow(ctx, h.Key.UserID, limiter.HashPhone(h.Phone()))
	if err != nil {
		return model.LoginResult{}, false, fmt.Errorf("login guard: %w", err)
	}
	if ok {
		return model.LoginResult{}, false, nil
	}
	return m.abort(h, tooMany(retry)), true, nil
}

func tooMany(retry time.Duration) string {
	if retry <= 0 {
		return errs.ErrBlocked.Error()
	}
	return fmt.Sprintf("%s, retry in %s", errs.ErrBlocked, retry.Round(time.Second))
}

// advance interprets one upstream login response.
func (m *Manager) advance(ctx context.Context, h *Handle, step telegram.Step, err error) (model.LoginResult, error) {
	if err != nil {
		return m.onError(ctx, h, err)
	}
	switch s := step.(type) {
	case telegram.StepCodeRequired:
		h.setStatus(model.StatusVerificationCodeRequired)
		m.pending.Add(h.Key, h)
		return model.LoginResult{Status: model.StatusVerificationCodeRequired}, nil
	case telegram.StepPasswordRequired:
		h.setStatus(model.StatusTwoFactorRequired)
		m.pending.Add(h.Key, h)
		return model.LoginResult{Status: model.StatusTwoFactorRequired}, nil
	case telegram.StepDone:
		return m.promote(ctx, h, s.UserID), nil
	default:
		m.log.Warn("unexpected login step", zap.String("session", h.Key.String()), zap.Any("step", step))
		return m.abort(h, msgUpstream), nil
	}
}

func (m *Manager) onError(ctx context.Context, h *Handle, err error) (model.LoginResult, error) {
	var msg string
	switch {
	case errors.Is(err, errs.ErrInvalidCode):
		msg = msgInvalidCode
	case errors.Is(err, errs.ErrInvalidPassword):
		msg = msgInvalidPassword
	case ctx.Err() != nil:
		if !m.parked(h) {
			m.dispose(h)
		}
		return model.LoginResult{Status: h.Status(), Message: msgCancelled}, err
	default:
		m.log.Warn("login step failed", zap.String("session", h.Key.String()), zap.Error(err))
		return m.abort(h, msgUpstream), nil
	}

	blocked, retry, gerr := m.guard.Failure(ctx, h.Key.UserID, limiter.HashPhone(h.Phone()))
	if gerr != nil {
		m.log.Warn("login guard failure record", zap.Error(gerr))
	}
	if blocked {
		return m.abort(h, tooMany(retry)), nil
	}
	m.pending.Add(h.Key, h)
	return model.LoginResult{Status: h.Status(), Message: msg}, nil
}

func (m *Manager) parked(h *Handle) bool {
	cur, ok := m.pending.Peek(h.Key)
	return ok && cur == h
}

// abort fails the login and disposes its handle, which deletes its artifacts.
func (m *Manager) abort(h *Handle, msg string) model.LoginResult {
	h.setStatus(model.StatusFailed)
	if m.parked(h) {
		m.pending.Remove(h.Key)
	}
	m.dispose(h)
	return model.LoginResult{Status: model.StatusFailed, Message: msg}
}

// promote persists an authorized session and moves its handle into the HandleCache.
func (m *Manager) promote(ctx context.Context, h *Handle, tgUserID int64) model.LoginResult {
	if tgUserID == 0 {
		tgUserID = h.Client.UserID()
	}
	h.claimed.Store(true)
	if m.parked(h) {
		m.pending.Remove(h.Key)
	}

	id, err := uuid.NewV4()
	if err != nil {
		h.claimed.Store(false)
		return m.abort(h, msgUpstream)
	}
	h.mu.Lock()
	h.sess.ID = id
	h.sess.Status = model.StatusSuccess
	h.sess.TelegramUserID = tgUserID
	h.sess.Active = true
	rec := h.sess
	h.mu.Unlock()

	// the credential must be durable before the row makes the session visible to other processes
	if err := m.artifacts.SaveAll(ctx, h.Key.UserID, h.Key.SessionID, m.cfg.SaveTimeout); err != nil {
		m.log.Warn("save artifacts after login", zap.String("session", h.Key.String()), zap.Error(err))
	}
	if err := m.sessions.SaveActive(ctx, &rec); err != nil {
		m.log.Error("persist session", zap.String("session", h.Key.String()), zap.Error(err))
		h.claimed.Store(false)
		return m.abort(h, "could not persist session")
	}
	h.mu.Lock()
	h.sess.CreatedAt, h.sess.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	h.mu.Unlock()

	if err := m.guard.Success(ctx, h.Key.UserID, limiter.HashPhone(h.Phone())); err != nil {
		m.log.Warn("login guard reset", zap.Error(err))
	}
	m.cache.Set(ctx, h.Key, h)
	m.log.Info("login succeeded", zap.String("user", h.Key.UserID), zap.String("session", h.Key.SessionID))
	return model.LoginResult{Status: model.StatusSuccess}
}
