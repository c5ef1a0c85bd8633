// Package service contains application services over sessions, contacts and messages.
package service

import (
	"context"
	"errors"

	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/repository"
)

// SessionService defines login and session management operations.
type SessionService interface {
	// StartLogin begins a multi-step login; the result names the next step.
	StartLogin(ctx context.Context, userID, sessionID, phone string) (model.LoginResult, error)
	// SubmitCode answers a verification code step.
	SubmitCode(ctx context.Context, userID, sessionID, code string) (model.LoginResult, error)
	// SubmitPassword answers a two-factor step.
	SubmitPassword(ctx context.Context, userID, sessionID, password string) (model.LoginResult, error)
	// List returns the authorized sessions of a user.
	List(ctx context.Context, userID string) ([]model.Session, error)
	// Delete removes a session.
	Delete(ctx context.Context, userID, sessionID string) error
}

// Logins is the login state machine.
type Logins interface {
	StartLogin(ctx context.Context, userID, sessionID, phone string) (model.LoginResult, error)
	SubmitCode(ctx context.Context, userID, sessionID, code string) (model.LoginResult, error)
	SubmitPassword(ctx context.Context, userID, sessionID, password string) (model.LoginResult, error)
	Delete(ctx context.Context, userID, sessionID string) error
}

type SessionServiceImpl struct {
	logins Logins
	repo   repository.SessionRepository
}

// NewSessionService constructs SessionService.
func NewSessionService(logins Logins, repo repository.SessionRepository) *SessionServiceImpl {
	return &SessionServiceImpl{logins: logins, repo: repo}
}

func (s *SessionServiceImpl) StartLogin(ctx context.Context, userID, sessionID, phone string) (model.LoginResult, error) {
	if userID == "" || sessionID == "" {
		return model.LoginResult{}, errors.New("validation: empty userID/sessionID")
	}
	if phone == "" {
		return model.LoginResult{}, errors.New("validation: empty phone")
	}
	return s.logins.StartLogin(ctx, userID, sessionID, phone)
}

func (s *SessionServiceImpl) SubmitCode(ctx context.Context, userID, sessionID, code string) (model.LoginResult, error) {
	if userID == "" || sessionID == "" || code == "" {
		return model.LoginResult{}, errors.New("validation: empty userID/sessionID/code")
	}
	return s.logins.SubmitCode(ctx, userID, sessionID, code)
}

func (s *SessionServiceImpl) SubmitPassword(ctx context.Context, userID, sessionID, password string) (model.LoginResult, error) {
	if userID == "" || sessionID == "" || password == "" {
		return model.LoginResult{}, errors.New("validation: empty userID/sessionID/password")
	}
	return s.logins.SubmitPassword(ctx, userID, sessionID, password)
}

// List returns active sessions that completed login.
func (s *SessionServiceImpl) List(ctx context.Context, userID string) ([]model.Session, error) {
	if userID == "" {
		return nil, errors.New("validation: empty userID")
	}
	rows, err := s.repo.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Session, 0, len(rows))
	for _, r := range rows {
		if r.Status == model.StatusSuccess {
			out = append(out, r)
		}
	}
	return out, nil
}

// Delete closes the live handle, deactivates the row and drops artifacts of unfinished logins.
func (s *SessionServiceImpl) Delete(ctx context.Context, userID, sessionID string) error {
	if userID == "" || sessionID == "" {
		return errors.New("validation: empty userID/sessionID")
	}
	return s.logins.Delete(ctx, userID, sessionID)
}
