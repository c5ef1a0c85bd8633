// Package session owns the login state machine and the cache of live session handles.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/telegram"
)

// Key identifies a session of a user.
type Key struct {
	UserID    string
	SessionID string
}

// String is the composite label "{user}_{session}", the same form as the queue key.
func (k Key) String() string { return model.QueueKey(k.UserID, k.SessionID) }

// Handle is a live upstream connection bound to one session.
type Handle struct {
	Key    Key
	Client telegram.Client

	mu   sync.RWMutex
	sess model.Session

	claimed  atomic.Bool // promoted out of the pending login set
	disposed atomic.Bool
}

// NewHandle wraps a connected client. s supplies the phone, status and artifact paths.
func NewHandle(key Key, client telegram.Client, s model.Session) *Handle {
	s.UserID, s.SessionID = key.UserID, key.SessionID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return &Handle{Key: key, Client: client, sess: s}
}

func (h *Handle) Phone() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sess.Phone
}

func (h *Handle) Status() model.SessionStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sess.Status
}

func (h *Handle) setStatus(st model.SessionStatus) {
	h.mu.Lock()
	h.sess.Status = st
	h.mu.Unlock()
}

func (h *Handle) CredentialPath() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sess.CredentialPath
}

// Session returns a copy of the session record backing the handle.
func (h *Handle) Session() model.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sess
}

// Meta is the distributable description of the handle.
func (h *Handle) Meta() model.HandleMeta {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return model.HandleMeta{
		UserID:         h.sess.UserID,
		SessionID:      h.sess.SessionID,
		Phone:          h.sess.Phone,
		Status:         h.sess.Status,
		CredentialPath: h.sess.CredentialPath,
		CursorPath:     h.sess.CursorPath,
		CreatedAt:      h.sess.CreatedAt,
	}
}

// Disposed reports whether the handle was closed.
func (h *Handle) Disposed() bool { return h.disposed.Load() }
