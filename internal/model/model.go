// Package model defines domain entities used by services and repositories.
package model

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// SessionStatus is the state of the login state machine for one session.
type SessionStatus string

// Login states. Failed and Expired are terminal.
const (
	StatusPending                  SessionStatus = "pending"
	StatusVerificationCodeRequired SessionStatus = "verification_code_required"
	StatusTwoFactorRequired        SessionStatus = "two_factor_required"
	StatusSuccess                  SessionStatus = "success"
	StatusFailed                   SessionStatus = "failed"
	StatusExpired                  SessionStatus = "expired"
)

// Terminal reports whether no further login step is accepted in this state.
func (s SessionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusExpired
}

// LoginResult is the typed outcome of a login step returned to the API layer.
type LoginResult struct {
	Status  SessionStatus
	Message string // user-facing detail, empty on plain success
}

// Session is one binding between a user and an upstream account.
type Session struct {
	ID             uuid.UUID // PK
	UserID         string    // owning user (authenticated by the API layer)
	SessionID      string    // client-chosen id, unique among active rows per user
	Phone          string
	TelegramUserID int64 // 0 until known
	Status         SessionStatus
	CredentialPath string
	CursorPath     string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Subscription authorizes ingestion of messages between a session and a counterparty.
type Subscription struct {
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	CounterpartyID int64     `json:"counterparty_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// QueuedMessage is a captured message waiting in (or flushed from) a session queue.
type QueuedMessage struct {
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	TelegramUserID int64     `json:"telegram_user_id"` // account owner on the upstream side
	CounterpartyID int64     `json:"counterparty_id"`
	SenderID       int64     `json:"sender_id"`
	SentAt         time.Time `json:"sent_at"`
	Text           string    `json:"text"`
}

// QueueKey returns the per-session queue key "{user}_{session}".
func (m QueuedMessage) QueueKey() string { return QueueKey(m.UserID, m.SessionID) }

// QueueKey formats the durable queue key for a user/session pair.
func QueueKey(userID, sessionID string) string {
	return fmt.Sprintf("%s_%s", userID, sessionID)
}

// Contact is a dialog counterparty as reported by the upstream.
type Contact struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`
	IsBot     bool   `json:"is_bot,omitempty"`
}

// HandleMeta is the distributable description of a live session handle.
type HandleMeta struct {
	UserID         string        `json:"user_id"`
	SessionID      string        `json:"session_id"`
	Phone          string        `json:"phone"`
	Status         SessionStatus `json:"status"`
	CredentialPath string        `json:"credential_path"`
	CursorPath     string        `json:"cursor_path"`
	CreatedAt      time.Time     `json:"created_at"`
}

// QueueItem is a queued message with its position in the durable queue.
type QueueItem struct {
	ID      int64 // monotonically increasing within a queue
	Message QueuedMessage
}
