// Package telegram defines the capability surface of the upstream protocol client.
package telegram

import (
	"context"
	"time"

	"github.com/and161185/tgcollector/internal/model"
)

// Step is the outcome of a login call. It is one of StepDone, StepCodeRequired or StepPasswordRequired.
type Step interface{ isStep() }

// StepDone means the account is authorized.
type StepDone struct{ UserID int64 }

// StepCodeRequired means a verification code was sent and must be submitted.
type StepCodeRequired struct{}

// StepPasswordRequired means the account has a two-factor password.
type StepPasswordRequired struct{}

func (StepDone) isStep()             {}
func (StepCodeRequired) isStep()     {}
func (StepPasswordRequired) isStep() {}

// UpdateKind tells new messages from edits.
type UpdateKind int

const (
	UpdateNewMessage UpdateKind = iota + 1
	UpdateEditMessage
)

// Update is a private-chat message event delivered by the update stream.
type Update struct {
	Kind UpdateKind
	// Session identifies the handle the update arrived on, as set in Options.SessionLabel.
	Session        string
	CounterpartyID int64
	SenderID       int64
	Outgoing       bool
	Date           time.Time
	Text           string
}

// UpdateHandler receives updates. It must not block for long.
type UpdateHandler func(ctx context.Context, u Update)

// Client is one connection to the upstream bound to a session file.
// Login errors matching errs.ErrInvalidCode or errs.ErrInvalidPassword are user-correctable.
type Client interface {
	StartLogin(ctx context.Context, phone string) (Step, error)
	SubmitCode(ctx context.Context, code string) (Step, error)
	SubmitPassword(ctx context.Context, password string) (Step, error)
	// Validate reads the current account; false means the session is not authorized.
	Validate(ctx context.Context) (bool, error)
	Dialogs(ctx context.Context) ([]model.Contact, error)
	// Subscribe starts delivering updates to h until the client is closed.
	Subscribe(ctx context.Context, h UpdateHandler) error
	// UserID is the upstream account id, zero until authorized.
	UserID() int64
	Close() error
}

// Options configures a new Client.
type Options struct {
	Phone          string
	SessionLabel   string
	CredentialPath string
	CursorPath     string
}

// Factory opens clients.
type Factory interface {
	New(ctx context.Context, opts Options) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, opts Options) (Client, error)

func (f FactoryFunc) New(ctx context.Context, opts Options) (Client, error) { return f(ctx, opts) }
