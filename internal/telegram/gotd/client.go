// Package gotd adapts the gotd MTProto client to telegram.Client.
package gotd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	tdclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/errs"
	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/telegram"
)

const (
	dialogsLimit = 100
	closeTimeout = 5 * time.Second
)

// Factory opens gotd clients for one registered application.
type Factory struct {
	appID   int
	appHash string
	log     *zap.Logger
}

// NewFactory constructs a Factory. A nil logger is replaced with a no-op logger.
func NewFactory(appID int, appHash string, log *zap.Logger) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Factory{appID: appID, appHash: appHash, log: log}
}

var _ telegram.Factory = (*Factory)(nil)

// Client is a connected gotd client. The connection stays up until Close.
type Client struct {
	td   *tdclient.Client
	log  *zap.Logger
	opts telegram.Options

	cancel context.CancelFunc
	done   chan error
	closed atomic.Bool

	userID atomic.Int64

	mu       sync.Mutex
	codeHash string
	handler  telegram.UpdateHandler

	cursor *cursor
}

// New connects a client using the session file at opts.CredentialPath.
func (f *Factory) New(ctx context.Context, opts telegram.Options) (telegram.Client, error) {
	c := &Client{
		log:    f.log.With(zap.String("session", opts.SessionLabel)),
		opts:   opts,
		done:   make(chan error, 1),
		cursor: loadCursor(opts.CursorPath),
	}

	d := tg.NewUpdateDispatcher()
	d.OnNewMessage(func(ctx context.Context, _ tg.Entities, u *tg.UpdateNewMessage) error {
		c.deliver(ctx, telegram.UpdateNewMessage, u.Message)
		return nil
	})
	d.OnEditMessage(func(ctx context.Context, _ tg.Entities, u *tg.UpdateEditMessage) error {
		c.deliver(ctx, telegram.UpdateEditMessage, u.Message)
		return nil
	})

	c.td = tdclient.NewClient(f.appID, f.appHash, tdclient.Options{
		Logger:         f.log.Named("gotd"),
		SessionStorage: &session.FileStorage{Path: opts.CredentialPath},
		UpdateHandler:  d,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ready := make(chan struct{})
	go func() {
		c.done <- c.td.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return nil
		})
	}()

	select {
	case <-ready:
		return c, nil
	case err := <-c.done:
		cancel()
		return nil, fmt.Errorf("%w: connect: %w", errs.ErrUpstream, err)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func (c *Client) StartLogin(ctx context.Context, phone string) (telegram.Step, error) {
	st, err := c.td.Auth().Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: auth status: %w", errs.ErrUpstream, err)
	}
	if st.Authorized && st.User != nil {
		c.userID.Store(st.User.ID)
		return telegram.StepDone{UserID: st.User.ID}, nil
	}

	sent, err := c.td.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: send code: %w", errs.ErrUpstream, err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected sent code %T", errs.ErrUpstream, sent)
	}
	c.mu.Lock()
	c.codeHash = code.PhoneCodeHash
	c.mu.Unlock()
	return telegram.StepCodeRequired{}, nil
}

func (c *Client) SubmitCode(ctx context.Context, code string) (telegram.Step, error) {
	c.mu.Lock()
	hash := c.codeHash
	c.mu.Unlock()
	if hash == "" {
		return nil, fmt.Errorf("%w: no pending verification code", errs.ErrUpstream)
	}

	a, err := c.td.Auth().SignIn(ctx, c.opts.Phone, code, hash)
	switch {
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return telegram.StepPasswordRequired{}, nil
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY", "PHONE_CODE_EXPIRED"):
		return nil, fmt.Errorf("%w: %w", errs.ErrInvalidCode, err)
	case err != nil:
		return nil, fmt.Errorf("%w: sign in: %w", errs.ErrUpstream, err)
	}
	return c.authorized(a), nil
}

func (c *Client) SubmitPassword(ctx context.Context, password string) (telegram.Step, error) {
	a, err := c.td.Auth().Password(ctx, password)
	switch {
	case errors.Is(err, auth.ErrPasswordInvalid), tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return nil, fmt.Errorf("%w: %w", errs.ErrInvalidPassword, err)
	case err != nil:
		return nil, fmt.Errorf("%w: password: %w", errs.ErrUpstream, err)
	}
	return c.authorized(a), nil
}

func (c *Client) authorized(a *tg.AuthAuthorization) telegram.Step {
	var id int64
	if a != nil && a.User != nil {
		id = a.User.GetID()
	}
	c.userID.Store(id)
	return telegram.StepDone{UserID: id}
}

func (c *Client) Validate(ctx context.Context) (bool, error) {
	self, err := c.td.Self(ctx)
	if err != nil {
		if auth.IsUnauthorized(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: self: %w", errs.ErrUpstream, err)
	}
	c.userID.Store(self.ID)
	return true, nil
}

func (c *Client) Dialogs(ctx context.Context) ([]model.Contact, error) {
	res, err := c.td.API().MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      dialogsLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get dialogs: %w", errs.ErrUpstream, err)
	}
	var users []tg.UserClass
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		users = d.Users
	case *tg.MessagesDialogsSlice:
		users = d.Users
	default:
		return nil, nil
	}
	return contacts(users, c.userID.Load()), nil
}

func (c *Client) Subscribe(_ context.Context, h telegram.UpdateHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return nil
}

func (c *Client) UserID() int64 { return c.userID.Load() }

// Close stops the connection and writes the update cursor. Safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	var runErr error
	select {
	case runErr = <-c.done:
	case <-time.After(closeTimeout):
		runErr = errors.New("gotd: close timed out")
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, c.cursor.save())
}

func (c *Client) deliver(ctx context.Context, kind telegram.UpdateKind, msg tg.MessageClass) {
	u, ok := toUpdate(kind, msg, c.userID.Load(), c.opts.SessionLabel)
	if !ok {
		return
	}
	c.cursor.observe(u.Date)

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ctx, u)
	}
}
