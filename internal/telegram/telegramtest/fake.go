// Package telegramtest provides an in-memory telegram.Client for tests.
package telegramtest

import (
	"context"
	"sync"

	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/telegram"
)

// Client is a scriptable telegram.Client. Zero value answers every login step with StepDone.
type Client struct {
	mu sync.Mutex

	StartStep    telegram.Step
	StartErr     error
	CodeStep     telegram.Step
	CodeErr      error
	PasswordStep telegram.Step
	PasswordErr  error
	Valid        bool
	ValidateErr  error
	Contacts     []model.Contact
	DialogsErr   error
	SubscribeErr error
	ID           int64

	Opts    telegram.Options
	Calls   map[string]int
	Codes   []string
	handler telegram.UpdateHandler
	closed  int
}

var _ telegram.Client = (*Client)(nil)

func (c *Client) record(name string) {
	if c.Calls == nil {
		c.Calls = map[string]int{}
	}
	c.Calls[name]++
}

func done(s telegram.Step, id int64) telegram.Step {
	if s == nil {
		return telegram.StepDone{UserID: id}
	}
	return s
}

func (c *Client) StartLogin(context.Context, string) (telegram.Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("StartLogin")
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	return done(c.StartStep, c.ID), nil
}

func (c *Client) SubmitCode(_ context.Context, code string) (telegram.Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("SubmitCode")
	c.Codes = append(c.Codes, code)
	if c.CodeErr != nil {
		return nil, c.CodeErr
	}
	return done(c.CodeStep, c.ID), nil
}

func (c *Client) SubmitPassword(context.Context, string) (telegram.Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("SubmitPassword")
	if c.PasswordErr != nil {
		return nil, c.PasswordErr
	}
	return done(c.PasswordStep, c.ID), nil
}

func (c *Client) Validate(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Validate")
	return c.Valid, c.ValidateErr
}

func (c *Client) Dialogs(context.Context) ([]model.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Dialogs")
	return append([]model.Contact(nil), c.Contacts...), c.DialogsErr
}

func (c *Client) Subscribe(_ context.Context, h telegram.UpdateHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Subscribe")
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	c.handler = h
	return nil
}

func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ID
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// Emit delivers u to the subscribed handler. It reports false when nothing is subscribed.
func (c *Client) Emit(ctx context.Context, u telegram.Update) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(ctx, u)
	return true
}

// Closed returns how many times Close was called.
func (c *Client) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CallCount returns how many times a method was called.
func (c *Client) CallCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls[name]
}

// Factory hands out clients built by Build and remembers them.
type Factory struct {
	mu      sync.Mutex
	Build   func(opts telegram.Options) *Client
	Err     error
	Clients []*Client
}

var _ telegram.Factory = (*Factory)(nil)

func (f *Factory) New(_ context.Context, opts telegram.Options) (telegram.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var c *Client
	if f.Build != nil {
		c = f.Build(opts)
	} else {
		c = &Client{Valid: true}
	}
	c.Opts = opts
	f.Clients = append(f.Clients, c)
	return c, nil
}

// Last returns the most recently opened client.
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Clients) == 0 {
		return nil
	}
	return f.Clients[len(f.Clients)-1]
}
