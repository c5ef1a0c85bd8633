// Package monitor attaches to the update stream of every live session and forwards
// messages of subscribed counterparties to the collector.
package monitor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/session"
	"github.com/and161185/tgcollector/internal/telegram"
)

// Handles lists live session handles.
type Handles interface {
	Snapshot() []*session.Handle
}

// Subscriptions answers whether a counterparty of a session is collected.
type Subscriptions interface {
	IsSubscribedAny(ctx context.Context, sessionID string, counterpartyID int64) (bool, error)
}

// Sink receives qualifying messages.
type Sink interface {
	Enqueue(ctx context.Context, m model.QueuedMessage) (bool, error)
}

// Config tunes the attach loop.
type Config struct {
	Interval time.Duration
	// RetryAfter is the number of cycles before a failed attach is tried again.
	RetryAfter int
}

type attachment struct {
	ok       bool
	failedAt int
}

// Monitor is the background attach loop plus the update handler.
type Monitor struct {
	cfg     Config
	handles Handles
	subs    Subscriptions
	sink    Sink
	log     *zap.Logger

	mu       sync.RWMutex
	cycle    int
	attached map[*session.Handle]attachment
	byLabel  map[string]*session.Handle
}

func New(cfg Config, handles Handles, subs Subscriptions, sink Sink, log *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg,
		handles:  handles,
		subs:     subs,
		sink:     sink,
		log:      log,
		attached: make(map[*session.Handle]attachment),
		byLabel:  make(map[string]*session.Handle),
	}
}

// Run attaches immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Cycle(ctx)
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle attaches to every live authorized handle not attached yet.
func (m *Monitor) Cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("monitor cycle panic", zap.Any("panic", r))
		}
	}()

	snap := m.handles.Snapshot()
	live := make(map[*session.Handle]bool, len(snap))
	labels := make(map[string]*session.Handle, len(snap))
	for _, h := range snap {
		live[h] = true
		labels[h.Key.String()] = h
	}

	m.mu.Lock()
	m.cycle++
	cycle := m.cycle
	m.byLabel = labels
	for h := range m.attached {
		if !live[h] {
			delete(m.attached, h)
		}
	}
	var todo []*session.Handle
	for _, h := range snap {
		if h.Status() != model.StatusSuccess || h.Disposed() {
			continue
		}
		a, seen := m.attached[h]
		if a.ok || (seen && cycle-a.failedAt < m.cfg.RetryAfter) {
			continue
		}
		todo = append(todo, h)
	}
	m.mu.Unlock()

	for _, h := range todo {
		err := h.Client.Subscribe(ctx, m.HandleUpdate)
		m.mu.Lock()
		if err != nil {
			m.attached[h] = attachment{failedAt: cycle}
		} else {
			m.attached[h] = attachment{ok: true}
		}
		m.mu.Unlock()
		if err != nil {
			m.log.Warn("attach update stream", zap.String("session", h.Key.String()), zap.Error(err))
			continue
		}
		m.log.Info("attached update stream", zap.String("session", h.Key.String()))
	}
}

// Attached reports the number of handles with an active update listener.
func (m *Monitor) Attached() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attached {
		if a.ok {
			n++
		}
	}
	return n
}

// resolve finds the handle an update belongs to: by exact label, else by the session id
// encoded in a handle's credential file name.
func (m *Monitor) resolve(label string) *session.Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.byLabel[label]; ok {
		return h
	}
	for _, h := range m.byLabel {
		p := h.CredentialPath()
		if p == "" {
			continue
		}
		base := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		if base == label || strings.HasSuffix(label, "_"+base) {
			return h
		}
	}
	return nil
}

// HandleUpdate filters one update and forwards it. It never blocks the stream on a local miss.
func (m *Monitor) HandleUpdate(ctx context.Context, u telegram.Update) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("update handler panic", zap.Any("panic", r))
		}
	}()

	h := m.resolve(u.Session)
	if h == nil || h.Disposed() {
		m.log.Debug("update for unknown session dropped", zap.String("session", u.Session))
		return
	}
	ok, err := m.subs.IsSubscribedAny(ctx, h.Key.SessionID, u.CounterpartyID)
	if err != nil {
		m.log.Warn("subscription lookup", zap.String("session", h.Key.String()), zap.Error(err))
		return
	}
	if !ok {
		m.log.Debug("counterparty not subscribed",
			zap.String("session", h.Key.String()), zap.Int64("counterparty", u.CounterpartyID))
		return
	}

	tgUser := h.Client.UserID()
	if tgUser == 0 {
		tgUser = h.Session().TelegramUserID
	}
	msg := model.QueuedMessage{
		UserID:         h.Key.UserID,
		SessionID:      h.Key.SessionID,
		TelegramUserID: tgUser,
		CounterpartyID: u.CounterpartyID,
		SenderID:       u.SenderID,
		SentAt:         u.Date.UTC(),
		Text:           u.Text,
	}
	if _, err := m.sink.Enqueue(ctx, msg); err != nil {
		m.log.Warn("enqueue message", zap.String("session", h.Key.String()), zap.Error(err))
	}
}
