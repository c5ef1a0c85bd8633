package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/errs"
)

// Mode selects how a method is throttled.
type Mode string

const (
	// ModeWindow allows at most MaxRequests calls to begin within any Window.
	ModeWindow Mode = "window"
	// ModeCooldown enforces at least Cooldown between consecutive call starts.
	ModeCooldown Mode = "cooldown"
)

// Policy holds the thresholds for one method. Zero fields fall back to the default policy.
type Policy struct {
	Mode        Mode
	MaxRequests int
	Window      time.Duration
	Cooldown    time.Duration
}

// Config is the global default policy plus per-method overrides.
type Config struct {
	Default Policy
	Methods map[string]Policy
}

// RateLimiter throttles upstream calls per logical method name.
type RateLimiter struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// window is the per-method state. history holds completion times of finished calls.
type window struct {
	mu       sync.Mutex
	history  []time.Time
	inflight int
	wake     chan struct{} // closed on every completion

	sem  chan struct{}
	last time.Time
}

// NewRateLimiter constructs a limiter. A nil logger is replaced with a no-op logger.
func NewRateLimiter(cfg Config, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Default.Mode == "" {
		cfg.Default.Mode = ModeWindow
	}
	return &RateLimiter{cfg: cfg, log: log, now: time.Now, windows: make(map[string]*window)}
}

func (l *RateLimiter) policy(method string) Policy {
	p := l.cfg.Default
	o, ok := l.cfg.Methods[method]
	if !ok {
		return p
	}
	if o.Mode != "" {
		p.Mode = o.Mode
	}
	if o.MaxRequests > 0 {
		p.MaxRequests = o.MaxRequests
	}
	if o.Window > 0 {
		p.Window = o.Window
	}
	if o.Cooldown > 0 {
		p.Cooldown = o.Cooldown
	}
	return p
}

func (l *RateLimiter) stateFor(method string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[method]
	if !ok {
		w = &window{wake: make(chan struct{}), sem: make(chan struct{}, 1)}
		l.windows[method] = w
	}
	return w
}

// Do waits until method may be called, then runs fn.
// A cancelled wait returns an error wrapping errs.ErrRateLimited and the context error, and fn is not run.
// Errors from fn are returned unchanged.
func (l *RateLimiter) Do(ctx context.Context, method string, fn func(context.Context) error) error {
	p := l.policy(method)
	w := l.stateFor(method)

	if p.Mode == ModeCooldown {
		if err := l.waitCooldown(ctx, method, w, p); err != nil {
			return fmt.Errorf("%w: %s: %w", errs.ErrRateLimited, method, err)
		}
		return fn(ctx)
	}

	if p.MaxRequests <= 0 || p.Window <= 0 {
		return fn(ctx)
	}
	if err := l.acquire(ctx, method, w, p); err != nil {
		return fmt.Errorf("%w: %s: %w", errs.ErrRateLimited, method, err)
	}
	defer l.release(w)
	return fn(ctx)
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, l *RateLimiter, method string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, method, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (l *RateLimiter) acquire(ctx context.Context, method string, w *window, p Policy) error {
	for {
		w.mu.Lock()
		now := l.now()
		w.prune(now, p.Window)
		if len(w.history)+w.inflight < p.MaxRequests {
			w.inflight++
			w.mu.Unlock()
			return nil
		}
		delay := p.Window
		if len(w.history) > 0 {
			delay = p.Window - now.Sub(w.history[0])
		}
		wake := w.wake
		w.mu.Unlock()

		l.log.Debug("rate limit wait", zap.String("method", method), zap.Duration("delay", delay))
		if err := sleep(ctx, delay, wake); err != nil {
			return err
		}
	}
}

// release records the completion time so slow calls do not inflate the effective rate.
func (l *RateLimiter) release(w *window) {
	w.mu.Lock()
	w.inflight--
	w.history = append(w.history, l.now())
	close(w.wake)
	w.wake = make(chan struct{})
	w.mu.Unlock()
}

func (w *window) prune(now time.Time, d time.Duration) {
	i := 0
	for i < len(w.history) && now.Sub(w.history[i]) >= d {
		i++
	}
	if i > 0 {
		w.history = append(w.history[:0], w.history[i:]...)
	}
}

func (l *RateLimiter) waitCooldown(ctx context.Context, method string, w *window, p Policy) error {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.sem }()

	if d := p.Cooldown - l.now().Sub(w.last); d > 0 {
		l.log.Debug("cooldown wait", zap.String("method", method), zap.Duration("delay", d))
		if err := sleep(ctx, d, nil); err != nil {
			return err
		}
	}
	w.last = l.now()
	return nil
}

// sleep waits for d, an optional wake signal, or cancellation.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	case <-wake:
		return nil
	}
}
