// Package admission gates per-key update frequency.
//
// The hosting model offers no deferred-callback primitive, so a textbook
// trailing-edge debounce is not implementable in-process. This controller
// approximates it with rate/window admission control: a minimum interval
// between executions per key plus a cap on executions per rolling window,
// with an explicit force bypass for terminal transitions (closing a
// schedule). True debounce requires a delayed-delivery queue, which the
// transport provides; the two mechanisms are complementary, not equivalent.
package admission

import (
	"context"
	"time"

	logx "github.com/retoruto-carry/choseichan-sub004/pkg/logx"
)

// Config carries the gate policy.
type Config struct {
	// MinInterval is the minimum gap between executions per key. Default 1s.
	MinInterval time.Duration
	// MaxUpdatesPerWindow caps executions per rolling window. Default 3.
	MaxUpdatesPerWindow int
	// Window is the rolling window width. Default 10s.
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.MaxUpdatesPerWindow <= 0 {
		c.MaxUpdatesPerWindow = 3
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	return c
}

// Controller decides whether an update for a key may execute now. State
// lives in a KeyedStore so multi-instance hosts can share it.
//
// Store failures fail open: a broken store must not freeze user-visible
// updates, so errors admit and log.
type Controller struct {
	cfg   Config
	store KeyedStore
	log   logx.Logger
	now   func() time.Time
}

type ControllerOption func(*Controller)

// WithNow injects a time source for tests.
func WithNow(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func NewController(cfg Config, store KeyedStore, log logx.Logger, opts ...ControllerOption) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log,
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) windowIndex(at time.Time) int64 {
	return at.UnixMilli() / c.cfg.Window.Milliseconds()
}

// ShouldUpdate reports whether an update for key may execute now. It does
// not record anything; callers that proceed must call RecordUpdate.
func (c *Controller) ShouldUpdate(ctx context.Context, key string) bool {
	now := c.now()

	last, ok, err := c.store.LastRun(ctx, key)
	if err != nil {
		c.log.Warn("admission store read failed; admitting", logx.String("key", key), logx.Err(err))
		return true
	}
	// No recorded execution means either a fresh key or an explicit force;
	// both admit unconditionally.
	if !ok {
		return true
	}
	if now.Sub(last) < c.cfg.MinInterval {
		return false
	}

	count, err := c.store.WindowCount(ctx, key, c.windowIndex(now))
	if err != nil {
		c.log.Warn("admission store read failed; admitting", logx.String("key", key), logx.Err(err))
		return true
	}
	return count < c.cfg.MaxUpdatesPerWindow
}

// RecordUpdate marks an execution for key at the current time. Counters for
// windows older than two widths are expired by the store.
func (c *Controller) RecordUpdate(ctx context.Context, key string) {
	now := c.now()
	if err := c.store.SetLastRun(ctx, key, now); err != nil {
		c.log.Warn("admission store write failed", logx.String("key", key), logx.Err(err))
	}
	if _, err := c.store.IncrWindow(ctx, key, c.windowIndex(now), 2*c.cfg.Window); err != nil {
		c.log.Warn("admission store write failed", logx.String("key", key), logx.Err(err))
	}
}

// ForceUpdate clears the key's last-execution time so the next ShouldUpdate
// call admits unconditionally. Used for terminal state changes (closing a
// schedule) that must render no matter how hot the key is.
func (c *Controller) ForceUpdate(ctx context.Context, key string) {
	if err := c.store.ClearLastRun(ctx, key); err != nil {
		c.log.Warn("admission store write failed", logx.String("key", key), logx.Err(err))
	}
}
