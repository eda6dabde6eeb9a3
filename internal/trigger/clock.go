package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/learning"
)

// Listener receives clock ticks.
type Listener interface {
	OnTick(ctx context.Context, at time.Time)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, at time.Time)

func (f ListenerFunc) OnTick(ctx context.Context, at time.Time) { f(ctx, at) }

// Clock ticks its listeners at a fixed interval. Listeners run on the clock
// goroutine, so a slow listener delays the next tick instead of overlapping it.
type Clock struct {
	interval  time.Duration
	listeners []Listener
	ticks     int64
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
}

// NewClock creates a clock with the given tick interval.
func NewClock(interval time.Duration, logger *zap.Logger) *Clock {
	return &Clock{interval: interval, logger: logger}
}

// AddListener registers a tick listener.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Ticks returns how many ticks have fired.
func (c *Clock) Ticks() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ticks
}

// Start begins the tick loop in a background goroutine.
func (c *Clock) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.loop(ctx)
	c.logger.Info("learning clock started", zap.Duration("interval", c.interval))
}

// Stop halts the tick loop and waits for an in-flight tick to return.
func (c *Clock) Stop() {
	c.mu.RLock()
	cancel, done := c.cancel, c.done
	c.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("learning clock stopped")
}

func (c *Clock) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C:
			c.tick(ctx, at)
		}
	}
}

func (c *Clock) tick(ctx context.Context, at time.Time) {
	c.mu.Lock()
	c.ticks++
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnTick(ctx, at)
	}
}

// CycleOnTick returns a listener that fires a learning cycle with req on every tick.
func CycleOnTick(g *Guard, req learning.Request, logger *zap.Logger) Listener {
	req.Trigger = "clock"
	return ListenerFunc(func(ctx context.Context, _ time.Time) {
		sum, err := g.Fire(ctx, req)
		if err != nil {
			if !errors.Is(err, ErrBusy) {
				logger.Error("scheduled learning cycle failed", zap.Error(err))
			}
			return
		}
		logger.Debug("scheduled learning cycle done",
			zap.String("cycle", sum.CycleID),
			zap.Int("agents", sum.AgentsProcessed))
	})
}
