// Package trigger starts learning cycles from a timer or a queue.
package trigger

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/learning"
)

// ErrBusy is returned when a cycle is requested while another is running.
var ErrBusy = errors.New("learning cycle already running")

// Runner runs one learning cycle.
type Runner interface {
	RunCycle(ctx context.Context, req learning.Request) (*learning.Summary, error)
}

// Guard lets at most one cycle run at a time across every trigger sharing it.
type Guard struct {
	runner  Runner
	running atomic.Bool
	logger  *zap.Logger
}

// NewGuard wraps runner.
func NewGuard(runner Runner, logger *zap.Logger) *Guard {
	return &Guard{runner: runner, logger: logger}
}

// Running reports whether a cycle is in progress.
func (g *Guard) Running() bool { return g.running.Load() }

// Fire runs a cycle unless one is already in progress, in which case it
// returns ErrBusy without waiting.
func (g *Guard) Fire(ctx context.Context, req learning.Request) (*learning.Summary, error) {
	if !g.running.CompareAndSwap(false, true) {
		g.logger.Info("learning cycle skipped, previous still running", zap.String("trigger", req.Trigger))
		return nil, ErrBusy
	}
	defer g.running.Store(false)
	return g.runner.RunCycle(ctx, req)
}
