// Package tasks runs best-effort background work on a bounded goroutine pool.
package tasks

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const (
	defaultPoolSize    = 16
	defaultTaskTimeout = time.Minute
	defaultReleaseWait = 5 * time.Second
)

// ErrClosed indicates the runner no longer accepts tasks.
var ErrClosed = errors.New("tasks: runner closed")

// Task is a unit of best-effort work. Its error is logged and otherwise ignored.
type Task func(ctx context.Context) error

// RunnerConfig describes the pool.
type RunnerConfig struct {
	Size        int
	TaskTimeout time.Duration
	Logger      *zap.Logger
	// OnDrop is called with the task name when a task is rejected or fails.
	OnDrop func(name string)
}

// Runner submits tasks without blocking the caller. Tasks that do not fit are dropped.
type Runner struct {
	pool    *ants.Pool
	timeout time.Duration
	logger  *zap.Logger
	onDrop  func(name string)
}

// NewRunner creates a non-blocking pool.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	size := cfg.Size
	if size <= 0 {
		size = defaultPoolSize
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(recovered interface{}) {
			logger.Error("background task panic",
				zap.Any("panic", recovered),
				zap.String("stack", string(debug.Stack())))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Runner{pool: pool, timeout: timeout, logger: logger, onDrop: cfg.OnDrop}, nil
}

// Go schedules task and reports whether it was accepted. The task runs on a context detached
// from the caller and bounded by the runner's task timeout.
func (r *Runner) Go(name string, task Task) bool {
	if r == nil || task == nil {
		return false
	}
	err := r.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := task(ctx); err != nil {
			r.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
			r.dropped(name)
		}
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			err = ErrClosed
		}
		r.logger.Debug("background task dropped", zap.String("task", name), zap.Error(err))
		r.dropped(name)
		return false
	}
	return true
}

// Running returns the number of tasks currently executing.
func (r *Runner) Running() int {
	if r == nil {
		return 0
	}
	return r.pool.Running()
}

// Close waits briefly for running tasks and releases the pool.
func (r *Runner) Close() error {
	if r == nil {
		return nil
	}
	return r.pool.ReleaseTimeout(defaultReleaseWait)
}

func (r *Runner) dropped(name string) {
	if r.onDrop != nil {
		r.onDrop(name)
	}
}
