package waiter

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

type WaitFunc func(ctx context.Context) error

// Waiter runs a group of long-lived functions until one fails, the parent
// context is cancelled or a termination signal arrives.
type Waiter interface {
	Add(fns ...WaitFunc)
	Wait() error
	Context() context.Context
	CancelFunc() context.CancelFunc
}

type waiterCfg struct {
	signals []os.Signal
}

type waiter struct {
	ctx    context.Context
	cancel context.CancelFunc
	fns    []WaitFunc
}

func NewWaiter(ctx context.Context, cancel context.CancelFunc, options ...Option) Waiter {
	cfg := &waiterCfg{
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
	for _, option := range options {
		option(cfg)
	}

	sigCtx, stop := signal.NotifyContext(ctx, cfg.signals...)
	return &waiter{
		ctx: sigCtx,
		cancel: func() {
			stop()
			cancel()
		},
	}
}

func (w *waiter) Add(fns ...WaitFunc) {
	w.fns = append(w.fns, fns...)
}

func (w *waiter) Wait() error {
	defer w.cancel()

	group, ctx := errgroup.WithContext(w.ctx)
	for _, fn := range w.fns {
		fn := fn
		group.Go(func() error {
			return fn(ctx)
		})
	}

	return group.Wait()
}

func (w *waiter) Context() context.Context {
	return w.ctx
}

func (w *waiter) CancelFunc() context.CancelFunc {
	return w.cancel
}
