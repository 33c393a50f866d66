package utils

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/melights/stereo-slam/logging"
)

// Workers runs the long lived loops of the mapper until Stop is called. A loop that panics is
// logged and started again with the same context; a loop that returns is finished.
type Workers struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  func()
	running sync.WaitGroup
	panics  atomic.Int64
	logger  logging.Logger
}

// NewWorkers returns an empty set of workers.
func NewWorkers(logger logging.Logger) *Workers {
	ctx, cancel := context.WithCancel(context.Background())
	return &Workers{ctx: ctx, cancel: cancel, logger: logger}
}

// Go starts loop in its own goroutine. It returns false without starting anything once the
// workers are stopped.
func (w *Workers) Go(name string, loop func(context.Context)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return false
	}

	w.running.Add(1)
	goutils.PanicCapturingGo(func() {
		defer w.running.Done()
		for w.runOnce(name, loop) && w.ctx.Err() == nil {
			w.logger.Warnw("restarting worker", "worker", name)
		}
	})
	return true
}

// runOnce reports whether loop panicked.
func (w *Workers) runOnce(name string, loop func(context.Context)) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			w.panics.Inc()
			w.logger.Errorw("worker panicked", "worker", name, "panic", r)
			panicked = true
		}
	}()
	loop(w.ctx)
	return false
}

// Panics returns how many times a loop has panicked.
func (w *Workers) Panics() int64 {
	return w.panics.Load()
}

// Context is cancelled when the workers are stopped.
func (w *Workers) Context() context.Context {
	return w.ctx
}

// Stop cancels the shared context and waits for every loop to return. Loops only notice the
// cancellation at their next check.
func (w *Workers) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancel()
	w.running.Wait()
}
