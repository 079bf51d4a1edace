package core

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/miladsoleymani/relay/internal/log"
)

// Task is a unit of work executed on the Loop goroutine. ctx is the loop
// context; OnLoop(ctx) reports true inside a task.
type Task func(ctx context.Context) error

type loopTask struct {
	fn   Task
	done chan error
}

type loopKey struct{}

// OnLoop reports whether ctx belongs to a task running on a Loop.
func OnLoop(ctx context.Context) bool {
	_, ok := ctx.Value(loopKey{}).(*Loop)
	return ok
}

// Loop is a single-goroutine cooperative task scheduler. Application state
// owned by the loop is only touched from tasks, which run one at a time in
// submission order. Submit is the only entry point safe to call from other
// goroutines.
//
//	loop := core.NewLoop()
//	go loop.Run(ctx)
//	done, err := loop.Submit(ctx, func(ctx context.Context) error { ... })
type Loop struct {
	queue   chan loopTask
	stop    chan struct{}
	started atomic.Bool

	mu      sync.RWMutex
	stopped bool

	log zerolog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithQueueSize sets the task queue capacity. Submit blocks while the queue is full.
func WithQueueSize(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.queue = make(chan loopTask, n)
		}
	}
}

// WithLoopLogger sets the logger used for recovered panics.
func WithLoopLogger(logger zerolog.Logger) LoopOption {
	return func(l *Loop) { l.log = logger }
}

// NewLoop creates a Loop. Call Run to start executing tasks.
func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{
		queue: make(chan loopTask, 256),
		stop:  make(chan struct{}),
		log:   log.WithComponent("loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes tasks on the calling goroutine until ctx is done. When it
// returns, tasks still queued resolve with ErrLoopStopped and further Submit
// calls fail. A Loop runs at most once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.shutdown()

	loopCtx := context.WithValue(ctx, loopKey{}, l)
	for {
		// A cancelled loop stops before picking up more work.
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case t := <-l.queue:
			t.done <- l.exec(loopCtx, t.fn)
		}
	}
}

// Submit queues fn and returns its single-shot completion handle. The handle
// is buffered, so nobody has to receive from it.
func (l *Loop) Submit(ctx context.Context, fn Task) (<-chan error, error) {
	if fn == nil {
		return nil, fmt.Errorf("relay: submit nil task")
	}
	t := loopTask{fn: fn, done: make(chan error, 1)}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return nil, ErrLoopStopped
	}
	select {
	case l.queue <- t:
		return t.done, nil
	case <-l.stop:
		return nil, ErrLoopStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stopped reports whether Run has returned.
func (l *Loop) Stopped() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stopped
}

func (l *Loop) shutdown() {
	// Unblock submitters waiting on a full queue before taking the write lock.
	close(l.stop)
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	for {
		select {
		case t := <-l.queue:
			t.done <- ErrLoopStopped
		default:
			return
		}
	}
}

func (l *Loop) exec(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			l.log.Error().Interface("panic", r).Bytes("stack", buf[:n]).Msg("loop task panicked")
			err = &panicError{value: r}
		}
	}()
	return fn(ctx)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic recovered: %v", e.value) }
