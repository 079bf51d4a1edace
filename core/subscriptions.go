package core

import (
	"context"
	"sync"
)

// Subscriptions tracks one delivery goroutine per subscription name for a
// provider. Starting a name that is already running cancels the earlier run:
// the last registration wins.
type Subscriptions struct {
	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	runs   map[string]*subscriptionRun
	wg     sync.WaitGroup
	closed bool
}

type subscriptionRun struct {
	cancel context.CancelFunc
}

// NewSubscriptions creates an empty table.
func NewSubscriptions() *Subscriptions {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriptions{
		base:   ctx,
		cancel: cancel,
		runs:   make(map[string]*subscriptionRun),
	}
}

// Start runs fn on its own goroutine with a context that is cancelled when the
// name is registered again or the table is closed. It reports whether an
// earlier registration was replaced.
func (s *Subscriptions) Start(name string, fn func(ctx context.Context)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrBrokerClosed
	}

	prev, replaced := s.runs[name]
	if replaced {
		prev.cancel()
	}

	ctx, cancel := context.WithCancel(s.base)
	run := &subscriptionRun{cancel: cancel}
	s.runs[name] = run

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		fn(ctx)

		s.mu.Lock()
		if s.runs[name] == run {
			delete(s.runs, name)
		}
		s.mu.Unlock()
	}()
	return replaced, nil
}

// Active reports whether name has a running delivery goroutine.
func (s *Subscriptions) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[name]
	return ok
}

// Len returns the number of running subscriptions.
func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Close cancels every run and waits for their goroutines to return.
func (s *Subscriptions) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}
