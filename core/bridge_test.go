package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/metrics"
	"github.com/miladsoleymani/relay/internal/mock"
)

type deliveryKey struct{}

// deliveryCtx marks the context a fake transport goroutine hands the bridge.
func deliveryCtx() context.Context {
	return context.WithValue(context.Background(), deliveryKey{}, true)
}

func fromDelivery(ctx context.Context) bool {
	v, _ := ctx.Value(deliveryKey{}).(bool)
	return v
}

func TestBridge_SyncHandlerAcksOnDeliveryGoroutine(t *testing.T) {
	var onDelivery, onLoop atomic.Bool
	br, err := core.NewBridge("sync-ok", core.Sync(func(ctx context.Context, env core.Envelope) error {
		onDelivery.Store(fromDelivery(ctx))
		onLoop.Store(core.OnLoop(ctx))
		assert.Equal(t, "sync-ok", core.SubscriptionFrom(ctx))
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, core.ModeSync, br.Mode())

	env := mock.NewEnvelope("m-1", []byte(`{}`))
	br.Deliver(deliveryCtx(), env)

	assert.True(t, env.Acked())
	assert.True(t, onDelivery.Load())
	assert.False(t, onLoop.Load())
}

func TestBridge_SyncHandlerErrorNacks(t *testing.T) {
	br, err := core.NewBridge("sync-err", core.Sync(func(context.Context, core.Envelope) error {
		return errors.New("boom")
	}))
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.HandlerFailuresTotal.WithLabelValues("sync-err", "error"))
	env := mock.NewEnvelope("m-1", nil)
	br.Deliver(deliveryCtx(), env)

	assert.True(t, env.Nacked())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.HandlerFailuresTotal.WithLabelValues("sync-err", "error")))
}

func TestBridge_SyncHandlerPanicNacks(t *testing.T) {
	br, err := core.NewBridge("sync-panic", core.Sync(func(context.Context, core.Envelope) error {
		panic("handler exploded")
	}))
	require.NoError(t, err)

	env := mock.NewEnvelope("m-1", nil)
	assert.NotPanics(t, func() { br.Deliver(deliveryCtx(), env) })
	assert.True(t, env.Nacked())
}

func TestBridge_SuspendingHandlerRunsOnLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	loop, stop := startLoop(t)
	defer stop()

	var onDelivery, onLoop atomic.Bool
	var handled int // loop-owned
	br, err := core.NewBridge("suspend-ok", core.Suspending(func(ctx context.Context, env core.Envelope) error {
		onDelivery.Store(fromDelivery(ctx))
		onLoop.Store(core.OnLoop(ctx))
		handled++
		return nil
	}), core.WithLoop(loop))
	require.NoError(t, err)
	assert.Equal(t, core.ModeSuspending, br.Mode())

	env := mock.NewEnvelope("m-1", nil)
	br.Deliver(deliveryCtx(), env)

	assert.True(t, env.Acked())
	assert.True(t, onLoop.Load())
	assert.False(t, onDelivery.Load())

	var seen int
	done, err := loop.Submit(context.Background(), func(context.Context) error {
		seen = handled
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, wait(t, done))
	assert.Equal(t, 1, seen)
}

func TestBridge_SuspendingHandlerFailureNacks(t *testing.T) {
	loop, _ := startLoop(t)

	br, err := core.NewBridge("suspend-err", core.Suspending(func(context.Context, core.Envelope) error {
		return errors.New("downstream unavailable")
	}), core.WithLoop(loop))
	require.NoError(t, err)

	env := mock.NewEnvelope("m-1", nil)
	br.Deliver(deliveryCtx(), env)
	assert.True(t, env.Nacked())

	br, err = core.NewBridge("suspend-panic", core.Suspending(func(context.Context, core.Envelope) error {
		panic("loop handler exploded")
	}), core.WithLoop(loop))
	require.NoError(t, err)

	env = mock.NewEnvelope("m-2", nil)
	br.Deliver(deliveryCtx(), env)
	assert.True(t, env.Nacked())
}

func TestBridge_TimeoutNacksWithoutCancelling(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	loop, stop := startLoop(t)
	defer stop()

	release := make(chan struct{})
	finished := make(chan error, 1)
	br, err := core.NewBridge("suspend-slow", core.Suspending(func(ctx context.Context, env core.Envelope) error {
		<-release
		// The bridge already nacked; a late ack must not reach the transport.
		finished <- env.Ack()
		return nil
	}), core.WithLoop(loop), core.WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	lateBefore := testutil.ToFloat64(metrics.LateCompletionsTotal.WithLabelValues("suspend-slow"))

	env := mock.NewEnvelope("m-1", nil)
	start := time.Now()
	br.Deliver(deliveryCtx(), env)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, env.Nacked())

	// The task is still running: it was not cancelled.
	close(release)
	select {
	case err := <-finished:
		assert.ErrorIs(t, err, core.ErrAlreadySettled)
	case <-time.After(2 * time.Second):
		t.Fatal("handed-off handler never completed")
	}

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.LateCompletionsTotal.WithLabelValues("suspend-slow")) == lateBefore+1
	}, time.Second, 10*time.Millisecond)

	acks, nacks := env.Counts()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)
}

func TestBridge_FullLoopQueueStillTimesOut(t *testing.T) {
	loop := core.NewLoop(core.WithQueueSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- loop.Run(ctx) }()

	release := make(chan struct{})
	br, err := core.NewBridge("suspend-wedged", core.Suspending(func(context.Context, core.Envelope) error {
		<-release
		return nil
	}), core.WithLoop(loop), core.WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	// The first task occupies the loop, the second fills the queue and the
	// third can only wait to be queued.
	for i := range 3 {
		env := mock.NewEnvelope(fmt.Sprintf("m-%d", i), nil)
		start := time.Now()
		br.Deliver(deliveryCtx(), env)
		assert.Less(t, time.Since(start), time.Second, "delivery %d", i)
		assert.True(t, env.Nacked(), "delivery %d", i)
	}

	close(release)
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestBridge_HandlerSettlesItself(t *testing.T) {
	br, err := core.NewBridge("self-settle", core.Sync(func(_ context.Context, env core.Envelope) error {
		if err := env.Ack(); err != nil {
			return err
		}
		return errors.New("failed after ack")
	}))
	require.NoError(t, err)

	env := mock.NewEnvelope("m-1", nil)
	br.Deliver(deliveryCtx(), env)

	acks, nacks := env.Counts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, nacks)
}

func TestBridge_ExactlyOneSettlementPerMessage(t *testing.T) {
	loop, _ := startLoop(t)

	var n atomic.Int32
	h := func(context.Context, core.Envelope) error {
		if n.Add(1)%3 == 0 {
			return errors.New("every third fails")
		}
		return nil
	}

	for _, handler := range []core.Handler{core.Sync(h), core.Suspending(h)} {
		br, err := core.NewBridge("exactly-once-"+handler.Mode().String(), handler, core.WithLoop(loop))
		require.NoError(t, err)

		envs := make([]*mock.Envelope, 30)
		done := make(chan struct{})
		for i := range envs {
			envs[i] = mock.NewEnvelope("m", nil)
		}
		// Several delivery goroutines at once, as a transport would do.
		go func() {
			defer close(done)
			sem := make(chan struct{}, len(envs))
			for _, env := range envs {
				go func() {
					br.Deliver(deliveryCtx(), env)
					sem <- struct{}{}
				}()
			}
			for range envs {
				<-sem
			}
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("deliveries did not finish")
		}

		for _, env := range envs {
			acks, nacks := env.Counts()
			assert.Equal(t, 1, acks+nacks)
		}
	}
}

func TestBridge_LoopStoppedNacks(t *testing.T) {
	loop, stop := startLoop(t)
	stop()

	br, err := core.NewBridge("stopped", core.Suspending(func(context.Context, core.Envelope) error {
		return nil
	}), core.WithLoop(loop))
	require.NoError(t, err)

	env := mock.NewEnvelope("m-1", nil)
	br.Deliver(deliveryCtx(), env)
	assert.True(t, env.Nacked())
}

func TestBridge_DeliverFromLoopFailsFast(t *testing.T) {
	loop, _ := startLoop(t)

	br, err := core.NewBridge("reentrant", core.Suspending(func(context.Context, core.Envelope) error {
		return nil
	}), core.WithLoop(loop))
	require.NoError(t, err)

	env := mock.NewEnvelope("m-1", nil)
	done, err := loop.Submit(context.Background(), func(ctx context.Context) error {
		br.Deliver(ctx, env)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, wait(t, done))
	assert.True(t, env.Nacked())
}

func TestBridge_CancelledDeliveryNacks(t *testing.T) {
	loop, _ := startLoop(t)

	release := make(chan struct{})
	defer close(release)
	br, err := core.NewBridge("cancelled", core.Suspending(func(context.Context, core.Envelope) error {
		<-release
		return nil
	}), core.WithLoop(loop))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	env := mock.NewEnvelope("m-1", nil)
	br.Deliver(ctx, env)
	assert.True(t, env.Nacked())
}

func TestNewBridge_Validation(t *testing.T) {
	_, err := core.NewBridge("nil", core.Handler{})
	var se *core.SubscribeError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, core.ErrNilHandler)

	_, err = core.NewBridge("no-loop", core.Suspending(func(context.Context, core.Envelope) error { return nil }))
	assert.ErrorIs(t, err, core.ErrNoLoop)
}
