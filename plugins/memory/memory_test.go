package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/plugins/memory"
)

type invite struct {
	Type      string `json:"type"`
	MeetingID int    `json:"meetingId"`
}

func runLoop(t *testing.T) *core.Loop {
	t.Helper()
	loop := core.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

func newBroker(t *testing.T, loop *core.Loop, opts ...memory.Option) *memory.Broker {
	t.Helper()
	b, err := memory.New(broker.Config{Loop: loop, HandlerTimeout: time.Second}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitStats(t *testing.T, b *memory.Broker, sub string, acked, nacked int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, _ := b.Stats(sub)
		return s.Acked == acked && s.Nacked == nacked
	}, 3*time.Second, 5*time.Millisecond)
}

func TestMemory_FailingMessageDoesNotBlockTheNext(t *testing.T) {
	loop := runLoop(t)
	b := newBroker(t, loop,
		memory.WithSubscription("meetings-sub", "meetings"),
		memory.WithMaxDeliver(1),
	)

	var processed []int // loop-owned
	processedCh := make(chan int, 2)
	h := core.Suspending(core.Typed(func(ctx context.Context, inv invite) error {
		if !core.OnLoop(ctx) {
			return errors.New("not on loop")
		}
		if inv.MeetingID == 42 {
			return fmt.Errorf("meeting %d is cancelled", inv.MeetingID)
		}
		processed = append(processed, inv.MeetingID)
		processedCh <- inv.MeetingID
		return nil
	}))
	require.NoError(t, b.Subscribe(context.Background(), "meetings-sub", h))

	id, err := b.Publish(context.Background(), "meetings", invite{Type: "invite", MeetingID: 42})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, err = b.Publish(context.Background(), "meetings", invite{Type: "invite", MeetingID: 7})
	require.NoError(t, err)

	select {
	case got := <-processedCh:
		assert.Equal(t, 7, got)
	case <-time.After(3 * time.Second):
		t.Fatal("second message was not processed")
	}
	waitStats(t, b, "meetings-sub", 1, 1)
}

func TestMemory_SyncHandlerRunsOffLoop(t *testing.T) {
	b := newBroker(t, nil, memory.WithSubscription("audit", "meetings.#"))

	seen := make(chan bool, 1)
	require.NoError(t, b.Subscribe(context.Background(), "audit", core.Sync(func(ctx context.Context, env core.Envelope) error {
		seen <- core.OnLoop(ctx)
		assert.Equal(t, "1", env.Attributes()[memory.AttrDeliveryAttempt])
		assert.Equal(t, core.ContentTypeJSON, env.Attributes()[core.AttrContentType])
		return nil
	})))

	_, err := b.Publish(context.Background(), "meetings.invite.sent", invite{Type: "invite", MeetingID: 1})
	require.NoError(t, err)

	select {
	case onLoop := <-seen:
		assert.False(t, onLoop)
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
	waitStats(t, b, "audit", 1, 0)
}

func TestMemory_NackRedelivers(t *testing.T) {
	b := newBroker(t, nil, memory.WithSubscription("retry", "jobs"), memory.WithWorkers(1))

	var attempts atomic.Int32
	require.NoError(t, b.Subscribe(context.Background(), "retry", core.Sync(func(_ context.Context, env core.Envelope) error {
		attempts.Add(1)
		if env.Attributes()[memory.AttrDeliveryAttempt] == "1" {
			return errors.New("transient")
		}
		return nil
	})))

	_, err := b.Publish(context.Background(), "jobs", []byte("payload"))
	require.NoError(t, err)

	waitStats(t, b, "retry", 1, 1)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestMemory_MaxDeliverDropsMessage(t *testing.T) {
	b := newBroker(t, nil, memory.WithSubscription("poison", "jobs"), memory.WithMaxDeliver(3))

	require.NoError(t, b.Subscribe(context.Background(), "poison", core.Sync(func(context.Context, core.Envelope) error {
		return errors.New("always fails")
	})))
	_, err := b.Publish(context.Background(), "jobs", []byte("x"))
	require.NoError(t, err)

	waitStats(t, b, "poison", 0, 3)
	time.Sleep(50 * time.Millisecond)
	s, _ := b.Stats("poison")
	assert.Equal(t, int64(3), s.Nacked)
	assert.Zero(t, s.Backlog)
}

func TestMemory_LastRegistrationWins(t *testing.T) {
	b := newBroker(t, nil, memory.WithSubscription("s", "t"))

	var first, second atomic.Int32
	require.NoError(t, b.Subscribe(context.Background(), "s", core.Sync(func(context.Context, core.Envelope) error {
		first.Add(1)
		return nil
	})))
	require.NoError(t, b.Subscribe(context.Background(), "s", core.Sync(func(context.Context, core.Envelope) error {
		second.Add(1)
		return nil
	})))

	for range 3 {
		_, err := b.Publish(context.Background(), "t", []byte("x"))
		require.NoError(t, err)
	}
	waitStats(t, b, "s", 3, 0)
	assert.Zero(t, first.Load())
	assert.Equal(t, int32(3), second.Load())
}

func TestMemory_FanOutToMatchingSubscriptions(t *testing.T) {
	b := newBroker(t, nil,
		memory.WithSubscription("exact", "meetings.invite"),
		memory.WithSubscription("wild", "meetings.*"),
		memory.WithSubscription("other", "billing.#"),
	)

	var mu sync.Mutex
	got := map[string]string{}
	for _, sub := range []string{"exact", "wild", "other"} {
		require.NoError(t, b.Subscribe(context.Background(), sub, core.Sync(func(_ context.Context, env core.Envelope) error {
			mu.Lock()
			got[sub] = env.ID()
			mu.Unlock()
			return nil
		})))
	}

	id, err := b.Publish(context.Background(), "meetings.invite", []byte("x"))
	require.NoError(t, err)

	waitStats(t, b, "exact", 1, 0)
	waitStats(t, b, "wild", 1, 0)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, id, got["exact"])
	assert.Equal(t, id, got["wild"])
	assert.NotContains(t, got, "other")
}

func TestMemory_FanOutCopiesData(t *testing.T) {
	b := newBroker(t, nil,
		memory.WithSubscription("writer", "t"),
		memory.WithSubscription("reader", "t"),
	)

	written := make(chan struct{})
	require.NoError(t, b.Subscribe(context.Background(), "writer", core.Sync(func(_ context.Context, env core.Envelope) error {
		env.Data()[0] = 'X'
		close(written)
		return nil
	})))
	got := make(chan string, 1)
	require.NoError(t, b.Subscribe(context.Background(), "reader", core.Sync(func(_ context.Context, env core.Envelope) error {
		<-written
		got <- string(env.Data())
		return nil
	})))

	_, err := b.Publish(context.Background(), "t", []byte("abc"))
	require.NoError(t, err)

	select {
	case data := <-got:
		assert.Equal(t, "abc", data)
	case <-time.After(3 * time.Second):
		t.Fatal("reader not called")
	}
}

func TestMemory_QueuesUntilSubscribed(t *testing.T) {
	b := newBroker(t, nil, memory.WithSubscription("late", "t"))

	_, err := b.Publish(context.Background(), "t", []byte("early"))
	require.NoError(t, err)
	s, _ := b.Stats("late")
	assert.Equal(t, 1, s.Backlog)

	require.NoError(t, b.Subscribe(context.Background(), "late", core.Sync(func(context.Context, core.Envelope) error {
		return nil
	})))
	waitStats(t, b, "late", 1, 0)
}

func TestMemory_Errors(t *testing.T) {
	b := newBroker(t, nil)

	err := b.Subscribe(context.Background(), "missing", core.Sync(func(context.Context, core.Envelope) error { return nil }))
	var se *core.SubscribeError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, core.ErrUnknownSubscription)

	require.NoError(t, b.CreateSubscription("s", "t"))
	assert.Error(t, b.CreateSubscription("s", "t"))

	err = b.Subscribe(context.Background(), "s", core.Suspending(func(context.Context, core.Envelope) error { return nil }))
	assert.ErrorIs(t, err, core.ErrNoLoop)

	_, err = b.Publish(context.Background(), "t", nil)
	var pe *core.PublishError
	assert.ErrorAs(t, err, &pe)

	require.NoError(t, b.Close())
	_, err = b.Publish(context.Background(), "t", []byte("x"))
	assert.ErrorIs(t, err, core.ErrBrokerClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), "s", core.Sync(func(context.Context, core.Envelope) error { return nil })), core.ErrBrokerClosed)
}

func TestMemory_FromConfig(t *testing.T) {
	b, err := broker.Create(memory.Tag, broker.Config{Extra: map[string]any{
		"workers":       2,
		"max_deliver":   "2",
		"subscriptions": map[string]any{"meetings-sub": "meetings"},
	}})
	require.NoError(t, err)
	defer b.Close()

	mb := b.(*memory.Broker)
	_, ok := mb.Stats("meetings-sub")
	assert.True(t, ok)

	_, err = broker.Create(memory.Tag, broker.Config{Extra: map[string]any{"workers": 0}})
	var ce *core.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestMemory_CloseStopsDeliveryGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b, err := memory.New(broker.Config{}, memory.WithSubscription("s", "t"), memory.WithMaxDeliver(100))
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(context.Background(), "s", core.Sync(func(context.Context, core.Envelope) error {
		return errors.New("keep redelivering")
	})))
	_, err = b.Publish(context.Background(), "t", []byte("x"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Close())
}
