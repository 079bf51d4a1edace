package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
)

type sent struct {
	channel string
	frame   frame
}

// fakeNotifier records pg_notify calls.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (n *fakeNotifier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if n.err != nil {
		return pgconn.CommandTag{}, n.err
	}
	if !strings.Contains(sql, "pg_notify") || len(args) != 2 {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected statement %q", sql)
	}
	f, err := decodeFrame([]byte(args[1].(string)))
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	n.mu.Lock()
	n.sent = append(n.sent, sent{channel: args[0].(string), frame: f})
	n.mu.Unlock()
	return pgconn.CommandTag{}, nil
}

func (n *fakeNotifier) frames() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sent(nil), n.sent...)
}

// fakeListener hands out queued notifications.
type fakeListener struct {
	ch chan *pgconn.Notification
}

func newFakeListener() *fakeListener {
	return &fakeListener{ch: make(chan *pgconn.Notification, 16)}
}

func (l *fakeListener) push(t *testing.T, channel string, f frame) {
	t.Helper()
	payload, err := f.encode()
	require.NoError(t, err)
	l.ch <- &pgconn.Notification{Channel: channel, Payload: string(payload)}
}

func (l *fakeListener) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n := <-l.ch:
		return n, nil
	}
}

func newConsumer(t *testing.T, h core.Handler, n notifier, maxDeliver int) *consumer {
	t.Helper()
	br, err := core.NewBridge("meetings", h)
	require.NoError(t, err)
	return &consumer{
		bridge:     br,
		notifier:   n,
		channel:    "meetings",
		maxDeliver: maxDeliver,
		workers:    2,
	}
}

func TestFrame_Decode(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	in := frame{ID: "m-1", Attrs: map[string]string{"k": "v"}, Data: []byte(`{"meetingId":7}`), Attempt: 2, Time: ts}
	payload, err := in.encode()
	require.NoError(t, err)

	out, err := decodeFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Data, out.Data)
	assert.True(t, ts.Equal(out.Time))

	out, err = decodeFrame([]byte(`{"id":"m-2","data":null}`))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempt)

	_, err = decodeFrame([]byte(`{"data":null}`))
	assert.Error(t, err)
	_, err = decodeFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestEnvelope_Adapts(t *testing.T) {
	n := &fakeNotifier{}
	c := newConsumer(t, core.Sync(func(context.Context, core.Envelope) error { return nil }), n, 3)
	env := &envelope{
		frame:    frame{ID: "m-1", Attrs: map[string]string{core.AttrContentType: core.ContentTypeJSON}, Data: []byte("{}"), Attempt: 2},
		channel:  "meetings",
		consumer: c,
	}

	assert.Equal(t, "m-1", env.ID())
	assert.Equal(t, "2", env.Attributes()[AttrDeliveryAttempt])
	assert.Equal(t, core.ContentTypeJSON, env.Attributes()[core.AttrContentType])
	require.NoError(t, env.Ack())
	assert.Empty(t, n.frames())
}

func TestConsumer_NackNotifiesAgain(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	n := &fakeNotifier{}
	l := newFakeListener()
	var mu sync.Mutex
	var seen []int
	c := newConsumer(t, core.Sync(func(_ context.Context, env core.Envelope) error {
		inv, err := core.Decode[map[string]int](env)
		if err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, inv["meetingId"])
		mu.Unlock()
		if inv["meetingId"] == 42 {
			return errors.New("meeting 42 is cancelled")
		}
		return nil
	}), n, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.run(ctx, l)
	}()

	l.push(t, "meetings", frame{ID: "a", Data: []byte(`{"meetingId":42}`), Attempt: 1})
	l.push(t, "meetings", frame{ID: "b", Data: []byte(`{"meetingId":7}`), Attempt: 1})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(n.frames()) == 1 && len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)
	redelivered := n.frames()[0]
	assert.Equal(t, "meetings", redelivered.channel)
	assert.Equal(t, "a", redelivered.frame.ID)
	assert.Equal(t, 2, redelivered.frame.Attempt)

	mu.Lock()
	assert.ElementsMatch(t, []int{42, 7}, seen)
	mu.Unlock()

	cancel()
	<-done
}

func TestConsumer_GivesUpAtMaxDeliver(t *testing.T) {
	n := &fakeNotifier{}
	c := newConsumer(t, core.Sync(func(context.Context, core.Envelope) error { return nil }), n, 3)

	require.NoError(t, c.redeliver(frame{ID: "a", Attempt: 3}))
	assert.Empty(t, n.frames())

	n.err = errors.New("connection reset")
	err := c.redeliver(frame{ID: "b", Attempt: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redeliver b")
}

func TestNotify_RejectsLargePayload(t *testing.T) {
	n := &fakeNotifier{}
	err := notify(context.Background(), n, "meetings", frame{ID: "a", Data: make([]byte, MaxPayload)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Empty(t, n.frames())
}

func TestNew_ConfigValidation(t *testing.T) {
	tests := []struct {
		name  string
		cfg   broker.Config
		field string
	}{
		{"missing endpoint", broker.Config{}, "endpoint"},
		{"bad endpoint", broker.Config{Endpoint: "postgres://localhost:notaport/db"}, "endpoint"},
		{"max deliver", broker.Config{Endpoint: "postgres://localhost/db", Extra: map[string]any{"max_deliver": 0}}, "max_deliver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := broker.Create(Tag, tt.cfg)
			var ce *core.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

// TestPostgres_RoundTrip needs a reachable server at RELAY_POSTGRES_DSN.
func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("RELAY_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAY_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := New(ctx, broker.Config{Endpoint: dsn})
	require.NoError(t, err)
	defer b.Close()

	got := make(chan core.Envelope, 2)
	require.NoError(t, b.Subscribe(ctx, "relay_test", core.Sync(func(_ context.Context, env core.Envelope) error {
		got <- env
		if env.Attributes()[AttrDeliveryAttempt] == "1" {
			return errors.New("first attempt fails")
		}
		return nil
	})))

	id, err := b.Publish(ctx, "relay_test", map[string]int{"meetingId": 7})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		select {
		case env := <-got:
			assert.Equal(t, id, env.ID())
			assert.Equal(t, fmt.Sprint(attempt), env.Attributes()[AttrDeliveryAttempt])
			assert.JSONEq(t, `{"meetingId":7}`, string(env.Data()))
		case <-ctx.Done():
			t.Fatalf("attempt %d not delivered", attempt)
		}
	}
}
