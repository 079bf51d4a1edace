package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/core/middleware"
	"github.com/miladsoleymani/relay/internal/mock"
)

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	handler := middleware.Logging(logger)(func(ctx context.Context, env core.Envelope) error {
		return nil
	})

	ctx := core.WithSubscription(context.Background(), "meetings-notifier")
	require.NoError(t, handler(ctx, mock.NewEnvelope("msg-1", []byte("{}"))))

	assert.Contains(t, buf.String(), "message handled")
	assert.Contains(t, buf.String(), `"message_id":"msg-1"`)
	assert.Contains(t, buf.String(), `"subscription":"meetings-notifier"`)
}

func TestLogging_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	handler := middleware.Logging(logger)(func(ctx context.Context, env core.Envelope) error {
		return errors.New("boom")
	})

	err := handler(context.Background(), mock.NewEnvelope("k", nil))
	assert.Error(t, err)
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "boom")
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	handler := middleware.Recovery(zerolog.New(&buf))(func(ctx context.Context, env core.Envelope) error {
		panic("test panic")
	})

	err := handler(context.Background(), mock.NewEnvelope("k", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic recovered")
	assert.Contains(t, buf.String(), "test panic")
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := middleware.Recovery(zerolog.Nop())(func(ctx context.Context, env core.Envelope) error {
		return nil
	})
	assert.NoError(t, handler(context.Background(), mock.NewEnvelope("k", nil)))
}

type recordingCollector struct {
	subscription string
	err          error
	calls        int
}

func (c *recordingCollector) MessageProcessed(subscription string, _ time.Duration, err error) {
	c.subscription = subscription
	c.err = err
	c.calls++
}

func TestMetrics(t *testing.T) {
	c := &recordingCollector{}
	boom := errors.New("boom")
	handler := middleware.Metrics(c)(func(ctx context.Context, env core.Envelope) error {
		return boom
	})

	ctx := core.WithSubscription(context.Background(), "forms")
	assert.ErrorIs(t, handler(ctx, mock.NewEnvelope("k", nil)), boom)
	assert.Equal(t, 1, c.calls)
	assert.Equal(t, "forms", c.subscription)
	assert.ErrorIs(t, c.err, boom)
}
