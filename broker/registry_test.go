package broker_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/mock"
)

func init() {
	broker.Register("test-mock", func(cfg broker.Config) (core.Broker, error) {
		if cfg.ProjectID == "bad" {
			return nil, &core.ConfigurationError{Provider: "test-mock", Field: "project_id", Reason: "rejected"}
		}
		return mock.NewBroker(), nil
	})
}

func TestCreate_UnknownProvider(t *testing.T) {
	b, err := broker.Create("carrier-pigeon", broker.Config{})
	assert.Nil(t, b)

	var ce *core.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "carrier-pigeon", ce.Provider)
	assert.True(t, errors.Is(err, core.ErrUnknownProvider))
}

func TestCreate_RegisteredProvider(t *testing.T) {
	b, err := broker.Create("test-mock", broker.Config{})
	require.NoError(t, err)
	assert.Equal(t, "mock", b.Provider())
}

func TestCreate_NoPartialBroker(t *testing.T) {
	b, err := broker.Create("test-mock", broker.Config{ProjectID: "bad"})
	assert.Nil(t, b)
	var ce *core.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "project_id", ce.Field)
}

func TestOpen(t *testing.T) {
	_, err := broker.Open(broker.Config{})
	var ce *core.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "provider", ce.Field)

	b, err := broker.Open(broker.Config{Provider: "test-mock"})
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestProviders_Sorted(t *testing.T) {
	broker.Register("test-a", func(broker.Config) (core.Broker, error) { return mock.NewBroker(), nil })
	names := broker.Providers()
	assert.Contains(t, names, "test-a")
	assert.Contains(t, names, "test-mock")
	assert.IsIncreasing(t, names)
}
