package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/miladsoleymani/relay/core"
)

// envelope adapts a stream entry to core.Envelope.
type envelope struct {
	id          string
	data        []byte
	attrs       map[string]string
	publishTime time.Time
	consumer    *consumer
}

func (c *consumer) envelope(m goredis.XMessage) (*envelope, error) {
	data, ok := m.Values[fieldData].(string)
	if !ok {
		return nil, fmt.Errorf("relay/redis: entry %s has no %q field", m.ID, fieldData)
	}
	attrs := map[string]string{}
	if raw, ok := m.Values[fieldAttrs].(string); ok && raw != "" {
		if err := core.Unmarshal([]byte(raw), &attrs); err != nil {
			return nil, fmt.Errorf("relay/redis: entry %s attributes: %w", m.ID, err)
		}
	}
	return &envelope{
		id:          m.ID,
		data:        []byte(data),
		attrs:       attrs,
		publishTime: entryTime(m.ID),
		consumer:    c,
	}, nil
}

func encodeAttrs(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	data, _, err := core.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// entryTime reads the millisecond timestamp of a stream entry id.
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func (e *envelope) ID() string             { return e.id }
func (e *envelope) Data() []byte           { return e.data }
func (e *envelope) PublishTime() time.Time { return e.publishTime }

func (e *envelope) Attributes() map[string]string {
	out := make(map[string]string, len(e.attrs))
	for k, v := range e.attrs {
		out[k] = v
	}
	return out
}

func (e *envelope) Ack() error {
	if err := e.consumer.ack(e.id); err != nil {
		return fmt.Errorf("relay/redis: ack %s: %w", e.id, err)
	}
	return nil
}

// Nack leaves the entry in the pending list; it is reclaimed after reclaim_idle.
func (e *envelope) Nack() error { return nil }
