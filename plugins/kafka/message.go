package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// AttrDeliveryAttempt carries the local delivery attempt.
const AttrDeliveryAttempt = "delivery-attempt"

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// envelope adapts a kafka.Message to core.Envelope.
type envelope struct {
	raw     kafka.Message
	commit  committer
	attempt int
	nacked  atomic.Bool
}

// ID is the AttrMessageID header, or topic/partition/offset for messages
// produced elsewhere.
func (e *envelope) ID() string {
	for _, h := range e.raw.Headers {
		if h.Key == AttrMessageID {
			return string(h.Value)
		}
	}
	return fmt.Sprintf("%s/%d/%d", e.raw.Topic, e.raw.Partition, e.raw.Offset)
}

func (e *envelope) Data() []byte           { return e.raw.Value }
func (e *envelope) PublishTime() time.Time { return e.raw.Time }

func (e *envelope) Attributes() map[string]string {
	h := make(map[string]string, len(e.raw.Headers)+1)
	for _, kh := range e.raw.Headers {
		h[kh.Key] = string(kh.Value)
	}
	h[AttrDeliveryAttempt] = strconv.Itoa(e.attempt)
	return h
}

// Ack commits the offset for this message.
func (e *envelope) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.commit.CommitMessages(ctx, e.raw); err != nil {
		return fmt.Errorf("relay/kafka: commit offset: %w", err)
	}
	return nil
}

// Nack marks the message for local redelivery; the offset is not committed.
func (e *envelope) Nack() error {
	e.nacked.Store(true)
	return nil
}
