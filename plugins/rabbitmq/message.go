package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// envelope adapts an amqp.Delivery to core.Envelope.
type envelope struct {
	delivery amqp.Delivery
	requeue  bool
}

// ID is the AMQP message-id, or the delivery tag when the publisher set none.
func (e *envelope) ID() string {
	if e.delivery.MessageId != "" {
		return e.delivery.MessageId
	}
	return strconv.FormatUint(e.delivery.DeliveryTag, 10)
}

func (e *envelope) Data() []byte           { return e.delivery.Body }
func (e *envelope) PublishTime() time.Time { return e.delivery.Timestamp }

func (e *envelope) Attributes() map[string]string {
	h := make(map[string]string, len(e.delivery.Headers))
	for k, v := range e.delivery.Headers {
		if s, ok := v.(string); ok {
			h[k] = s
		} else {
			h[k] = fmt.Sprintf("%v", v)
		}
	}
	return h
}

// Ack acknowledges the message, removing it from the queue.
func (e *envelope) Ack() error {
	if err := e.delivery.Ack(false); err != nil {
		return fmt.Errorf("relay/rabbitmq: ack: %w", err)
	}
	return nil
}

// Nack rejects the message. With requeue on, the server redelivers it.
func (e *envelope) Nack() error {
	if err := e.delivery.Nack(false, e.requeue); err != nil {
		return fmt.Errorf("relay/rabbitmq: nack: %w", err)
	}
	return nil
}
