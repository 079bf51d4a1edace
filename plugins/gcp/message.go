package gcp

import (
	"maps"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
)

// AttrDeliveryAttempt carries the Pub/Sub delivery attempt when the
// subscription has a dead letter policy.
const AttrDeliveryAttempt = "googclient_deliveryattempt"

// envelope adapts *pubsub.Message to core.Envelope.
type envelope struct {
	msg *pubsub.Message
}

func (e *envelope) ID() string             { return e.msg.ID }
func (e *envelope) Data() []byte           { return e.msg.Data }
func (e *envelope) PublishTime() time.Time { return e.msg.PublishTime }

func (e *envelope) Attributes() map[string]string {
	attrs := maps.Clone(e.msg.Attributes)
	if attrs == nil {
		attrs = make(map[string]string)
	}
	if e.msg.DeliveryAttempt != nil {
		attrs[AttrDeliveryAttempt] = strconv.Itoa(*e.msg.DeliveryAttempt)
	}
	return attrs
}

// Ack and Nack are fire-and-forget in the client library.
func (e *envelope) Ack() error {
	e.msg.Ack()
	return nil
}

func (e *envelope) Nack() error {
	e.msg.Nack()
	return nil
}
