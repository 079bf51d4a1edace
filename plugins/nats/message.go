package nats

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// AttrDeliveryAttempt carries the JetStream delivery count.
const AttrDeliveryAttempt = "delivery-attempt"

// envelope adapts a JetStream message to core.Envelope.
type envelope struct {
	msg jetstream.Msg
}

// ID is "<stream>:<sequence>", the same form Publish returns.
func (e *envelope) ID() string {
	md, err := e.msg.Metadata()
	if err != nil {
		return e.msg.Headers().Get(jetstream.MsgIDHeader)
	}
	return messageID(md.Stream, md.Sequence.Stream)
}

func (e *envelope) Data() []byte { return e.msg.Data() }

func (e *envelope) PublishTime() time.Time {
	md, err := e.msg.Metadata()
	if err != nil {
		return time.Time{}
	}
	return md.Timestamp
}

func (e *envelope) Attributes() map[string]string {
	raw := e.msg.Headers()
	attrs := make(map[string]string, len(raw)+1)
	for k, v := range raw {
		if len(v) > 0 {
			attrs[k] = v[0]
		}
	}
	if md, err := e.msg.Metadata(); err == nil {
		attrs[AttrDeliveryAttempt] = strconv.FormatUint(md.NumDelivered, 10)
	}
	return attrs
}

func (e *envelope) Ack() error {
	if err := e.msg.Ack(); err != nil {
		return fmt.Errorf("relay/nats: ack: %w", err)
	}
	return nil
}

// Nack asks the server to redeliver according to the consumer's MaxDeliver.
func (e *envelope) Nack() error {
	if err := e.msg.Nak(); err != nil {
		return fmt.Errorf("relay/nats: nack: %w", err)
	}
	return nil
}
