package postgres

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// AttrDeliveryAttempt carries the delivery attempt, starting at 1.
const AttrDeliveryAttempt = "delivery-attempt"

// frame is the NOTIFY payload.
type frame struct {
	ID      string            `json:"id"`
	Attrs   map[string]string `json:"attrs,omitempty"`
	Data    []byte            `json:"data"`
	Attempt int               `json:"attempt"`
	Time    time.Time         `json:"time"`
}

func (f frame) encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

func decodeFrame(payload []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	if f.ID == "" {
		return f, fmt.Errorf("decode frame: missing id")
	}
	if f.Attempt < 1 {
		f.Attempt = 1
	}
	return f, nil
}

// envelope adapts a notification frame to core.Envelope.
type envelope struct {
	frame    frame
	channel  string
	consumer *consumer
}

func (e *envelope) ID() string             { return e.frame.ID }
func (e *envelope) Data() []byte           { return e.frame.Data }
func (e *envelope) PublishTime() time.Time { return e.frame.Time }

func (e *envelope) Attributes() map[string]string {
	attrs := make(map[string]string, len(e.frame.Attrs)+1)
	for k, v := range e.frame.Attrs {
		attrs[k] = v
	}
	attrs[AttrDeliveryAttempt] = strconv.Itoa(e.frame.Attempt)
	return attrs
}

// Ack is a no-op: a notification is gone once it has been received.
func (e *envelope) Ack() error { return nil }

// Nack notifies the channel again while attempts remain.
func (e *envelope) Nack() error { return e.consumer.redeliver(e.frame) }
