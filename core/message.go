package core

import "time"

// Envelope is a message delivered by a transport. Exactly one of Ack or Nack
// must be called per delivery; the bridge enforces this through Guard.
type Envelope interface {
	// ID is the provider-assigned message identifier.
	ID() string
	// Data is the raw message body.
	Data() []byte
	// Attributes are the transport-level key/value headers.
	Attributes() map[string]string
	// PublishTime is when the transport accepted the message, if known.
	PublishTime() time.Time
	// Ack marks the message as processed.
	Ack() error
	// Nack asks the transport to redeliver or dead-letter the message.
	Nack() error
}

// Outgoing is a pre-encoded message. Publishing an Outgoing sends Data as-is.
type Outgoing struct {
	Data       []byte
	Attributes map[string]string
}
