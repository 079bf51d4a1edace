package mock

import (
	"sync"
	"time"
)

// Envelope is a core.Envelope implementation for testing. It counts Ack and
// Nack calls so tests can check settlement happened exactly once.
type Envelope struct {
	MsgID   string
	Body    []byte
	Attrs   map[string]string
	Time    time.Time
	AckErr  error
	NackErr error

	mu      sync.Mutex
	acks    int
	nacks   int
	settled chan struct{}
}

// NewEnvelope returns an Envelope with the given id and body.
func NewEnvelope(id string, body []byte) *Envelope {
	return &Envelope{MsgID: id, Body: body, Time: time.Now()}
}

func (e *Envelope) ID() string                    { return e.MsgID }
func (e *Envelope) Data() []byte                  { return e.Body }
func (e *Envelope) Attributes() map[string]string { return e.Attrs }
func (e *Envelope) PublishTime() time.Time        { return e.Time }

func (e *Envelope) Ack() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acks++
	e.signal()
	return e.AckErr
}

func (e *Envelope) Nack() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nacks++
	e.signal()
	return e.NackErr
}

// Counts returns how many times Ack and Nack were called.
func (e *Envelope) Counts() (acks, nacks int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acks, e.nacks
}

// Acked reports a single Ack and no Nack.
func (e *Envelope) Acked() bool {
	a, n := e.Counts()
	return a == 1 && n == 0
}

// Nacked reports a single Nack and no Ack.
func (e *Envelope) Nacked() bool {
	a, n := e.Counts()
	return a == 0 && n == 1
}

// Settled returns a channel closed on the first Ack or Nack.
func (e *Envelope) Settled() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled == nil {
		e.settled = make(chan struct{})
		if e.acks+e.nacks > 0 {
			close(e.settled)
		}
	}
	return e.settled
}

func (e *Envelope) signal() {
	if e.settled == nil {
		e.settled = make(chan struct{})
	}
	select {
	case <-e.settled:
	default:
		close(e.settled)
	}
}
