package core

import (
	"sync/atomic"
	"time"
)

// SettleState is the terminal state of a guarded envelope.
type SettleState int32

const (
	Pending SettleState = iota
	Acked
	Nacked
)

func (s SettleState) String() string {
	switch s {
	case Acked:
		return "ack"
	case Nacked:
		return "nack"
	default:
		return "pending"
	}
}

// GuardedEnvelope wraps an Envelope so that exactly one of Ack or Nack reaches
// the transport. Later calls return ErrAlreadySettled without side effects.
type GuardedEnvelope struct {
	env   Envelope
	state atomic.Int32
}

// Guard wraps env. Wrapping an already guarded envelope returns it unchanged.
func Guard(env Envelope) *GuardedEnvelope {
	if g, ok := env.(*GuardedEnvelope); ok {
		return g
	}
	return &GuardedEnvelope{env: env}
}

func (g *GuardedEnvelope) ID() string                    { return g.env.ID() }
func (g *GuardedEnvelope) Data() []byte                  { return g.env.Data() }
func (g *GuardedEnvelope) Attributes() map[string]string { return g.env.Attributes() }
func (g *GuardedEnvelope) PublishTime() time.Time        { return g.env.PublishTime() }

// Unwrap returns the transport envelope.
func (g *GuardedEnvelope) Unwrap() Envelope { return g.env }

// State reports whether the envelope was acked, nacked or is still pending.
func (g *GuardedEnvelope) State() SettleState { return SettleState(g.state.Load()) }

// Ack acknowledges the envelope if it has not been settled yet.
func (g *GuardedEnvelope) Ack() error {
	if !g.state.CompareAndSwap(int32(Pending), int32(Acked)) {
		return ErrAlreadySettled
	}
	return g.env.Ack()
}

// Nack negatively acknowledges the envelope if it has not been settled yet.
func (g *GuardedEnvelope) Nack() error {
	if !g.state.CompareAndSwap(int32(Pending), int32(Nacked)) {
		return ErrAlreadySettled
	}
	return g.env.Nack()
}
