package log

// Canonical field name constants for structured logging.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldProvider  = "provider"

	// Messaging fields
	FieldTopic        = "topic"
	FieldSubscription = "subscription"
	FieldMessageID    = "message_id"
	FieldMode         = "mode"
	FieldOutcome      = "outcome"
	FieldReason       = "reason"
	FieldElapsed      = "elapsed"
	FieldAttempt      = "attempt"
)
