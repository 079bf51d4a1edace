package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/log"
)

// Logging returns middleware that logs message processing duration and errors.
func Logging(logger zerolog.Logger) core.MiddlewareFunc {
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx context.Context, env core.Envelope) error {
			start := time.Now()
			err := next(ctx, env)
			elapsed := time.Since(start)

			if err != nil {
				logger.Error().
					Err(err).
					Str(log.FieldSubscription, core.SubscriptionFrom(ctx)).
					Str(log.FieldMessageID, env.ID()).
					Dur(log.FieldElapsed, elapsed).
					Msg("message handler failed")
			} else {
				logger.Debug().
					Str(log.FieldSubscription, core.SubscriptionFrom(ctx)).
					Str(log.FieldMessageID, env.ID()).
					Dur(log.FieldElapsed, elapsed).
					Msg("message handled")
			}
			return err
		}
	}
}
