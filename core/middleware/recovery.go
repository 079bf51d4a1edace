package middleware

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/log"
)

// Recovery returns middleware that recovers from panics in handlers,
// logs the stack trace, and returns the panic as an error. The bridge
// recovers panics too; this keeps outer middleware (logging, metrics)
// seeing the failure as an ordinary error.
func Recovery(logger zerolog.Logger) core.MiddlewareFunc {
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx context.Context, env core.Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Error().
						Interface("panic", r).
						Str(log.FieldSubscription, core.SubscriptionFrom(ctx)).
						Str(log.FieldMessageID, env.ID()).
						Bytes("stack", buf[:n]).
						Msg("panic recovered")
					err = fmt.Errorf("relay: panic recovered: %v", r)
				}
			}()
			return next(ctx, env)
		}
	}
}
