package core

import "context"

type subscriptionKey struct{}

// WithSubscription returns a copy of ctx carrying the subscription name.
// The bridge sets it for every handler invocation.
func WithSubscription(ctx context.Context, subscription string) context.Context {
	return context.WithValue(ctx, subscriptionKey{}, subscription)
}

// SubscriptionFrom returns the subscription name the handler runs for.
func SubscriptionFrom(ctx context.Context) string {
	s, _ := ctx.Value(subscriptionKey{}).(string)
	return s
}
