// Package middleware provides the gateway's ingress middleware chain:
// correlation-id propagation, request deadlines, authentication, rate
// limiting, and request logging.
package middleware

import (
	"context"

	"github.com/atlanticdynamic/storegate/internal/gateway/authn"
)

type contextKey int

const (
	correlationIDKey contextKey = iota
	identityKey
)

// WithCorrelationID stores the request's correlation id in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the request's correlation id, empty if none was
// attached (only possible outside the middleware chain).
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithIdentity stores the validated caller identity in the context.
func WithIdentity(ctx context.Context, identity authn.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFrom returns the validated caller identity, if any.
func IdentityFrom(ctx context.Context) (authn.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(authn.Identity)
	return identity, ok
}
