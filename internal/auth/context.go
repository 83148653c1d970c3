// ABOUTME: Authentication context for tracking the caller through request handlers
// ABOUTME: Provides WithCaller/CallerFromContext for propagating identity via context

package auth

import (
	"context"
)

// callerKey is the key type for storing the caller in context.Context.
type callerKey struct{}

// WithCaller returns a new context carrying the authenticated caller name.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the authenticated caller, or "" when the request
// was not authenticated.
func CallerFromContext(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}
