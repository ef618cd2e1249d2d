// Package requestid carries the per-request correlation id through the
// context. The HTTP middleware sets it; logs, error envelopes and outbox
// messages read it.
package requestid

import "context"

type ctxKey struct{}

// With returns a context carrying id.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Get returns the id stored by With, or "" outside an HTTP request.
func Get(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKey{}).(string); ok {
		return s
	}
	return ""
}
