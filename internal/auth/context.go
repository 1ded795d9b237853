// ABOUTME: Authentication context for tracking the operator through request handlers
// ABOUTME: Provides WithOperator/OperatorFromContext for propagating identity via context

package auth

import (
	"context"
)

// operatorKey is the key type for storing the operator in context.Context.
type operatorKey struct{}

// WithOperator returns a new context carrying the authenticated operator name.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

// OperatorFromContext returns the authenticated operator, or "" for anonymous requests.
func OperatorFromContext(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}
