package domain

import "context"

type principalKey struct{}

// ContextPrincipal carries the authenticated identity through request
// context. Name selects the principal's privacy budget.
type ContextPrincipal struct {
	Name string
	Type string // "jwt", "oidc", "cli", "pgwire" or "anonymous"
}

// WithPrincipal stores a ContextPrincipal in the context.
func WithPrincipal(ctx context.Context, p ContextPrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the ContextPrincipal from the context.
func PrincipalFromContext(ctx context.Context) (ContextPrincipal, bool) {
	p, ok := ctx.Value(principalKey{}).(ContextPrincipal)
	return p, ok
}
