package auth

import (
	"context"

	"github.com/dukerupert/resellr/internal/model"
)

type contextKey struct{}

// Principal is the authenticated caller of a request.
type Principal struct {
	AccountID int64
	Role      model.Role
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

func AccountID(ctx context.Context) int64 {
	p, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return p.AccountID
}

func IsAdmin(ctx context.Context) bool {
	p, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return p.Role == model.RoleAdmin
}
