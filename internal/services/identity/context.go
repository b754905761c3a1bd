package identity

import "context"

// Identity is the buyer as seen by this service. Authentication happens in
// the gateway; by the time a request reaches us the identity is just a pair
// of trusted headers.
type Identity struct {
	UserExternalID string
	Source         string
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	if !ok || id.UserExternalID == "" {
		return Identity{}, false
	}
	return id, true
}
