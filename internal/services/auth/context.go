package auth

import "context"

type identityContextKey string

const identityKey identityContextKey = "buyer_identity"

type Identity struct {
	Phone string
	SID   string
}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}
