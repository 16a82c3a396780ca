// Package auth carries the narrow identity contract the audio pipeline
// consumes. Authentication itself (OIDC/JWT verification, session issuance)
// is an external collaborator that terminates in front of this service; by
// the time a request reaches these handlers it has already been verified
// upstream. All this package does is carry the caller's identity from the
// request into context so downstream code can build per-user object-store
// prefixes.
package auth

import "context"

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	// UserID scopes object-store paths and session ownership.
	UserID string
}

type contextKey string

const identityContextKey contextKey = "audiobookd.identity"

// WithIdentity returns a new context carrying the given identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// CurrentIdentity extracts the identity attached to ctx, if any.
func CurrentIdentity(ctx context.Context) (Identity, bool) {
	v := ctx.Value(identityContextKey)
	if v == nil {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}
