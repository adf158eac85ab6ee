// Package identity resolves bearer credentials to stable user identities.
package identity

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnauthenticated indicates a missing or malformed credential.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidToken indicates the identity provider rejected the credential.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUpstreamUnavailable indicates a collaborator could not be reached in time.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Identity is the resolved caller.
type Identity struct {
	UserID string
	Email  string
}

// Resolver maps a bearer token to an Identity. Implementations do not retry.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// ExtractBearerToken returns the token from an Authorization header value.
func ExtractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrUnauthenticated
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", ErrUnauthenticated
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrUnauthenticated
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}

type contextKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.UserID != ""
}
