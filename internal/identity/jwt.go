package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultLeeway = 30 * time.Second

// JWTResolver verifies Supabase access tokens locally.
type JWTResolver struct {
	parser  *jwt.Parser
	keyfunc jwt.Keyfunc
}

// NewHMACResolver verifies HS256 tokens signed with the project JWT secret.
func NewHMACResolver(secret, issuer, audience string) (*JWTResolver, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("identity: jwt secret must be set")
	}
	key := []byte(secret)
	return &JWTResolver{
		parser: newParser(issuer, audience, []string{jwt.SigningMethodHS256.Name}),
		keyfunc: func(*jwt.Token) (any, error) {
			return key, nil
		},
	}, nil
}

// NewJWKSResolver verifies asymmetric tokens against a JWKS endpoint.
func NewJWKSResolver(ctx context.Context, jwksURL, issuer, audience string) (*JWTResolver, error) {
	jwksURL = strings.TrimSpace(jwksURL)
	if jwksURL == "" {
		return nil, errors.New("identity: jwks url must be set")
	}
	keyProvider, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("identity: init JWKS keyfunc: %w", err)
	}
	return &JWTResolver{
		parser: newParser(issuer, audience, []string{
			jwt.SigningMethodRS256.Name,
			jwt.SigningMethodES256.Name,
		}),
		keyfunc: keyProvider.Keyfunc,
	}, nil
}

func newParser(issuer, audience string, methods []string) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(defaultLeeway),
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
	}
	if issuer = strings.TrimSpace(issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience = strings.TrimSpace(audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return jwt.NewParser(opts...)
}

// Resolve parses and validates token. The subject must be a UUID.
func (r *JWTResolver) Resolve(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	if r == nil || r.parser == nil {
		return Identity{}, fmt.Errorf("%w: resolver not configured", ErrInvalidToken)
	}

	claims := jwt.MapClaims{}
	parsed, err := r.parser.ParseWithClaims(token, claims, r.keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	sub, _ := claims.GetSubject()
	userID, errParse := uuid.Parse(strings.TrimSpace(sub))
	if errParse != nil {
		return Identity{}, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	email, _ := claims["email"].(string)
	return Identity{UserID: userID.String(), Email: email}, nil
}
