package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RemoteResolver asks the Supabase auth API who owns a token.
type RemoteResolver struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemoteResolver constructs a RemoteResolver. A nil client gets one with timeout.
func NewRemoteResolver(baseURL, apiKey string, timeout time.Duration, client *http.Client) *RemoteResolver {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &RemoteResolver{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  client,
	}
}

type remoteUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Resolve calls GET /auth/v1/user with the caller's token.
func (r *RemoteResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	if r == nil || r.baseURL == "" {
		return Identity{}, fmt.Errorf("%w: identity provider not configured", ErrUpstreamUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Identity{}, fmt.Errorf("%w: identity provider status %d", ErrUpstreamUnavailable, resp.StatusCode)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Identity{}, fmt.Errorf("%w: identity provider status %d", ErrInvalidToken, resp.StatusCode)
	}

	var user remoteUser
	if errDecode := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); errDecode != nil {
		if errors.Is(errDecode, context.DeadlineExceeded) {
			return Identity{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, errDecode)
		}
		return Identity{}, fmt.Errorf("%w: decode user: %v", ErrInvalidToken, errDecode)
	}
	userID, errParse := uuid.Parse(strings.TrimSpace(user.ID))
	if errParse != nil {
		return Identity{}, fmt.Errorf("%w: user id missing", ErrInvalidToken)
	}
	return Identity{UserID: userID.String(), Email: user.Email}, nil
}
