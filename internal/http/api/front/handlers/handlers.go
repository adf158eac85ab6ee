package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/anthropic"
	"github.com/linkedai/assist-backend/internal/gate"
	"github.com/linkedai/assist-backend/internal/identity"
	"github.com/linkedai/assist-backend/internal/subscription"
	log "github.com/sirupsen/logrus"
)

// Gatekeeper is the gate surface used by the handlers.
type Gatekeeper interface {
	Authenticate(ctx context.Context, bearer string) (identity.Identity, error)
	GateIdentity(ctx context.Context, id identity.Identity, model string) (gate.Decision, error)
	UsageFor(ctx context.Context, id identity.Identity) (gate.Usage, error)
	InvalidateUser(userID string)
}

// SubscriptionService reads and mutates subscription state.
type SubscriptionService interface {
	GetActive(ctx context.Context, userID string) (*subscription.Subscription, error)
	UpdateOwnKey(ctx context.Context, userID string, useOwnKey bool, apiKey string) (*subscription.Subscription, error)
	ApplyEvent(ctx context.Context, ev subscription.Event) (string, error)
}

// Analyzer sends a gated request upstream.
type Analyzer interface {
	Messages(ctx context.Context, apiKey string, req anthropic.Request) (json.RawMessage, error)
}

// WriteError maps gate errors to responses without leaking internal text.
func WriteError(c *gin.Context, err error) {
	var quotaErr *gate.QuotaExceededError
	switch {
	case errors.Is(err, gate.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization token"})
	case errors.Is(err, gate.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
	case errors.As(err, &quotaErr) && quotaErr.Unavailable:
		c.JSON(http.StatusForbidden, gin.H{
			"error":     "model not available on your plan",
			"model":     quotaErr.Model,
			"limit":     quotaErr.Limit,
			"used":      quotaErr.Used,
			"resetDate": quotaErr.ResetDate.UTC().Format(time.RFC3339),
		})
	case errors.As(err, &quotaErr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":     "monthly usage limit reached",
			"model":     quotaErr.Model,
			"limit":     quotaErr.Limit,
			"used":      quotaErr.Used,
			"resetDate": quotaErr.ResetDate.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, gate.ErrUpstreamUnavailable):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
	default:
		log.WithError(err).Error("front: unhandled error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// failureReason is the telemetry label for err.
func failureReason(err error) string {
	switch {
	case errors.Is(err, gate.ErrUnauthenticated), errors.Is(err, gate.ErrInvalidToken):
		return "unauthenticated"
	case errors.Is(err, gate.ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, gate.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, gate.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "internal_error"
	}
}

func callerFrom(c *gin.Context) (identity.Identity, bool) {
	return identity.FromContext(c.Request.Context())
}
