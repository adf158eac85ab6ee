package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/linkedai/assist-backend/internal/gate"
	"github.com/linkedai/assist-backend/internal/identity"
	"github.com/linkedai/assist-backend/internal/quota"
	"github.com/linkedai/assist-backend/internal/subscription"
)

// QuotaStore reads and replaces the quota table.
type QuotaStore interface {
	Load(ctx context.Context) quota.Table
	Save(ctx context.Context, tier quota.Tier, raw json.RawMessage) (map[string]int, error)
}

// Gate is the gate surface used by the operator API.
type Gate interface {
	UsageFor(ctx context.Context, id identity.Identity) (gate.Usage, error)
	InvalidateUser(userID string)
	InvalidateQuotas()
}

// SubscriptionAdmin reads and writes subscription records.
type SubscriptionAdmin interface {
	GetActive(ctx context.Context, userID string) (*subscription.Subscription, error)
	Upsert(ctx context.Context, sub *subscription.Subscription) error
}

// userIDParam returns the canonical user id path parameter.
func userIDParam(c *gin.Context) (string, bool) {
	parsed, errParse := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if errParse != nil {
		return "", false
	}
	return parsed.String(), true
}

func formatSubscription(sub *subscription.Subscription) gin.H {
	out := gin.H{
		"id":                 sub.ID,
		"userId":             sub.UserID,
		"tier":               string(sub.Tier),
		"status":             string(sub.Status),
		"useOwnApiKey":       sub.UseOwnKey,
		"hasOwnApiKey":       strings.TrimSpace(sub.OwnKey) != "",
		"currentPeriodStart": formatTime(sub.PeriodStart),
		"currentPeriodEnd":   formatTime(sub.PeriodEnd),
		"createdAt":          sub.CreatedAt.UTC().Format(time.RFC3339),
	}
	if sub.Billing != nil {
		out["source"] = string(sub.Billing.Source())
	}
	if stripe, ok := sub.Billing.(subscription.StripeBacked); ok {
		out["stripeSubscriptionId"] = stripe.SubscriptionID
		out["stripeCustomerId"] = stripe.CustomerID
	}
	return out
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
