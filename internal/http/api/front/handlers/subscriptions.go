package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/quota"
	"github.com/linkedai/assist-backend/internal/subscription"
	"github.com/linkedai/assist-backend/internal/telemetry"
	log "github.com/sirupsen/logrus"
)

// SubscriptionHandler serves subscription status and own-key preferences.
type SubscriptionHandler struct {
	store   SubscriptionService
	gate    Gatekeeper
	tracker *telemetry.Tracker
}

// NewSubscriptionHandler constructs a SubscriptionHandler.
func NewSubscriptionHandler(store SubscriptionService, gk Gatekeeper, tracker *telemetry.Tracker) *SubscriptionHandler {
	return &SubscriptionHandler{store: store, gate: gk, tracker: tracker}
}

// Status returns the caller's plan and live subscription, if any.
func (h *SubscriptionHandler) Status(c *gin.Context) {
	caller, _ := callerFrom(c)
	call := h.tracker.Start(caller.UserID, "subscription_status", nil)

	sub, errGet := h.store.GetActive(c.Request.Context(), caller.UserID)
	if errGet != nil {
		log.WithError(errGet).WithField("user_id", caller.UserID).Warn("subscription status: lookup failed")
		call.Failure("lookup failed", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error getting subscription details"})
		return
	}

	tier := quota.TierTrial
	if sub.Consistent() && sub.Live() {
		tier = sub.Tier
	}
	call.Success(map[string]any{
		"subscription_type":       string(tier),
		"has_active_subscription": sub != nil,
		"use_own_api_key":         sub.OwnKeyActive(),
	})

	var details gin.H
	if sub != nil {
		details = gin.H{
			"id":                 subscriptionRef(sub),
			"status":             string(sub.Status),
			"source":             sourceOf(sub),
			"currentPeriodStart": formatTime(sub.PeriodStart),
			"currentPeriodEnd":   formatTime(sub.PeriodEnd),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"subscriptionType":      string(tier),
		"hasActiveSubscription": sub != nil,
		"useOwnApiKey":          sub.OwnKeyActive(),
		"subscription":          details,
	})
}

type updateAPIKeyRequest struct {
	APIKey    string `json:"apiKey"`
	UseOwnKey bool   `json:"useOwnKey"`
}

// UpdateAPIKey stores the caller's own upstream key preference. Pro only.
func (h *SubscriptionHandler) UpdateAPIKey(c *gin.Context) {
	caller, _ := callerFrom(c)
	call := h.tracker.Start(caller.UserID, "update_api_key", nil)

	var body updateAPIKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		call.Failure("invalid body", nil)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sub, errUpdate := h.store.UpdateOwnKey(c.Request.Context(), caller.UserID, body.UseOwnKey, body.APIKey)
	switch {
	case errors.Is(errUpdate, subscription.ErrOwnKeyRequired):
		call.Failure("api key required", nil)
		c.JSON(http.StatusBadRequest, gin.H{"error": "API key is required when useOwnKey is true"})
		return
	case errors.Is(errUpdate, subscription.ErrNotPro):
		call.Failure("not pro", nil)
		c.JSON(http.StatusForbidden, gin.H{"error": "Only Pro users can use their own API key"})
		return
	case errUpdate != nil:
		log.WithError(errUpdate).WithField("user_id", caller.UserID).Error("update api key: store failed")
		call.Failure("store failed", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error updating API key settings"})
		return
	}

	h.gate.InvalidateUser(caller.UserID)
	call.Success(map[string]any{"use_own_api_key": sub.OwnKeyActive()})
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"useOwnApiKey": sub.OwnKeyActive(),
	})
}

func subscriptionRef(sub *subscription.Subscription) any {
	if stripe, ok := sub.Billing.(subscription.StripeBacked); ok && stripe.SubscriptionID != "" {
		return stripe.SubscriptionID
	}
	return sub.ID
}

func sourceOf(sub *subscription.Subscription) string {
	if sub.Billing == nil {
		return ""
	}
	return string(sub.Billing.Source())
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
