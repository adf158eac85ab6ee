package handlers

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/identity"
	"github.com/linkedai/assist-backend/internal/quota"
	"github.com/linkedai/assist-backend/internal/subscription"
	log "github.com/sirupsen/logrus"
)

// UserHandler manages a single user's plan and usage.
type UserHandler struct {
	subs  SubscriptionAdmin
	gate  Gate
	nowFn func() time.Time
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(subs SubscriptionAdmin, gk Gate, nowFn func() time.Time) *UserHandler {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &UserHandler{subs: subs, gate: gk, nowFn: nowFn}
}

// grantRequest captures a manual plan grant.
type grantRequest struct {
	Tier      string     `json:"tier"`      // trial or pro.
	PeriodEnd *time.Time `json:"periodEnd"` // Optional end of the granted period.
}

// Usage returns the user's current-period counters without incrementing them.
func (h *UserHandler) Usage(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	usage, errUsage := h.gate.UsageFor(c.Request.Context(), identity.Identity{UserID: userID})
	if errUsage != nil {
		log.WithError(errUsage).WithField("user_id", userID).Warn("admin: usage lookup failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage unavailable"})
		return
	}

	names := make([]string, 0, len(usage.Models))
	for name := range usage.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	models := make([]gin.H, 0, len(names))
	for _, name := range names {
		entry := usage.Models[name]
		models = append(models, gin.H{
			"model":     name,
			"used":      entry.Used,
			"limit":     entry.Limit,
			"unlimited": entry.Unlimited,
			"available": entry.Available,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":        userID,
		"tier":          string(usage.Tier),
		"useOwnApiKey":  usage.OwnKey,
		"nextResetDate": usage.ResetDate.UTC().Format(time.RFC3339),
		"models":        models,
	})
}

// Subscription returns the user's live subscription.
func (h *UserHandler) Subscription(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	sub, errGet := h.subs.GetActive(c.Request.Context(), userID)
	if errGet != nil {
		log.WithError(errGet).WithField("user_id", userID).Error("admin: subscription lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if sub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, formatSubscription(sub))
}

// Grant creates a self-managed live subscription, replacing any self-managed one.
// Stripe-backed subscriptions are owned by the payment events and are left alone.
func (h *UserHandler) Grant(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	var body grantRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	tier, ok := quota.ParseTier(body.Tier)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tier"})
		return
	}
	now := h.nowFn().UTC()
	if body.PeriodEnd != nil && !body.PeriodEnd.After(now) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "periodEnd must be in the future"})
		return
	}

	ctx := c.Request.Context()
	existing, errGet := h.subs.GetActive(ctx, userID)
	if errGet != nil {
		log.WithError(errGet).WithField("user_id", userID).Error("admin: subscription lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if isStripeBacked(existing) {
		c.JSON(http.StatusConflict, gin.H{"error": "subscription is managed by stripe"})
		return
	}

	sub := &subscription.Subscription{
		UserID:      userID,
		Tier:        tier,
		Status:      subscription.StatusActive,
		Billing:     subscription.SelfManaged{},
		PeriodStart: &now,
		PeriodEnd:   body.PeriodEnd,
	}
	if existing != nil && tier == quota.TierPro {
		sub.UseOwnKey = existing.UseOwnKey
		sub.OwnKey = existing.OwnKey
	}
	if errUpsert := h.subs.Upsert(ctx, sub); errUpsert != nil {
		if errors.Is(errUpsert, subscription.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "concurrent subscription change"})
			return
		}
		log.WithError(errUpsert).WithField("user_id", userID).Error("admin: grant subscription failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "grant failed"})
		return
	}
	h.gate.InvalidateUser(userID)
	log.WithFields(log.Fields{"user_id": userID, "tier": tier}).Info("admin: subscription granted")
	c.JSON(http.StatusCreated, formatSubscription(sub))
}

// Revoke cancels the user's self-managed live subscription.
func (h *UserHandler) Revoke(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	ctx := c.Request.Context()
	existing, errGet := h.subs.GetActive(ctx, userID)
	if errGet != nil {
		log.WithError(errGet).WithField("user_id", userID).Error("admin: subscription lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if isStripeBacked(existing) {
		c.JSON(http.StatusConflict, gin.H{"error": "subscription is managed by stripe"})
		return
	}

	existing.Status = subscription.StatusCanceled
	if errUpsert := h.subs.Upsert(ctx, existing); errUpsert != nil {
		if errors.Is(errUpsert, subscription.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "concurrent subscription change"})
			return
		}
		log.WithError(errUpsert).WithField("user_id", userID).Error("admin: revoke subscription failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke failed"})
		return
	}
	h.gate.InvalidateUser(userID)
	log.WithField("user_id", userID).Info("admin: subscription revoked")
	c.JSON(http.StatusOK, formatSubscription(existing))
}

// Invalidate drops the user's cached tier.
func (h *UserHandler) Invalidate(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	h.gate.InvalidateUser(userID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func isStripeBacked(sub *subscription.Subscription) bool {
	return sub != nil && sub.Billing != nil && sub.Billing.Source() == subscription.SourceStripe
}
