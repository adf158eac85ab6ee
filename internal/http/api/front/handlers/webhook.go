package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/subscription"
	log "github.com/sirupsen/logrus"
)

const maxWebhookBody = 64 << 10

// WebhookHandler applies payment provider events to subscription state.
type WebhookHandler struct {
	store  SubscriptionService
	gate   Gatekeeper
	secret string
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(store SubscriptionService, gk Gatekeeper, secret string) *WebhookHandler {
	return &WebhookHandler{store: store, gate: gk, secret: strings.TrimSpace(secret)}
}

// Stripe verifies and applies one Stripe webhook delivery.
func (h *WebhookHandler) Stripe(c *gin.Context) {
	if h.secret == "" || h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook not configured"})
		return
	}
	payload, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}

	ev, handled, errParse := subscription.ParseStripeEvent(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if errParse != nil {
		log.WithError(errParse).Warn("webhook: rejected delivery")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}
	if !handled {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	userID, errApply := h.store.ApplyEvent(c.Request.Context(), ev)
	switch {
	case errors.Is(errApply, subscription.ErrNotFound), errors.Is(errApply, subscription.ErrInvalidEvent):
		log.WithError(errApply).WithFields(log.Fields{
			"kind":            ev.Kind,
			"subscription_id": ev.SubscriptionID,
		}).Warn("webhook: event not applied")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	case errApply != nil:
		log.WithError(errApply).WithField("subscription_id", ev.SubscriptionID).Error("webhook: apply failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "apply event failed"})
		return
	}

	if h.gate != nil {
		h.gate.InvalidateUser(userID)
	}
	log.WithFields(log.Fields{
		"kind":            ev.Kind,
		"user_id":         userID,
		"subscription_id": ev.SubscriptionID,
	}).Info("webhook: subscription updated")
	c.JSON(http.StatusOK, gin.H{"received": true})
}
