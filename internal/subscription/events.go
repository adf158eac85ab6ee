package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linkedai/assist-backend/internal/quota"
	log "github.com/sirupsen/logrus"
)

// EventKind names a payment event that mutates subscription state.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
)

// ErrInvalidEvent indicates a payment event missing required fields.
var ErrInvalidEvent = errors.New("subscription: invalid payment event")

// Event is a payment-provider-neutral subscription change.
type Event struct {
	Kind           EventKind
	UserID         string // checkout only
	SubscriptionID string
	CustomerID     string
	Status         Status // empty keeps the stored status
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
}

// ApplyEvent mutates state for ev and returns the affected user id.
func (s *GormStore) ApplyEvent(ctx context.Context, ev Event) (string, error) {
	if strings.TrimSpace(ev.SubscriptionID) == "" {
		return "", fmt.Errorf("%w: missing subscription id", ErrInvalidEvent)
	}
	switch ev.Kind {
	case EventCheckoutCompleted:
		return s.applyCheckout(ctx, ev)
	case EventSubscriptionUpdated:
		return s.applyUpdate(ctx, ev)
	case EventSubscriptionDeleted:
		ev.Status = StatusCanceled
		return s.applyUpdate(ctx, ev)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
}

func (s *GormStore) applyCheckout(ctx context.Context, ev Event) (string, error) {
	userID := strings.TrimSpace(ev.UserID)
	if userID == "" {
		return "", fmt.Errorf("%w: missing client reference id", ErrInvalidEvent)
	}
	existing, errFind := s.FindByStripeID(ctx, ev.SubscriptionID)
	if errFind == nil {
		// Redelivered checkout for a record we already created.
		return existing.UserID, s.advance(ctx, existing, ev)
	}
	if !errors.Is(errFind, ErrNotFound) {
		return "", errFind
	}

	status := ev.Status
	if status == "" {
		status = StatusActive
	}
	sub := &Subscription{
		UserID:      userID,
		Tier:        quota.TierPro,
		Status:      status,
		Billing:     StripeBacked{CustomerID: ev.CustomerID, SubscriptionID: ev.SubscriptionID},
		PeriodStart: ev.PeriodStart,
		PeriodEnd:   ev.PeriodEnd,
	}
	if errUpsert := s.Upsert(ctx, sub); errUpsert != nil {
		return "", errUpsert
	}
	return userID, nil
}

func (s *GormStore) applyUpdate(ctx context.Context, ev Event) (string, error) {
	existing, errFind := s.FindByStripeID(ctx, ev.SubscriptionID)
	if errFind != nil {
		return "", errFind
	}
	return existing.UserID, s.advance(ctx, existing, ev)
}

func (s *GormStore) advance(ctx context.Context, existing *Subscription, ev Event) error {
	if ev.Status != "" {
		if CanTransition(existing.Status, ev.Status) {
			existing.Status = ev.Status
		} else {
			log.WithFields(log.Fields{
				"subscription_id": ev.SubscriptionID,
				"from":            existing.Status,
				"to":              ev.Status,
			}).Info("subscription: ignoring backwards status change")
		}
	}
	if ev.PeriodStart != nil {
		existing.PeriodStart = ev.PeriodStart
	}
	if ev.PeriodEnd != nil {
		existing.PeriodEnd = ev.PeriodEnd
	}
	if stripe, ok := existing.Billing.(StripeBacked); ok && stripe.CustomerID == "" && ev.CustomerID != "" {
		stripe.CustomerID = ev.CustomerID
		existing.Billing = stripe
	}
	return s.Upsert(ctx, existing)
}
