package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// ErrInvalidSignature indicates a webhook payload failed verification.
var ErrInvalidSignature = errors.New("subscription: webhook signature verification failed")

// ParseStripeEvent verifies a Stripe webhook payload and translates it. The
// bool result is false for event types that do not affect subscriptions.
func ParseStripeEvent(payload []byte, signature, secret string) (Event, bool, error) {
	event, err := webhook.ConstructEventWithOptions(
		payload,
		signature,
		secret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		return Event{}, false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if errUnmarshal := json.Unmarshal(event.Data.Raw, &sess); errUnmarshal != nil {
			return Event{}, false, fmt.Errorf("%w: session payload: %v", ErrInvalidEvent, errUnmarshal)
		}
		ev := Event{
			Kind:   EventCheckoutCompleted,
			UserID: strings.TrimSpace(sess.ClientReferenceID),
		}
		if sess.Customer != nil {
			ev.CustomerID = sess.Customer.ID
		}
		if sess.Subscription != nil {
			ev.SubscriptionID = sess.Subscription.ID
			if sess.Subscription.Status != "" {
				ev.Status = mapStripeStatus(sess.Subscription)
				ev.PeriodStart = unixPtr(sess.Subscription.CurrentPeriodStart)
				ev.PeriodEnd = unixPtr(sess.Subscription.CurrentPeriodEnd)
			}
		}
		return ev, true, nil
	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if errUnmarshal := json.Unmarshal(event.Data.Raw, &sub); errUnmarshal != nil {
			return Event{}, false, fmt.Errorf("%w: subscription payload: %v", ErrInvalidEvent, errUnmarshal)
		}
		ev := Event{
			Kind:           EventSubscriptionUpdated,
			SubscriptionID: sub.ID,
			Status:         mapStripeStatus(&sub),
			PeriodStart:    unixPtr(sub.CurrentPeriodStart),
			PeriodEnd:      unixPtr(sub.CurrentPeriodEnd),
		}
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		if event.Type == "customer.subscription.deleted" {
			ev.Kind = EventSubscriptionDeleted
			ev.Status = StatusCanceled
		}
		return ev, true, nil
	default:
		return Event{}, false, nil
	}
}

// mapStripeStatus folds Stripe's lifecycle into ours. An empty result keeps
// the stored status (past_due, incomplete, paused).
func mapStripeStatus(sub *stripe.Subscription) Status {
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		if sub.CancelAtPeriodEnd {
			return StatusCanceling
		}
		return StatusActive
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return StatusCanceled
	default:
		return ""
	}
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
