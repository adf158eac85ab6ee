package subscription

import (
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

const testWebhookSecret = "whsec_test"

func signed(t *testing.T, payload string) ([]byte, string) {
	t.Helper()
	out := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return out.Payload, out.Header
}

func TestParseStripeEventCheckout(t *testing.T) {
	payload, header := signed(t, `{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"client_reference_id": "user-1",
			"customer": "cus_1",
			"subscription": "sub_1"
		}}
	}`)
	ev, ok, err := ParseStripeEvent(payload, header, testWebhookSecret)
	if err != nil || !ok {
		t.Fatalf("expected handled event, ok=%v err=%v", ok, err)
	}
	if ev.Kind != EventCheckoutCompleted || ev.UserID != "user-1" || ev.SubscriptionID != "sub_1" || ev.CustomerID != "cus_1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestParseStripeEventSubscriptionUpdated(t *testing.T) {
	payload, header := signed(t, `{
		"id": "evt_2",
		"object": "event",
		"type": "customer.subscription.updated",
		"data": {"object": {
			"id": "sub_1",
			"object": "subscription",
			"customer": "cus_1",
			"status": "active",
			"cancel_at_period_end": true,
			"current_period_start": 1743465600,
			"current_period_end": 1746057600
		}}
	}`)
	ev, ok, err := ParseStripeEvent(payload, header, testWebhookSecret)
	if err != nil || !ok {
		t.Fatalf("expected handled event, ok=%v err=%v", ok, err)
	}
	if ev.Kind != EventSubscriptionUpdated || ev.Status != StatusCanceling {
		t.Fatalf("expected canceling update, got %+v", ev)
	}
	if ev.PeriodEnd == nil || !ev.PeriodEnd.Equal(time.Unix(1746057600, 0)) {
		t.Fatalf("unexpected period end %v", ev.PeriodEnd)
	}
}

func TestParseStripeEventDeletedAndIgnored(t *testing.T) {
	payload, header := signed(t, `{"id":"evt_3","object":"event","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","object":"subscription","status":"active"}}}`)
	ev, ok, err := ParseStripeEvent(payload, header, testWebhookSecret)
	if err != nil || !ok || ev.Kind != EventSubscriptionDeleted || ev.Status != StatusCanceled {
		t.Fatalf("expected deleted event, got %+v ok=%v err=%v", ev, ok, err)
	}

	payload, header = signed(t, `{"id":"evt_4","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1","object":"invoice"}}}`)
	if _, ok, err = ParseStripeEvent(payload, header, testWebhookSecret); err != nil || ok {
		t.Fatalf("expected ignored event, ok=%v err=%v", ok, err)
	}
}

func TestParseStripeEventBadSignature(t *testing.T) {
	payload, header := signed(t, `{"id":"evt_5","object":"event","type":"invoice.paid","data":{"object":{}}}`)
	if _, _, err := ParseStripeEvent(payload, header, "whsec_other"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}
