package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

const testWebhookSecret = "whsec_test_secret"

func signWebhookPayload(t *testing.T, payload []byte) string {
	t.Helper()
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func webhookEventPayload(eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_test",
		"object": "event",
		"api_version": %q,
		"type": %q,
		"data": {"object": %s}
	}`, stripe.APIVersion, eventType, object))
}

func TestStripeWebhookParserPaymentIntentSucceeded(t *testing.T) {
	parser, err := NewStripeWebhookParser(testWebhookSecret)
	if err != nil {
		t.Fatalf("NewStripeWebhookParser: %v", err)
	}

	payload := webhookEventPayload("payment_intent.succeeded", `{
		"id": "pi_123",
		"object": "payment_intent",
		"amount": 59000,
		"currency": "usd",
		"metadata": {"orderId": "ord_abc"}
	}`)

	event, err := parser.Parse(payload, signWebhookPayload(t, payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if event.Status != StatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", event.Status)
	}
	if event.OrderID != "ord_abc" {
		t.Fatalf("expected order id from metadata, got %q", event.OrderID)
	}
	if event.IntentID != "pi_123" {
		t.Fatalf("expected intent id, got %q", event.IntentID)
	}
	if event.Amount != 59000 || event.Currency != "USD" {
		t.Fatalf("unexpected amount or currency: %d %s", event.Amount, event.Currency)
	}
}

func TestStripeWebhookParserPaymentIntentFailed(t *testing.T) {
	parser, err := NewStripeWebhookParser(testWebhookSecret)
	if err != nil {
		t.Fatalf("NewStripeWebhookParser: %v", err)
	}

	payload := webhookEventPayload("payment_intent.payment_failed", `{
		"id": "pi_456",
		"object": "payment_intent",
		"amount": 12000,
		"currency": "usd",
		"metadata": {"orderId": "ord_def"}
	}`)

	event, err := parser.Parse(payload, signWebhookPayload(t, payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if event.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", event.Status)
	}
	if event.OrderID != "ord_def" {
		t.Fatalf("expected order id from metadata, got %q", event.OrderID)
	}
}

func TestStripeWebhookParserChargeRefunded(t *testing.T) {
	parser, err := NewStripeWebhookParser(testWebhookSecret)
	if err != nil {
		t.Fatalf("NewStripeWebhookParser: %v", err)
	}

	payload := webhookEventPayload("charge.refunded", `{
		"id": "ch_789",
		"object": "charge",
		"amount_refunded": 59000,
		"currency": "usd",
		"metadata": {"orderId": "ord_ghi"},
		"payment_intent": "pi_789"
	}`)

	event, err := parser.Parse(payload, signWebhookPayload(t, payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if event.Status != StatusRefunded {
		t.Fatalf("expected refunded status, got %s", event.Status)
	}
	if event.IntentID != "pi_789" {
		t.Fatalf("expected intent id from expandable field, got %q", event.IntentID)
	}
	if event.Amount != 59000 {
		t.Fatalf("expected refunded amount, got %d", event.Amount)
	}
}

func TestStripeWebhookParserIgnoresUnrelatedEvents(t *testing.T) {
	parser, err := NewStripeWebhookParser(testWebhookSecret)
	if err != nil {
		t.Fatalf("NewStripeWebhookParser: %v", err)
	}

	payload := webhookEventPayload("customer.created", `{"id": "cus_1", "object": "customer"}`)

	if _, err := parser.Parse(payload, signWebhookPayload(t, payload)); !errors.Is(err, ErrWebhookIgnored) {
		t.Fatalf("expected ignored event error, got %v", err)
	}
}

func TestStripeWebhookParserRejectsBadSignature(t *testing.T) {
	parser, err := NewStripeWebhookParser(testWebhookSecret)
	if err != nil {
		t.Fatalf("NewStripeWebhookParser: %v", err)
	}

	payload := webhookEventPayload("payment_intent.succeeded", `{"id": "pi_1", "object": "payment_intent"}`)

	if _, err := parser.Parse(payload, "t=1,v1=deadbeef"); !errors.Is(err, ErrWebhookSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestNewStripeWebhookParserRequiresSecret(t *testing.T) {
	if _, err := NewStripeWebhookParser("  "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
