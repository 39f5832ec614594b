package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

var (
	// ErrWebhookSignature indicates the payload signature did not verify.
	ErrWebhookSignature = errors.New("payments: webhook signature invalid")
	// ErrWebhookIgnored indicates the event type carries no payment state change.
	ErrWebhookIgnored = errors.New("payments: webhook event ignored")
)

// WebhookEvent is the normalised payment state change extracted from a PSP
// webhook payload. OrderID comes from the metadata attached when the
// checkout session was created.
type WebhookEvent struct {
	ID       string
	Type     string
	OrderID  string
	IntentID string
	Status   Status
	Amount   int64
	Currency string
}

// StripeWebhookParser verifies and decodes Stripe webhook deliveries.
type StripeWebhookParser struct {
	secret string
}

// NewStripeWebhookParser validates the endpoint secret and returns a parser.
func NewStripeWebhookParser(secret string) (*StripeWebhookParser, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: webhook secret is required")
	}
	return &StripeWebhookParser{secret: secret}, nil
}

// Parse verifies the Stripe-Signature header against the raw payload and
// maps supported event types onto a WebhookEvent. Unsupported types return
// ErrWebhookIgnored so callers can acknowledge them without acting.
func (p *StripeWebhookParser) Parse(payload []byte, signatureHeader string) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("payments: webhook parser is nil")
	}

	event, err := webhook.ConstructEvent(payload, signatureHeader, p.secret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("payments: decode payment intent: %w", err)
		}
		status := StatusPending
		switch event.Type {
		case "payment_intent.succeeded":
			status = StatusSucceeded
		case "payment_intent.payment_failed", "payment_intent.canceled":
			status = StatusFailed
		}
		return WebhookEvent{
			ID:       event.ID,
			Type:     string(event.Type),
			OrderID:  intent.Metadata["orderId"],
			IntentID: intent.ID,
			Status:   status,
			Amount:   intent.Amount,
			Currency: strings.ToUpper(string(intent.Currency)),
		}, nil

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return WebhookEvent{}, fmt.Errorf("payments: decode charge: %w", err)
		}
		intentID := ""
		if charge.PaymentIntent != nil {
			intentID = charge.PaymentIntent.ID
		}
		return WebhookEvent{
			ID:       event.ID,
			Type:     string(event.Type),
			OrderID:  charge.Metadata["orderId"],
			IntentID: intentID,
			Status:   StatusRefunded,
			Amount:   charge.AmountRefunded,
			Currency: strings.ToUpper(string(charge.Currency)),
		}, nil
	}

	return WebhookEvent{}, fmt.Errorf("%w: %s", ErrWebhookIgnored, event.Type)
}
