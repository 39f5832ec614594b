package payments

import (
	"context"
	"errors"
	"time"
)

// Status is the normalised payment state shared across providers.
type Status string

const (
	// StatusPending means the payment awaits customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded means the PSP captured the payment.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the PSP reports a terminal failure.
	StatusFailed Status = "failed"
	// StatusRefunded means the payment was refunded, partially or fully.
	StatusRefunded Status = "refunded"
)

// ErrUnsupportedProvider is returned when no registered provider matches.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// CheckoutLineItem is one order line forwarded to the checkout session.
type CheckoutLineItem struct {
	Name     string
	SKU      string
	Quantity int64
	Amount   int64
	Currency string
}

// CheckoutSessionRequest is the payload for creating a checkout session.
// Amount is the order total in minor units.
type CheckoutSessionRequest struct {
	Amount         int64
	Currency       string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []CheckoutLineItem
}

// CheckoutSession is the PSP session handed back to the client.
type CheckoutSession struct {
	ID           string
	Provider     string
	ClientSecret string
	RedirectURL  string
	IntentID     string
	ExpiresAt    time.Time
}

// RefundRequest asks the PSP to refund an intent. A nil Amount refunds the
// full captured amount.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// LookupRequest fetches provider-side payment details for reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises PSP-specific payment state for storage.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
	RefundedAt *time.Time
}

// Provider is the contract a PSP adapter implements.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}
