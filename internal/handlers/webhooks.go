package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/platform/httpx"
	"github.com/ferncart/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

const webhookActor = "stripe-webhook"

type webhookAckResponse struct {
	Received bool `json:"received"`
}

// WebhookHandlers receives asynchronous payment notifications from the PSP
// and folds them back into the order lifecycle.
type WebhookHandlers struct {
	parser *payments.StripeWebhookParser
	orders services.OrderService
	logger func(ctx context.Context, event string, fields map[string]any)
}

// WebhookOption customises the webhook handlers.
type WebhookOption func(*WebhookHandlers)

// WithWebhookLogger overrides the structured logger used for dropped deliveries.
func WithWebhookLogger(logger func(ctx context.Context, event string, fields map[string]any)) WebhookOption {
	return func(h *WebhookHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(parser *payments.StripeWebhookParser, orders services.OrderService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		parser: parser,
		orders: orders,
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the webhook endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.parser == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		}
		return
	}

	event, err := h.parser.Parse(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrWebhookSignature):
			httpx.WriteError(ctx, w, httpx.NewError("webhook_signature_invalid", "webhook signature verification failed", http.StatusBadRequest))
		case errors.Is(err, payments.ErrWebhookIgnored):
			// Acknowledge event types we do not act on so the PSP stops retrying.
			writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload could not be decoded", http.StatusBadRequest))
		}
		return
	}

	if strings.TrimSpace(event.OrderID) == "" {
		h.logger(ctx, "webhook.stripe.missing_order", map[string]any{
			"eventId":   event.ID,
			"eventType": event.Type,
			"intentId":  event.IntentID,
		})
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
		return
	}

	status, ok := paymentStatusFromWebhook(event.Status)
	if !ok {
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
		return
	}

	_, err = h.orders.UpdatePaymentStatus(ctx, services.UpdatePaymentStatusCommand{
		OrderID: event.OrderID,
		Status:  status,
		Actor:   webhookActor,
		Note:    "stripe event " + event.Type,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrOrderInvalidState):
			// Retrying cannot fix an unknown order or an out-of-order delivery.
			h.logger(ctx, "webhook.stripe.dropped", map[string]any{
				"eventId":   event.ID,
				"eventType": event.Type,
				"orderId":   event.OrderID,
				"error":     err.Error(),
			})
			writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
		default:
			httpx.WriteError(ctx, w, httpx.NewError("webhook_processing_failed", "failed to apply payment update", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
}

func paymentStatusFromWebhook(status payments.Status) (domain.PaymentStatus, bool) {
	switch status {
	case payments.StatusSucceeded:
		return domain.PaymentStatusPaid, true
	case payments.StatusFailed:
		return domain.PaymentStatusFailed, true
	case payments.StatusRefunded:
		return domain.PaymentStatusRefunded, true
	case payments.StatusPending:
		return domain.PaymentStatusPending, true
	default:
		return "", false
	}
}
