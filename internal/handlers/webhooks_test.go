package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/services"
)

const stripeTestSecret = "whsec_handler_secret"

func signStripePayload(t *testing.T, payload string) string {
	t.Helper()
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(stripeTestSecret))
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func stripeEventBody(eventType, object string) string {
	return fmt.Sprintf(`{
		"id": "evt_handler",
		"object": "event",
		"api_version": %q,
		"type": %q,
		"data": {"object": %s}
	}`, stripe.APIVersion, eventType, object)
}

func newWebhookRouter(t *testing.T, orders services.OrderService, opts ...WebhookOption) chi.Router {
	t.Helper()
	parser, err := payments.NewStripeWebhookParser(stripeTestSecret)
	if err != nil {
		t.Fatalf("NewStripeWebhookParser: %v", err)
	}
	router := chi.NewRouter()
	router.Route("/webhooks", NewWebhookHandlers(parser, orders, opts...).Routes)
	return router
}

func TestWebhookHandlersPaymentSucceeded(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	var captured services.UpdatePaymentStatusCommand
	service := &stubOrderService{
		paymentFn: func(ctx context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.PaymentStatus = domain.PaymentStatusPaid
			return order, nil
		},
	}

	router := newWebhookRouter(t, service)

	payload := stripeEventBody("payment_intent.succeeded", `{
		"id": "pi_123",
		"object": "payment_intent",
		"amount": 59000,
		"currency": "usd",
		"metadata": {"orderId": "ord_123"}
	}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signStripePayload(t, payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_123" {
		t.Fatalf("expected order ord_123, got %q", captured.OrderID)
	}
	if captured.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected paid status, got %s", captured.Status)
	}
	if captured.Actor != webhookActor {
		t.Fatalf("expected webhook actor, got %q", captured.Actor)
	}
}

func TestWebhookHandlersPaymentFailed(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	var captured services.UpdatePaymentStatusCommand
	service := &stubOrderService{
		paymentFn: func(ctx context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(now), nil
		},
	}

	router := newWebhookRouter(t, service)

	payload := stripeEventBody("payment_intent.payment_failed", `{
		"id": "pi_456",
		"object": "payment_intent",
		"metadata": {"orderId": "ord_123"}
	}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signStripePayload(t, payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed status, got %s", captured.Status)
	}
}

func TestWebhookHandlersRejectsBadSignature(t *testing.T) {
	router := newWebhookRouter(t, &stubOrderService{})

	payload := stripeEventBody("payment_intent.succeeded", `{"id": "pi_1", "object": "payment_intent"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestWebhookHandlersAcknowledgesIgnoredEvents(t *testing.T) {
	service := &stubOrderService{
		paymentFn: func(ctx context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
			t.Fatal("payment update must not run for ignored events")
			return services.Order{}, nil
		},
	}

	router := newWebhookRouter(t, service)

	payload := stripeEventBody("customer.created", `{"id": "cus_1", "object": "customer"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signStripePayload(t, payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestWebhookHandlersAcknowledgesMissingOrder(t *testing.T) {
	var logged []string
	logger := func(ctx context.Context, event string, fields map[string]any) {
		logged = append(logged, event)
	}

	router := newWebhookRouter(t, &stubOrderService{}, WithWebhookLogger(logger))

	payload := stripeEventBody("payment_intent.succeeded", `{
		"id": "pi_789",
		"object": "payment_intent",
		"metadata": {}
	}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signStripePayload(t, payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(logged) != 1 || logged[0] != "webhook.stripe.missing_order" {
		t.Fatalf("expected missing order log, got %v", logged)
	}
}

func TestWebhookHandlersAcknowledgesInvalidStateTransitions(t *testing.T) {
	service := &stubOrderService{
		paymentFn: func(ctx context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidState
		},
	}

	var logged []string
	logger := func(ctx context.Context, event string, fields map[string]any) {
		logged = append(logged, event)
	}

	router := newWebhookRouter(t, service, WithWebhookLogger(logger))

	payload := stripeEventBody("charge.refunded", `{
		"id": "ch_1",
		"object": "charge",
		"amount_refunded": 59000,
		"currency": "usd",
		"metadata": {"orderId": "ord_123"},
		"payment_intent": "pi_1"
	}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signStripePayload(t, payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(logged) != 1 || logged[0] != "webhook.stripe.dropped" {
		t.Fatalf("expected dropped log, got %v", logged)
	}
}
