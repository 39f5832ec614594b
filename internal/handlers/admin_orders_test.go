package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/services"
)

type refundingProvider struct {
	details payments.PaymentDetails
	err     error
	request payments.RefundRequest
}

func (p *refundingProvider) CreateCheckoutSession(context.Context, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	return payments.CheckoutSession{}, nil
}

func (p *refundingProvider) Refund(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error) {
	p.request = req
	return p.details, p.err
}

func (p *refundingProvider) LookupPayment(context.Context, payments.LookupRequest) (payments.PaymentDetails, error) {
	return p.details, p.err
}

func newAdminRouter(handler *AdminOrderHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/admin/orders", handler.Routes)
	return router
}

func TestAdminOrderHandlersListAllOrders(t *testing.T) {
	now := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)

	var captured services.OrderListFilter
	service := &stubOrderService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.Page[services.Order], error) {
			captured = filter
			return domain.Page[services.Order]{Items: []services.Order{sampleOrder(now)}, Page: 1, PageSize: 20}, nil
		},
	}

	router := newAdminRouter(NewAdminOrderHandlers(nil, service, nil))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/admin/orders/?user_id=user-9&status=pending", nil), "staff-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-9" {
		t.Fatalf("expected user_id filter user-9, got %q", captured.UserID)
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.OrderStatusPending {
		t.Fatalf("unexpected status filters: %#v", captured.Status)
	}
}

func TestAdminOrderHandlersGetOrderUnscoped(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		getFn: func(ctx context.Context, userID, orderID string) (services.Order, error) {
			if userID != "" {
				t.Fatalf("expected unscoped lookup, got user %q", userID)
			}
			return sampleOrder(now), nil
		},
	}

	router := newAdminRouter(NewAdminOrderHandlers(nil, service, nil))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/admin/orders/ord_123", nil), "staff-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersTransitionOrder(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	var captured services.TransitionOrderCommand
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.TransitionOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.Status = domain.OrderStatusConfirmed
			return order, nil
		},
	}

	router := newAdminRouter(NewAdminOrderHandlers(nil, service, nil))

	body := `{"target_status":"confirmed","expected_status":"pending","note":"payment verified"}`
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123:transition", strings.NewReader(body)), "staff-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_123" || captured.TargetStatus != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected transition command: %#v", captured)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.OrderStatusPending {
		t.Fatalf("expected expected_status pending, got %#v", captured.ExpectedStatus)
	}
	if captured.UserID != "" {
		t.Fatalf("expected unscoped transition, got user %q", captured.UserID)
	}
	if captured.Actor != "staff-1" || captured.Note != "payment verified" {
		t.Fatalf("unexpected actor or note: %#v", captured)
	}
}

func TestAdminOrderHandlersTransitionOrderInvalidTarget(t *testing.T) {
	router := newAdminRouter(NewAdminOrderHandlers(nil, &stubOrderService{}, nil))

	body := `{"target_status":"teleported"}`
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123:transition", strings.NewReader(body)), "staff-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersRefundOrder(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	refundedAt := now.Add(time.Hour)

	paid := sampleOrder(now)
	paid.PaymentStatus = domain.PaymentStatusPaid

	var paymentCmd services.UpdatePaymentStatusCommand
	service := &stubOrderService{
		getFn: func(ctx context.Context, userID, orderID string) (services.Order, error) {
			return paid, nil
		},
		paymentFn: func(ctx context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
			paymentCmd = cmd
			updated := paid
			updated.PaymentStatus = domain.PaymentStatusRefunded
			return updated, nil
		},
	}

	provider := &refundingProvider{
		details: payments.PaymentDetails{
			Provider:   "stripe",
			IntentID:   "pi_9",
			Status:     payments.StatusRefunded,
			Amount:     59000,
			Currency:   "usd",
			RefundedAt: &refundedAt,
		},
	}
	manager, err := payments.NewManager(map[string]payments.Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	router := newAdminRouter(NewAdminOrderHandlers(nil, service, manager))

	body := `{"intent_id":"pi_9","reason":"requested_by_customer"}`
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123:refund", strings.NewReader(body)), "staff-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if provider.request.IntentID != "pi_9" {
		t.Fatalf("expected refund intent pi_9, got %q", provider.request.IntentID)
	}
	if provider.request.Metadata["orderId"] != "ord_123" {
		t.Fatalf("expected order id in refund metadata, got %#v", provider.request.Metadata)
	}
	if paymentCmd.Status != domain.PaymentStatusRefunded || paymentCmd.OrderID != "ord_123" {
		t.Fatalf("unexpected payment command: %#v", paymentCmd)
	}

	var resp refundResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Refund.Status != string(payments.StatusRefunded) {
		t.Fatalf("expected refunded status, got %s", resp.Refund.Status)
	}
	if resp.Refund.Amount != 59000 {
		t.Fatalf("expected refund amount 59000, got %d", resp.Refund.Amount)
	}
}

func TestAdminOrderHandlersRefundDeliveredOrderTransitions(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	delivered := sampleOrder(now)
	delivered.Status = domain.OrderStatusDelivered
	delivered.PaymentStatus = domain.PaymentStatusPaid

	var transitionCmd services.TransitionOrderCommand
	service := &stubOrderService{
		getFn: func(ctx context.Context, userID, orderID string) (services.Order, error) {
			return delivered, nil
		},
		paymentFn: func(ctx context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
			updated := delivered
			updated.PaymentStatus = domain.PaymentStatusRefunded
			return updated, nil
		},
		transitionFn: func(ctx context.Context, cmd services.TransitionOrderCommand) (services.Order, error) {
			transitionCmd = cmd
			updated := delivered
			updated.Status = domain.OrderStatusRefunded
			updated.PaymentStatus = domain.PaymentStatusRefunded
			return updated, nil
		},
	}

	provider := &refundingProvider{
		details: payments.PaymentDetails{Provider: "stripe", IntentID: "pi_9", Status: payments.StatusRefunded},
	}
	manager, err := payments.NewManager(map[string]payments.Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	router := newAdminRouter(NewAdminOrderHandlers(nil, service, manager))

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123:refund", strings.NewReader(`{"intent_id":"pi_9"}`)), "staff-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if transitionCmd.TargetStatus != domain.OrderStatusRefunded {
		t.Fatalf("expected transition to refunded, got %#v", transitionCmd)
	}

	var resp refundResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Status != "refunded" {
		t.Fatalf("expected order status refunded, got %s", resp.Order.Status)
	}
}

func TestAdminOrderHandlersRefundRejectsUnpaidOrder(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		getFn: func(ctx context.Context, userID, orderID string) (services.Order, error) {
			return sampleOrder(now), nil
		},
	}

	provider := &refundingProvider{}
	manager, err := payments.NewManager(map[string]payments.Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	router := newAdminRouter(NewAdminOrderHandlers(nil, service, manager))

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123:refund", strings.NewReader(`{"intent_id":"pi_9"}`)), "staff-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersRefundRequiresIntent(t *testing.T) {
	provider := &refundingProvider{}
	manager, err := payments.NewManager(map[string]payments.Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	router := newAdminRouter(NewAdminOrderHandlers(nil, &stubOrderService{}, manager))

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123:refund", strings.NewReader(`{}`)), "staff-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
