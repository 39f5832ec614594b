package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/platform/auth"
	"github.com/ferncart/api/internal/services"
)

type stubOrderService struct {
	createFn      func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn         func(context.Context, string, string) (services.Order, error)
	getByNumberFn func(context.Context, string, string) (services.Order, error)
	listFn        func(context.Context, services.OrderListFilter) (domain.Page[services.Order], error)
	transitionFn  func(context.Context, services.TransitionOrderCommand) (services.Order, error)
	cancelFn      func(context.Context, services.CancelOrderCommand) (services.Order, error)
	paymentFn     func(context.Context, services.UpdatePaymentStatusCommand) (services.Order, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Get(ctx context.Context, userID, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetByNumber(ctx context.Context, userID, orderNumber string) (services.Order, error) {
	if s.getByNumberFn != nil {
		return s.getByNumberFn(ctx, userID, orderNumber)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) List(ctx context.Context, filter services.OrderListFilter) (domain.Page[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.Page[services.Order]{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.TransitionOrderCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) UpdatePaymentStatus(ctx context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
	if s.paymentFn != nil {
		return s.paymentFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

var _ services.OrderService = (*stubOrderService)(nil)

type recordingProvider struct {
	session payments.CheckoutSession
	request payments.CheckoutSessionRequest
}

func (p *recordingProvider) CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	p.request = req
	return p.session, nil
}

func (p *recordingProvider) Refund(context.Context, payments.RefundRequest) (payments.PaymentDetails, error) {
	return payments.PaymentDetails{}, errors.New("not implemented")
}

func (p *recordingProvider) LookupPayment(context.Context, payments.LookupRequest) (payments.PaymentDetails, error) {
	return payments.PaymentDetails{}, errors.New("not implemented")
}

func sampleOrder(now time.Time) services.Order {
	placed := now
	return services.Order{
		ID:            "ord_123",
		OrderNumber:   "ORD-20260310-0007",
		UserID:        "user-1",
		Status:        domain.OrderStatusPending,
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
		PaymentStatus: domain.PaymentStatusPending,
		Currency:      "usd",
		Totals: services.OrderTotals{
			Subtotal: 50000,
			Tax:      9000,
			Shipping: 0,
			Total:    59000,
		},
		Items: []services.OrderLineItem{
			{
				ProductID:   "prod-1",
				ProductName: "Ceramic Mug",
				ProductSKU:  "MUG-01",
				Quantity:    2,
				UnitPrice:   25000,
				TotalPrice:  50000,
			},
		},
		History: []services.StatusHistoryEntry{
			{Status: domain.OrderStatusPending, Notes: "order placed", CreatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
		PlacedAt:  &placed,
	}
}

func newOrderRouter(handler *OrderHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	return router
}

func authedRequest(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}

func TestOrderHandlersCreateOrder(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	var captured services.CreateOrderCommand
	service := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(now), nil
		},
	}

	router := newOrderRouter(NewOrderHandlers(nil, service))

	body := `{"items":[{"product_id":"prod-1","quantity":2}],"payment_method":"cash_on_delivery","currency":"usd","notes":"leave at door"}`
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.UserID != "user-1" {
		t.Fatalf("expected command user user-1, got %s", captured.UserID)
	}
	if len(captured.Lines) != 1 || captured.Lines[0].ProductID != "prod-1" || captured.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected command lines: %#v", captured.Lines)
	}
	if captured.PaymentMethod != domain.PaymentMethodCashOnDelivery {
		t.Fatalf("expected cash_on_delivery, got %s", captured.PaymentMethod)
	}
	if captured.Notes != "leave at door" {
		t.Fatalf("expected notes preserved, got %q", captured.Notes)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.ID != "ord_123" || resp.Order.OrderNumber != "ORD-20260310-0007" {
		t.Fatalf("unexpected order payload: %#v", resp.Order)
	}
	if resp.Order.Currency != "USD" {
		t.Fatalf("expected currency uppercased, got %s", resp.Order.Currency)
	}
	if resp.Order.Totals.Total != 59000 {
		t.Fatalf("expected total 59000, got %d", resp.Order.Totals.Total)
	}
	if resp.Checkout != nil {
		t.Fatalf("expected no checkout session for cash on delivery, got %#v", resp.Checkout)
	}
}

func TestOrderHandlersCreateOrderOpensCheckoutSession(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	order := sampleOrder(now)
	order.PaymentMethod = domain.PaymentMethodOnlineGateway
	service := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			return order, nil
		},
	}

	provider := &recordingProvider{
		session: payments.CheckoutSession{
			ID:          "cs_test",
			RedirectURL: "https://pay.example.com/cs_test",
			IntentID:    "pi_test",
		},
	}
	manager, err := payments.NewManager(map[string]payments.Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	handler := NewOrderHandlers(nil, service, WithOrderPayments(manager, "https://shop.example.com/success", "https://shop.example.com/cancel"))
	router := newOrderRouter(handler)

	body := `{"items":[{"product_id":"prod-1","quantity":2}],"payment_method":"online_gateway","currency":"usd"}`
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	if provider.request.Metadata["orderId"] != "ord_123" {
		t.Fatalf("expected order id in session metadata, got %#v", provider.request.Metadata)
	}
	if provider.request.Amount != 59000 {
		t.Fatalf("expected session amount 59000, got %d", provider.request.Amount)
	}
	if len(provider.request.Items) != 1 || provider.request.Items[0].SKU != "MUG-01" {
		t.Fatalf("unexpected session line items: %#v", provider.request.Items)
	}
	if provider.request.SuccessURL != "https://shop.example.com/success" {
		t.Fatalf("unexpected success url %q", provider.request.SuccessURL)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Checkout == nil {
		t.Fatal("expected checkout session in response")
	}
	if resp.Checkout.SessionID != "cs_test" || resp.Checkout.RedirectURL != "https://pay.example.com/cs_test" {
		t.Fatalf("unexpected checkout payload: %#v", resp.Checkout)
	}
}

func TestOrderHandlersCreateOrderInsufficientStock(t *testing.T) {
	service := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			return services.Order{}, &services.InsufficientStockError{ProductID: "prod-7"}
		},
	}

	router := newOrderRouter(NewOrderHandlers(nil, service))

	body := `{"items":[{"product_id":"prod-7","quantity":5}],"payment_method":"cash_on_delivery"}`
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var body2 map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body2); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body2["error"] != "insufficient_stock" {
		t.Fatalf("expected insufficient_stock code, got %v", body2["error"])
	}
	if body2["productId"] != "prod-7" {
		t.Fatalf("expected product detail, got %#v", body2)
	}
}

func TestOrderHandlersCreateOrderInvalidPaymentMethod(t *testing.T) {
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}))

	body := `{"items":[{"product_id":"prod-1","quantity":1}],"payment_method":"barter"}`
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersCreateOrderUnauthenticated(t *testing.T) {
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}))

	req := httptest.NewRequest(http.MethodPost, "/orders/", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrders(t *testing.T) {
	now := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	fromExpected := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var captured services.OrderListFilter
	service := &stubOrderService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.Page[services.Order], error) {
			captured = filter
			return domain.Page[services.Order]{
				Items:    []services.Order{sampleOrder(now)},
				Page:     1,
				PageSize: 10,
				HasMore:  true,
			}, nil
		},
	}

	router := newOrderRouter(NewOrderHandlers(nil, service))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/orders/?status=pending,confirmed&payment_method=cash_on_delivery&page_size=10&created_after=2026-03-01T00:00:00Z", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.UserID != "user-1" {
		t.Fatalf("expected filter scoped to user-1, got %s", captured.UserID)
	}
	if len(captured.Status) != 2 || captured.Status[0] != domain.OrderStatusPending || captured.Status[1] != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected status filters: %#v", captured.Status)
	}
	if captured.PaymentMethod == nil || *captured.PaymentMethod != domain.PaymentMethodCashOnDelivery {
		t.Fatalf("expected payment method filter, got %#v", captured.PaymentMethod)
	}
	if captured.Pagination.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", captured.Pagination.PageSize)
	}
	if captured.DateRange.From == nil || !captured.DateRange.From.Equal(fromExpected) {
		t.Fatalf("expected created_after bound, got %#v", captured.DateRange.From)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].OrderNumber != "ORD-20260310-0007" {
		t.Fatalf("unexpected list payload: %#v", resp.Items)
	}
	if !resp.HasMore {
		t.Fatal("expected has_more true")
	}
}

func TestOrderHandlersListOrdersInvalidStatus(t *testing.T) {
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/orders/?status=imaginary", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		getFn: func(ctx context.Context, userID, orderID string) (services.Order, error) {
			if userID != "user-1" || orderID != "ord_123" {
				t.Fatalf("unexpected lookup %s/%s", userID, orderID)
			}
			return sampleOrder(now), nil
		},
	}

	router := newOrderRouter(NewOrderHandlers(nil, service))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/orders/ord_123", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.ID != "ord_123" {
		t.Fatalf("unexpected order payload: %#v", resp.Order)
	}
	if len(resp.Order.StatusHistory) != 1 || resp.Order.StatusHistory[0].Status != "pending" {
		t.Fatalf("expected status history, got %#v", resp.Order.StatusHistory)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getFn: func(ctx context.Context, userID, orderID string) (services.Order, error) {
			return services.Order{}, services.ErrOrderNotFound
		},
	}

	router := newOrderRouter(NewOrderHandlers(nil, service))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/orders/ord_missing", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderByNumber(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		getByNumberFn: func(ctx context.Context, userID, orderNumber string) (services.Order, error) {
			if orderNumber != "ORD-20260310-0007" {
				t.Fatalf("unexpected order number %s", orderNumber)
			}
			return sampleOrder(now), nil
		},
	}

	router := newOrderRouter(NewOrderHandlers(nil, service))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/orders/by-number/ORD-20260310-0007", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestOrderHandlersCancelOrder(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	var captured services.CancelOrderCommand
	service := &stubOrderService{
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.Status = domain.OrderStatusCancelled
			order.CancelReason = cmd.Reason
			return order, nil
		},
	}

	router := newOrderRouter(NewOrderHandlers(nil, service))

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/orders/ord_123:cancel", strings.NewReader(`{"reason":"changed my mind"}`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.OrderID != "ord_123" || captured.UserID != "user-1" {
		t.Fatalf("unexpected cancel command: %#v", captured)
	}
	if captured.Reason != "changed my mind" {
		t.Fatalf("expected reason preserved, got %q", captured.Reason)
	}
	if captured.Actor != "user-1" {
		t.Fatalf("expected actor user-1, got %q", captured.Actor)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Status != "cancelled" {
		t.Fatalf("expected cancelled status, got %s", resp.Order.Status)
	}
}

func TestOrderHandlersCancelOrderWithoutBody(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			if cmd.Reason != "" {
				t.Fatalf("expected empty reason, got %q", cmd.Reason)
			}
			return sampleOrder(now), nil
		},
	}

	router := newOrderRouter(NewOrderHandlers(nil, service))

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/orders/ord_123:cancel", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestOrderHandlersCancelOrderInvalidState(t *testing.T) {
	service := &stubOrderService{
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidState
		},
	}

	router := newOrderRouter(NewOrderHandlers(nil, service))

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/orders/ord_123:cancel", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestOrderHandlersServiceUnavailable(t *testing.T) {
	handler := NewOrderHandlers(nil, nil)
	req := authedRequest(httptest.NewRequest(http.MethodGet, "/orders", nil), "user-1")
	rr := httptest.NewRecorder()

	handler.listOrders(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
