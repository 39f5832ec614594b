package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/platform/auth"
	"github.com/ferncart/api/internal/platform/httpx"
	"github.com/ferncart/api/internal/platform/pagination"
	"github.com/ferncart/api/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	maxOrderCreateBodySize = 32 * 1024
	maxOrderCancelBodySize = 4 * 1024
)

type createOrderRequest struct {
	Items         []createOrderItem `json:"items"`
	PaymentMethod string            `json:"payment_method"`
	Currency      string            `json:"currency"`
	Discount      int64             `json:"discount"`
	Notes         string            `json:"notes"`
}

type createOrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes order lifecycle endpoints for authenticated users.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments *payments.Manager

	checkoutSuccessURL string
	checkoutCancelURL  string
}

// OrderHandlersOption customises optional collaborators.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderPayments wires the payment manager used to open checkout sessions
// for orders paid through an online gateway.
func WithOrderPayments(manager *payments.Manager, successURL, cancelURL string) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.payments = manager
		h.checkoutSuccessURL = strings.TrimSpace(successURL)
		h.checkoutCancelURL = strings.TrimSpace(cancelURL)
	}
}

// NewOrderHandlers builds the customer-facing order handlers.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes mounts the order endpoints on the given router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/by-number/{orderNumber}", h.getOrderByNumber)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

// requireCustomer yields the authenticated caller's UID, writing the
// appropriate error response when the service or identity is missing.
func (h *OrderHandlers) requireCustomer(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return strings.TrimSpace(identity.UID), true
}

func requirePathParam(ctx context.Context, w http.ResponseWriter, r *http.Request, name, message string) (string, bool) {
	value := strings.TrimSpace(chi.URLParam(r, name))
	if value == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
		return "", false
	}
	return value, true
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireCustomer(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderCreateBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	method, ok := domain.ParsePaymentMethod(req.PaymentMethod)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment_method must be a supported payment method", http.StatusBadRequest))
		return
	}

	cmd := services.CreateOrderCommand{
		UserID:        uid,
		Lines:         make([]services.OrderLineInput, 0, len(req.Items)),
		PaymentMethod: method,
		Currency:      strings.TrimSpace(req.Currency),
		Discount:      req.Discount,
		Notes:         strings.TrimSpace(req.Notes),
	}
	for _, item := range req.Items {
		cmd.Lines = append(cmd.Lines, services.OrderLineInput{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		})
	}

	order, err := h.orders.Create(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	response := orderResponse{Order: buildOrderPayload(order)}

	if method == domain.PaymentMethodOnlineGateway && h.payments != nil {
		session, err := h.openCheckoutSession(ctx, order)
		if err != nil {
			// The order is already placed; surface the session failure so the
			// client can retry payment without placing a duplicate order.
			httpx.WriteError(ctx, w, httpx.NewError("checkout_session_failed", "order placed but checkout session could not be created", http.StatusBadGateway).
				WithDetails(map[string]any{"orderId": order.ID}))
			return
		}
		response.Checkout = session
	}

	writeJSONResponse(w, http.StatusCreated, response)
}

func (h *OrderHandlers) openCheckoutSession(ctx context.Context, order services.Order) (*checkoutSessionPayload, error) {
	items := make([]payments.CheckoutLineItem, 0, len(order.Items))
	for _, line := range order.Items {
		items = append(items, payments.CheckoutLineItem{
			Name:     line.ProductName,
			SKU:      line.ProductSKU,
			Quantity: int64(line.Quantity),
			Amount:   line.UnitPrice,
			Currency: order.Currency,
		})
	}

	session, err := h.payments.CreateCheckoutSession(ctx, payments.PaymentContext{Currency: order.Currency}, payments.CheckoutSessionRequest{
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		SuccessURL:     h.checkoutSuccessURL,
		CancelURL:      h.checkoutCancelURL,
		Metadata:       map[string]string{"orderId": order.ID},
		IdempotencyKey: "checkout-" + order.ID,
		Items:          items,
	})
	if err != nil {
		return nil, err
	}

	payload := buildCheckoutSessionPayload(session)
	return &payload, nil
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireCustomer(ctx, w)
	if !ok {
		return
	}

	filter, ok := parseOrderListFilter(ctx, w, r)
	if !ok {
		return
	}
	filter.UserID = uid

	page, err := h.orders.List(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireCustomer(ctx, w)
	if !ok {
		return
	}
	orderID, ok := requirePathParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	order, err := h.orders.Get(ctx, uid, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrderByNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireCustomer(ctx, w)
	if !ok {
		return
	}
	orderNumber, ok := requirePathParam(ctx, w, r, "orderNumber", "order number is required")
	if !ok {
		return
	}

	order, err := h.orders.GetByNumber(ctx, uid, orderNumber)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireCustomer(ctx, w)
	if !ok {
		return
	}
	orderID, ok := requirePathParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderCancelBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		case errors.Is(err, errEmptyBody):
			// Cancellation reason is optional.
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		UserID:  uid,
		Reason:  strings.TrimSpace(req.Reason),
		Actor:   uid,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func parseOrderListFilter(ctx context.Context, w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	query := r.URL.Query()

	var filter services.OrderListFilter

	for _, raw := range parseFilterValues(query["status"]) {
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
		filter.Status = append(filter.Status, status)
	}

	if raw := strings.TrimSpace(query.Get("payment_method")); raw != "" {
		method, ok := domain.ParsePaymentMethod(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment_method must be a supported payment method", http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
		filter.PaymentMethod = &method
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
		dateRange.To = &ts
	}
	filter.DateRange = dateRange

	paging, err := pagination.Parse(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page and page_size must be positive integers", http.StatusBadRequest))
		return services.OrderListFilter{}, false
	}
	filter.Pagination = paging

	return filter, true
}

type orderListResponse struct {
	Items    []orderSummaryPayload `json:"items"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
	HasMore  bool                  `json:"has_more"`
}

type orderSummaryPayload struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"order_number"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Currency      string `json:"currency"`
	Total         int64  `json:"total"`
	CreatedAt     string `json:"created_at"`
}

type orderResponse struct {
	Order    orderPayload            `json:"order"`
	Checkout *checkoutSessionPayload `json:"checkout,omitempty"`
}

type orderPayload struct {
	ID            string                `json:"id"`
	OrderNumber   string                `json:"order_number"`
	UserID        string                `json:"user_id"`
	Status        string                `json:"status"`
	PaymentMethod string                `json:"payment_method"`
	PaymentStatus string                `json:"payment_status"`
	Currency      string                `json:"currency"`
	Totals        orderTotalsPayload    `json:"totals"`
	Items         []orderItemPayload    `json:"items"`
	StatusHistory []orderHistoryPayload `json:"status_history,omitempty"`
	Notes         string                `json:"notes,omitempty"`
	CancelReason  string                `json:"cancel_reason,omitempty"`
	CreatedAt     string                `json:"created_at"`
	UpdatedAt     string                `json:"updated_at,omitempty"`
	PlacedAt      string                `json:"placed_at,omitempty"`
	CancelledAt   string                `json:"cancelled_at,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Tax      int64 `json:"tax"`
	Shipping int64 `json:"shipping"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	ProductSKU  string `json:"product_sku,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	TotalPrice  int64  `json:"total_price"`
}

type orderHistoryPayload struct {
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at"`
}

type checkoutSessionPayload struct {
	Provider     string `json:"provider"`
	SessionID    string `json:"session_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	IntentID     string `json:"intent_id,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

func buildOrderListResponse(page domain.Page[services.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	return orderListResponse{
		Items:    items,
		Page:     page.Page,
		PageSize: page.PageSize,
		HasMore:  page.HasMore,
	}
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:            strings.TrimSpace(order.ID),
		OrderNumber:   strings.TrimSpace(order.OrderNumber),
		Status:        strings.TrimSpace(string(order.Status)),
		PaymentStatus: strings.TrimSpace(string(order.PaymentStatus)),
		Currency:      strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:         order.Totals.Total,
		CreatedAt:     formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:            strings.TrimSpace(order.ID),
		OrderNumber:   strings.TrimSpace(order.OrderNumber),
		UserID:        strings.TrimSpace(order.UserID),
		Status:        strings.TrimSpace(string(order.Status)),
		PaymentMethod: strings.TrimSpace(string(order.PaymentMethod)),
		PaymentStatus: strings.TrimSpace(string(order.PaymentStatus)),
		Currency:      strings.ToUpper(strings.TrimSpace(order.Currency)),
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Tax:      order.Totals.Tax,
			Shipping: order.Totals.Shipping,
			Discount: order.Totals.Discount,
			Total:    order.Totals.Total,
		},
		Items:        make([]orderItemPayload, 0, len(order.Items)),
		Notes:        strings.TrimSpace(order.Notes),
		CancelReason: strings.TrimSpace(order.CancelReason),
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		PlacedAt:     formatTime(pointerTime(order.PlacedAt)),
		CancelledAt:  formatTime(pointerTime(order.CancelledAt)),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID:   strings.TrimSpace(item.ProductID),
			ProductName: strings.TrimSpace(item.ProductName),
			ProductSKU:  strings.TrimSpace(item.ProductSKU),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TotalPrice:  item.TotalPrice,
		})
	}

	for _, entry := range order.History {
		payload.StatusHistory = append(payload.StatusHistory, orderHistoryPayload{
			Status:    strings.TrimSpace(string(entry.Status)),
			Notes:     strings.TrimSpace(entry.Notes),
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}

	return payload
}

func buildCheckoutSessionPayload(session payments.CheckoutSession) checkoutSessionPayload {
	return checkoutSessionPayload{
		Provider:     strings.TrimSpace(session.Provider),
		SessionID:    strings.TrimSpace(session.ID),
		ClientSecret: strings.TrimSpace(session.ClientSecret),
		RedirectURL:  strings.TrimSpace(session.RedirectURL),
		IntentID:     strings.TrimSpace(session.IntentID),
		ExpiresAt:    formatTime(session.ExpiresAt),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var insufficient *services.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", insufficient.Error(), http.StatusConflict).
			WithDetails(map[string]any{"productId": insufficient.ProductID}))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
