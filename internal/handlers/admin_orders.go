package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/platform/auth"
	"github.com/ferncart/api/internal/platform/httpx"
	"github.com/ferncart/api/internal/services"
)

const maxAdminOrderBodySize = 16 * 1024

type transitionOrderRequest struct {
	TargetStatus   string `json:"target_status"`
	ExpectedStatus string `json:"expected_status"`
	Note           string `json:"note"`
}

type refundOrderRequest struct {
	IntentID string `json:"intent_id"`
	Amount   *int64 `json:"amount"`
	Reason   string `json:"reason"`
}

type refundResponse struct {
	Order  orderPayload         `json:"order"`
	Refund refundDetailsPayload `json:"refund"`
}

type refundDetailsPayload struct {
	Provider   string `json:"provider"`
	IntentID   string `json:"intent_id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	RefundedAt string `json:"refunded_at,omitempty"`
}

// AdminOrderHandlers exposes the staff-facing order management endpoints.
type AdminOrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments *payments.Manager
}

// NewAdminOrderHandlers constructs admin order handlers.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, manager *payments.Manager) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders, payments: manager}
}

// Routes registers the admin order endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:refund", h.refundOrder)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	filter, ok := parseOrderListFilter(ctx, w, r)
	if !ok {
		return
	}
	// Staff may scope to a specific customer; an empty filter lists everyone.
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))

	page, err := h.orders.List(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Get(ctx, "", orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req transitionOrderRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	target, ok := domain.ParseOrderStatus(req.TargetStatus)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target_status must be a valid order status", http.StatusBadRequest))
		return
	}

	cmd := services.TransitionOrderCommand{
		OrderID:      orderID,
		TargetStatus: target,
		Actor:        strings.TrimSpace(identity.UID),
		Note:         strings.TrimSpace(req.Note),
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected, ok := domain.ParseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = &expected
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxAdminOrderBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		} else {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  strings.TrimSpace(req.Reason),
		Actor:   strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment provider unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req refundOrderRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}
	intentID := strings.TrimSpace(req.IntentID)
	if intentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "intent_id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Get(ctx, "", orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", "only paid orders can be refunded", http.StatusConflict))
		return
	}

	details, err := h.payments.Refund(ctx, payments.PaymentContext{Currency: order.Currency}, payments.RefundRequest{
		IntentID:       intentID,
		Amount:         req.Amount,
		Reason:         strings.TrimSpace(req.Reason),
		IdempotencyKey: "refund-" + order.ID,
		Metadata:       map[string]string{"orderId": order.ID},
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("refund_failed", "payment provider rejected the refund", http.StatusBadGateway))
		return
	}

	updated, err := h.orders.UpdatePaymentStatus(ctx, services.UpdatePaymentStatusCommand{
		OrderID: order.ID,
		Status:  domain.PaymentStatusRefunded,
		Actor:   strings.TrimSpace(identity.UID),
		Note:    "refunded via " + details.Provider,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	// Delivered orders also move to the refunded lifecycle state; earlier
	// states keep their fulfilment status and only the payment flips.
	if services.CanTransitionOrder(updated.Status, domain.OrderStatusRefunded) {
		transitioned, err := h.orders.TransitionStatus(ctx, services.TransitionOrderCommand{
			OrderID:      order.ID,
			TargetStatus: domain.OrderStatusRefunded,
			Actor:        strings.TrimSpace(identity.UID),
			Note:         "order refunded",
		})
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		updated = transitioned
	}

	writeJSONResponse(w, http.StatusOK, refundResponse{
		Order: buildOrderPayload(updated),
		Refund: refundDetailsPayload{
			Provider:   strings.TrimSpace(details.Provider),
			IntentID:   strings.TrimSpace(details.IntentID),
			Status:     string(details.Status),
			Amount:     details.Amount,
			Currency:   strings.ToUpper(strings.TrimSpace(details.Currency)),
			RefundedAt: formatTime(pointerTime(details.RefundedAt)),
		},
	})
}

func decodeAdminBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxAdminOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}
