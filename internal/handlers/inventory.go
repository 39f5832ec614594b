package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ferncart/api/internal/platform/auth"
	"github.com/ferncart/api/internal/platform/httpx"
	"github.com/ferncart/api/internal/platform/pagination"
	"github.com/ferncart/api/internal/services"
)

const (
	defaultLowStockPageSize = 50
	maxInventoryBodySize    = 4 * 1024
)

type setStockLevelRequest struct {
	Quantity int `json:"quantity"`
}

type stockLevelPayload struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type stockLevelResponse struct {
	Stock stockLevelPayload `json:"stock"`
}

type lowStockResponse struct {
	Items    []stockLevelPayload `json:"items"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	HasMore  bool                `json:"has_more"`
}

// InventoryHandlers exposes the staff-facing stock endpoints.
type InventoryHandlers struct {
	authn *auth.Authenticator
	stock services.StockLedger
}

// NewInventoryHandlers constructs inventory handlers.
func NewInventoryHandlers(authn *auth.Authenticator, stock services.StockLedger) *InventoryHandlers {
	return &InventoryHandlers{authn: authn, stock: stock}
}

// Routes registers the admin stock endpoints.
func (h *InventoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Get("/low", h.listLowStock)
	r.Get("/{productID}", h.getStockLevel)
	r.Put("/{productID}", h.setStockLevel)
}

func (h *InventoryHandlers) getStockLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	level, err := h.stock.GetLevel(ctx, productID)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, stockLevelResponse{Stock: buildStockLevelPayload(level)})
}

func (h *InventoryHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := services.LowStockQuery{}
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		threshold, err := strconv.Atoi(raw)
		if err != nil || threshold < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be a non-negative integer", http.StatusBadRequest))
			return
		}
		query.Threshold = threshold
	}

	paging, err := pagination.Parse(r, pagination.Options{DefaultPageSize: defaultLowStockPageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page and page_size must be positive integers", http.StatusBadRequest))
		return
	}
	query.Pagination = paging

	page, err := h.stock.ListLowStock(ctx, query)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	items := make([]stockLevelPayload, 0, len(page.Items))
	for _, level := range page.Items {
		items = append(items, buildStockLevelPayload(level))
	}
	writeJSONResponse(w, http.StatusOK, lowStockResponse{
		Items:    items,
		Page:     page.Page,
		PageSize: page.PageSize,
		HasMore:  page.HasMore,
	})
}

func (h *InventoryHandlers) setStockLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxInventoryBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req setStockLevelRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	level, err := h.stock.SetLevel(ctx, services.SetStockLevelCommand{
		ProductID: productID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, stockLevelResponse{Stock: buildStockLevelPayload(level)})
}

func buildStockLevelPayload(level services.StockLevel) stockLevelPayload {
	return stockLevelPayload{
		ProductID: strings.TrimSpace(level.ProductID),
		Quantity:  level.Quantity,
		UpdatedAt: formatTime(level.UpdatedAt),
	}
}

func writeStockError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrStockInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrStockNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", "stock level not found", http.StatusNotFound))
	case errors.Is(err, services.ErrStockInsufficient):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrStockMovementConflict):
		httpx.WriteError(ctx, w, httpx.NewError("stock_movement_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("stock_error", "failed to process stock request", http.StatusInternalServerError))
	}
}
