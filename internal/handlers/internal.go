package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ferncart/api/internal/platform/httpx"
	"github.com/ferncart/api/internal/services"
)

const maxInternalBodySize = 64 * 1024

type stockMovementRequest struct {
	OrderID string                     `json:"order_id"`
	Lines   []stockMovementLineRequest `json:"lines"`
}

type stockMovementLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type stockMovementResponse struct {
	OrderID        string              `json:"order_id"`
	Direction      string              `json:"direction"`
	AlreadyApplied bool                `json:"already_applied"`
	Levels         []stockLevelPayload `json:"levels"`
}

// InternalHandlers serves trusted service-to-service endpoints. Callers are
// authenticated by the OIDC middleware applied to the internal route group.
type InternalHandlers struct {
	stock  services.StockLedger
	system services.SystemService
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(stock services.StockLedger, system services.SystemService) *InternalHandlers {
	return &InternalHandlers{stock: stock, system: system}
}

// Routes registers the internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stock:reserve", h.reserveStock)
	r.Post("/stock:release", h.releaseStock)
	r.Get("/health", h.healthReport)
}

func (h *InternalHandlers) reserveStock(w http.ResponseWriter, r *http.Request) {
	h.applyMovement(w, r, "reserve")
}

func (h *InternalHandlers) releaseStock(w http.ResponseWriter, r *http.Request) {
	h.applyMovement(w, r, "release")
}

func (h *InternalHandlers) applyMovement(w http.ResponseWriter, r *http.Request, direction string) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxInternalBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req stockMovementRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.StockMovementCommand{
		OrderID: strings.TrimSpace(req.OrderID),
		Lines:   make([]services.StockMovementLineInput, 0, len(req.Lines)),
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.StockMovementLineInput{
			ProductID: strings.TrimSpace(line.ProductID),
			Quantity:  line.Quantity,
		})
	}

	var summary services.StockMovementSummary
	if direction == "reserve" {
		summary, err = h.stock.Reserve(ctx, cmd)
	} else {
		summary, err = h.stock.Release(ctx, cmd)
	}
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	response := stockMovementResponse{
		OrderID:        summary.Movement.OrderID,
		Direction:      string(summary.Movement.Direction),
		AlreadyApplied: summary.AlreadyApplied,
		Levels:         make([]stockLevelPayload, 0, len(summary.Levels)),
	}
	for productID, level := range summary.Levels {
		if level.ProductID == "" {
			level.ProductID = productID
		}
		response.Levels = append(response.Levels, buildStockLevelPayload(level))
	}

	writeJSONResponse(w, http.StatusOK, response)
}

func (h *InternalHandlers) healthReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_report_failed", "failed to collect health report", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, report)
}
