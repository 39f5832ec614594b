package services

import (
	"context"
	"time"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/repositories"
)

// Domain aliases keep handler signatures terse without re-exporting the domain package wholesale.
type (
	Order              = domain.Order
	OrderLineItem      = domain.OrderLineItem
	OrderStatus        = domain.OrderStatus
	OrderTotals        = domain.OrderTotals
	PaymentMethod      = domain.PaymentMethod
	PaymentStatus      = domain.PaymentStatus
	StatusHistoryEntry = domain.StatusHistoryEntry
	Product            = domain.Product
	StockLevel         = domain.StockLevel
	StockMovement      = domain.StockMovement
	Pagination         = domain.Pagination
	SystemHealthReport = domain.SystemHealthReport
)

// OrderListFilter narrows order listings; it mirrors the repository filter shape.
type OrderListFilter = repositories.OrderListFilter

// OrderService coordinates the full order lifecycle from placement to terminal states.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Get(ctx context.Context, userID, orderID string) (Order, error)
	GetByNumber(ctx context.Context, userID, orderNumber string) (Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.Page[Order], error)
	TransitionStatus(ctx context.Context, cmd TransitionOrderCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (Order, error)
}

// StockLedger exposes stock levels and the reserve/release movements recorded against them.
type StockLedger interface {
	Reserve(ctx context.Context, cmd StockMovementCommand) (StockMovementSummary, error)
	Release(ctx context.Context, cmd StockMovementCommand) (StockMovementSummary, error)
	GetLevel(ctx context.Context, productID string) (StockLevel, error)
	ListLowStock(ctx context.Context, query LowStockQuery) (domain.Page[StockLevel], error)
	SetLevel(ctx context.Context, cmd SetStockLevelCommand) (StockLevel, error)
}

// CatalogService resolves products referenced by order lines and backs the admin catalog surface.
type CatalogService interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
	ListProducts(ctx context.Context, filter ProductListFilter) (domain.Page[Product], error)
	SaveProduct(ctx context.Context, cmd SaveProductCommand) (Product, error)
}

// SystemService aggregates operational utilities exposed on internal endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher delivers lifecycle events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// NotificationDispatcher fans order lifecycle events out to registered sinks.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, event OrderEvent)
}

// CreateOrderCommand captures the input needed to place a new order.
type CreateOrderCommand struct {
	UserID        string
	Lines         []OrderLineInput
	PaymentMethod PaymentMethod
	Currency      string
	Discount      int64
	Notes         string
}

// OrderLineInput is one requested product with the quantity to order.
type OrderLineInput struct {
	ProductID string
	Quantity  int
}

// TransitionOrderCommand moves an order to a new lifecycle status.
type TransitionOrderCommand struct {
	OrderID        string
	UserID         string
	TargetStatus   OrderStatus
	ExpectedStatus *OrderStatus
	Actor          string
	Note           string
}

// CancelOrderCommand cancels an order and releases its stock reservation.
type CancelOrderCommand struct {
	OrderID string
	UserID  string
	Reason  string
	Actor   string
}

// UpdatePaymentStatusCommand records a payment state change reported by the payment provider.
type UpdatePaymentStatusCommand struct {
	OrderID string
	Status  PaymentStatus
	Actor   string
	Note    string
}

// StockMovementCommand applies a reserve or release movement for an order.
type StockMovementCommand struct {
	OrderID string
	Lines   []StockMovementLineInput
}

// StockMovementLineInput is one product quantity within a stock movement.
type StockMovementLineInput struct {
	ProductID string
	Quantity  int
}

// StockMovementSummary reports the outcome of applying a movement.
type StockMovementSummary struct {
	Movement       StockMovement
	Levels         map[string]StockLevel
	AlreadyApplied bool
}

// LowStockQuery selects stock levels at or below a threshold.
type LowStockQuery struct {
	Threshold  int
	Pagination Pagination
}

// SetStockLevelCommand overwrites the available quantity for a product.
type SetStockLevelCommand struct {
	ProductID string
	Quantity  int
}

// ProductListFilter narrows catalog listings.
type ProductListFilter struct {
	Active     *bool
	Pagination Pagination
}

// SaveProductCommand creates or replaces a catalog product.
type SaveProductCommand struct {
	ProductID string
	Name      string
	SKU       string
	Price     int64
	Currency  string
	Active    bool
}

// OrderEvent is the payload published when an order is created or changes status.
type OrderEvent struct {
	Event          string         `json:"event"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber"`
	UserID         string         `json:"userId"`
	PreviousStatus OrderStatus    `json:"previousStatus,omitempty"`
	CurrentStatus  OrderStatus    `json:"currentStatus"`
	PaymentStatus  PaymentStatus  `json:"paymentStatus,omitempty"`
	TotalAmount    int64          `json:"totalAmount"`
	Currency       string         `json:"currency"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
