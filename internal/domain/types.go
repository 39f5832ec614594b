package domain

import (
	"strings"
	"time"
)

// OrderStatus enumerates the lifecycle states an order moves through.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusRefunded   OrderStatus = "refunded"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// OrderStatuses returns every known lifecycle state in declaration order.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusConfirmed,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusRefunded,
		OrderStatusCancelled,
	}
}

// ParseOrderStatus normalises raw input into a known OrderStatus.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	candidate := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	for _, status := range OrderStatuses() {
		if status == candidate {
			return status, true
		}
	}
	return "", false
}

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// PaymentMethod identifies how the customer pays for an order.
type PaymentMethod string

const (
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentMethodOnlineGateway  PaymentMethod = "online_gateway"
)

// ParsePaymentMethod normalises raw input into a known PaymentMethod.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	candidate := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch candidate {
	case PaymentMethodCashOnDelivery, PaymentMethodOnlineGateway:
		return candidate, true
	default:
		return "", false
	}
}

// PaymentStatus tracks the settlement state of an order independently of fulfilment.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// ParsePaymentStatus normalises raw input into a known PaymentStatus.
func ParsePaymentStatus(raw string) (PaymentStatus, bool) {
	candidate := PaymentStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch candidate {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return candidate, true
	default:
		return "", false
	}
}

// OrderTotals carries the money breakdown for an order in minor currency units.
type OrderTotals struct {
	Subtotal int64 `json:"subtotal" firestore:"subtotal"`
	Tax      int64 `json:"tax" firestore:"tax"`
	Shipping int64 `json:"shipping" firestore:"shipping"`
	Discount int64 `json:"discount" firestore:"discount"`
	Total    int64 `json:"total" firestore:"total"`
}

// Order is the aggregate root for a customer purchase.
type Order struct {
	ID            string        `json:"id" firestore:"-"`
	OrderNumber   string        `json:"orderNumber" firestore:"orderNumber"`
	UserID        string        `json:"userId" firestore:"userId"`
	Status        OrderStatus   `json:"status" firestore:"status"`
	PaymentMethod PaymentMethod `json:"paymentMethod" firestore:"paymentMethod"`
	PaymentStatus PaymentStatus `json:"paymentStatus" firestore:"paymentStatus"`
	Totals        OrderTotals   `json:"totals" firestore:"totals"`
	Currency      string        `json:"currency" firestore:"currency"`
	Notes         string        `json:"notes,omitempty" firestore:"notes"`
	CancelReason  string        `json:"cancelReason,omitempty" firestore:"cancelReason"`

	Items   []OrderLineItem      `json:"items,omitempty" firestore:"-"`
	History []StatusHistoryEntry `json:"statusHistory,omitempty" firestore:"-"`

	CreatedAt   time.Time  `json:"createdAt" firestore:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" firestore:"updatedAt"`
	PlacedAt    *time.Time `json:"placedAt,omitempty" firestore:"placedAt"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty" firestore:"cancelledAt"`
}

// OrderLineItem is a point-in-time snapshot of a purchased product.
type OrderLineItem struct {
	ID          string    `json:"id" firestore:"-"`
	OrderID     string    `json:"orderId" firestore:"orderId"`
	ProductID   string    `json:"productId" firestore:"productId"`
	ProductName string    `json:"productName" firestore:"productName"`
	ProductSKU  string    `json:"productSku" firestore:"productSku"`
	Quantity    int       `json:"quantity" firestore:"quantity"`
	UnitPrice   int64     `json:"unitPrice" firestore:"unitPrice"`
	TotalPrice  int64     `json:"totalPrice" firestore:"totalPrice"`
	CreatedAt   time.Time `json:"createdAt" firestore:"createdAt"`
}

// StatusHistoryEntry records one step of an order's lifecycle.
type StatusHistoryEntry struct {
	ID        string      `json:"id" firestore:"-"`
	OrderID   string      `json:"orderId" firestore:"orderId"`
	Status    OrderStatus `json:"status" firestore:"status"`
	Notes     string      `json:"notes,omitempty" firestore:"notes"`
	CreatedAt time.Time   `json:"createdAt" firestore:"createdAt"`
}

// Product describes a catalogue entry referenced by order line items.
type Product struct {
	ID        string    `json:"id" firestore:"-"`
	Name      string    `json:"name" firestore:"name"`
	SKU       string    `json:"sku" firestore:"sku"`
	Price     int64     `json:"price" firestore:"price"`
	Currency  string    `json:"currency" firestore:"currency"`
	Active    bool      `json:"active" firestore:"active"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// StockLevel is the available on-hand quantity for one product.
type StockLevel struct {
	ProductID string    `json:"productId" firestore:"-"`
	Quantity  int       `json:"quantity" firestore:"quantity"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// StockMovementDirection distinguishes reservations from releases.
type StockMovementDirection string

const (
	StockMovementReserve StockMovementDirection = "reserve"
	StockMovementRelease StockMovementDirection = "release"
)

// StockMovementLine is one product delta inside a movement.
type StockMovementLine struct {
	ProductID string `json:"productId" firestore:"productId"`
	Quantity  int    `json:"quantity" firestore:"quantity"`
}

// StockMovement records an applied reservation or release so the
// same order can never adjust stock twice in the same direction.
type StockMovement struct {
	OrderID   string                 `json:"orderId" firestore:"orderId"`
	Direction StockMovementDirection `json:"direction" firestore:"direction"`
	Lines     []StockMovementLine    `json:"lines" firestore:"lines"`
	CreatedAt time.Time              `json:"createdAt" firestore:"createdAt"`
}

// Pagination carries offset paging parameters for list queries.
type Pagination struct {
	Page     int
	PageSize int
}

// Offset returns the number of records to skip for the current page.
func (p Pagination) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

// Page is one page of results plus enough metadata to keep paging.
type Page[T any] struct {
	Items    []T  `json:"items"`
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasMore  bool `json:"hasMore"`
}

// RangeQuery bounds a field between optional endpoints.
type RangeQuery[T any] struct {
	From *T
	To   *T
}
