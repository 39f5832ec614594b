package repositories

import (
	"context"
	"time"

	domain "github.com/ferncart/api/internal/domain"
)

// Registry hands out the typed repositories plus the shared lifecycle and
// transaction hooks the service layer composes over.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Stock() StockRepository
	Catalog() CatalogRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError classifies persistence failures so services can map them
// to the right domain error without inspecting driver internals.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations into one transactional boundary
// where the backing store supports it.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates and provides query helpers for users and admins.
//
// Insert writes the order header, line items, status history and the order
// number index entry atomically. It must fail with a conflict error when
// the order number is already claimed by another order.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	AppendHistory(ctx context.Context, entry domain.StatusHistoryEntry) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error)
}

// StockRepository manages on-hand quantities with transactional check-and-decrement guarantees.
type StockRepository interface {
	Reserve(ctx context.Context, req StockMovementRequest) (StockMovementResult, error)
	Release(ctx context.Context, req StockMovementRequest) (StockMovementResult, error)
	Get(ctx context.Context, productID string) (domain.StockLevel, error)
	ListLowStock(ctx context.Context, query StockLowStockQuery) (domain.Page[domain.StockLevel], error)
	Configure(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error)
}

// StockMovementRequest asks the repository to apply one reservation or release for an order.
type StockMovementRequest struct {
	OrderID string
	Lines   []domain.StockMovementLine
	Now     time.Time
}

// StockMovementResult reports the recorded movement and the stock levels it produced.
type StockMovementResult struct {
	Movement domain.StockMovement
	Stocks   map[string]domain.StockLevel

	// AlreadyApplied is set when a movement for the same order and
	// direction was recorded earlier and no quantities were changed.
	AlreadyApplied bool
}

// StockLowStockQuery controls threshold filtering and paging for low stock listings.
type StockLowStockQuery struct {
	Threshold  int
	Pagination domain.Pagination
}

// CatalogRepository stores product definitions referenced by order line items.
type CatalogRepository interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) (domain.Page[domain.Product], error)
	UpsertProduct(ctx context.Context, product domain.Product) (domain.Product, error)
}

// CounterRepository issues monotonically increasing sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository probes downstream dependencies and reports their status.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Query filters shared by the repository implementations.

type OrderListFilter struct {
	UserID        string
	Status        []domain.OrderStatus
	PaymentMethod *domain.PaymentMethod
	DateRange     domain.RangeQuery[time.Time]
	Pagination    domain.Pagination
}

type ProductFilter struct {
	Active     *bool
	Pagination domain.Pagination
}

// CounterConfig tunes the step size and bounds of a named counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
