package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/ferncart/api/internal/domain"
	pfirestore "github.com/ferncart/api/internal/platform/firestore"
	"github.com/ferncart/api/internal/repositories"
)

const (
	stockCollection          = "stock"
	stockMovementsCollection = "stockMovements"
)

// StockRepository implements repositories.StockRepository on Firestore.
//
// Reservations and releases run as transactional check-and-mutate on the
// stock documents. A movement marker document keyed by order and direction
// is created in the same transaction, which makes each direction apply at
// most once per order regardless of retries.
type StockRepository struct {
	provider  *pfirestore.Provider
	stocks    *pfirestore.BaseRepository[stockDocument]
	movements *pfirestore.BaseRepository[stockMovementDocument]
}

// NewStockRepository constructs a Firestore-backed stock repository.
func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	stocks := pfirestore.NewBaseRepository[stockDocument](provider, stockCollection, nil, nil)
	movements := pfirestore.NewBaseRepository[stockMovementDocument](provider, stockMovementsCollection, nil, nil)
	return &StockRepository{provider: provider, stocks: stocks, movements: movements}, nil
}

// Reserve decrements on-hand quantities for every line or fails without
// changing anything when any product lacks availability.
func (r *StockRepository) Reserve(ctx context.Context, req repositories.StockMovementRequest) (repositories.StockMovementResult, error) {
	result, err := r.apply(ctx, domain.StockMovementReserve, req)
	if err != nil {
		return repositories.StockMovementResult{}, wrapStockError("stock.reserve", err)
	}
	return result, nil
}

// Release restores the quantities a prior reservation removed. Calling it
// again for the same order is a no-op.
func (r *StockRepository) Release(ctx context.Context, req repositories.StockMovementRequest) (repositories.StockMovementResult, error) {
	result, err := r.apply(ctx, domain.StockMovementRelease, req)
	if err != nil {
		return repositories.StockMovementResult{}, wrapStockError("stock.release", err)
	}
	return result, nil
}

func (r *StockRepository) apply(ctx context.Context, direction domain.StockMovementDirection, req repositories.StockMovementRequest) (repositories.StockMovementResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockMovementResult{}, errors.New("stock repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return repositories.StockMovementResult{}, errors.New("stock movement: order id is required")
	}
	if len(req.Lines) == 0 {
		return repositories.StockMovementResult{}, errors.New("stock movement: at least one line is required")
	}
	for _, line := range req.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return repositories.StockMovementResult{}, repositories.NewStockError(repositories.StockErrorNotFound, "", "stock movement: product id is required", nil)
		}
		if line.Quantity <= 0 {
			return repositories.StockMovementResult{}, repositories.NewStockError(repositories.StockErrorUnknown, line.ProductID, fmt.Sprintf("stock movement: quantity for %s must be > 0", line.ProductID), nil)
		}
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var result repositories.StockMovementResult
	err := r.run(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		markerRef, err := r.movements.DocumentRef(ctx, movementDocID(orderID, direction))
		if err != nil {
			return err
		}
		if snap, err := tx.Get(markerRef); err == nil {
			if direction == domain.StockMovementRelease {
				var doc stockMovementDocument
				if decodeErr := snap.DataTo(&doc); decodeErr != nil {
					return fmt.Errorf("decode stock movement %s: %w", snap.Ref.ID, decodeErr)
				}
				result = repositories.StockMovementResult{
					Movement:       doc.toDomain(),
					AlreadyApplied: true,
				}
				return nil
			}
			return repositories.NewStockError(repositories.StockErrorMovementConflict, "", fmt.Sprintf("order %s already reserved stock", orderID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		if direction == domain.StockMovementRelease {
			// Nothing to restore when the order never reserved stock.
			reserveRef, err := r.movements.DocumentRef(ctx, movementDocID(orderID, domain.StockMovementReserve))
			if err != nil {
				return err
			}
			if _, err := tx.Get(reserveRef); err != nil {
				if status.Code(err) == codes.NotFound {
					result = repositories.StockMovementResult{AlreadyApplied: true}
					return nil
				}
				return err
			}
		}

		type pendingWrite struct {
			ref *firestore.DocumentRef
			doc stockDocument
		}
		writes := make([]pendingWrite, 0, len(req.Lines))
		stocks := make(map[string]domain.StockLevel, len(req.Lines))

		for _, line := range req.Lines {
			productID := strings.TrimSpace(line.ProductID)
			stockRef, err := r.stocks.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(stockRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorNotFound, productID, fmt.Sprintf("stock for %s not found", productID), err)
				}
				return err
			}
			var doc stockDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode stock %s: %w", productID, err)
			}

			switch direction {
			case domain.StockMovementReserve:
				if doc.Quantity < line.Quantity {
					return repositories.NewStockError(repositories.StockErrorInsufficientStock, productID, fmt.Sprintf("insufficient stock for %s", productID), nil)
				}
				doc.Quantity -= line.Quantity
			case domain.StockMovementRelease:
				doc.Quantity += line.Quantity
			}
			doc.UpdatedAt = now

			writes = append(writes, pendingWrite{ref: stockRef, doc: doc})
			stocks[productID] = doc.toDomain(productID)
		}

		for _, w := range writes {
			if err := tx.Set(w.ref, w.doc); err != nil {
				return err
			}
		}

		marker := newStockMovementDocument(orderID, direction, req.Lines, now)
		if err := tx.Create(markerRef, marker); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewStockError(repositories.StockErrorMovementConflict, "", fmt.Sprintf("order %s already applied %s", orderID, direction), err)
			}
			return err
		}

		result = repositories.StockMovementResult{
			Movement: marker.toDomain(),
			Stocks:   stocks,
		}
		return nil
	})
	if err != nil {
		return repositories.StockMovementResult{}, err
	}
	return result, nil
}

// Get returns the stock level for one product.
func (r *StockRepository) Get(ctx context.Context, productID string) (domain.StockLevel, error) {
	if r == nil || r.stocks == nil {
		return domain.StockLevel{}, errors.New("stock repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.StockLevel{}, errors.New("stock get: product id is required")
	}

	doc, err := r.stocks.Get(ctx, productID)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorNotFound, productID, fmt.Sprintf("stock for %s not found", productID), err)
		}
		return domain.StockLevel{}, wrapStockError("stock.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListLowStock returns stock levels at or below the threshold ordered by quantity.
func (r *StockRepository) ListLowStock(ctx context.Context, query repositories.StockLowStockQuery) (domain.Page[domain.StockLevel], error) {
	if r == nil || r.provider == nil {
		return domain.Page[domain.StockLevel]{}, errors.New("stock repository not initialised")
	}

	page := query.Pagination.Page
	if page <= 0 {
		page = 1
	}
	pageSize := query.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	threshold := query.Threshold
	if threshold < 0 {
		threshold = 0
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Page[domain.StockLevel]{}, wrapStockError("stock.lowStock", err)
	}

	q := client.Collection(stockCollection).Query.
		Where("quantity", "<=", threshold).
		OrderBy("quantity", firestore.Asc).
		Offset((page - 1) * pageSize).
		Limit(pageSize + 1)

	iter := q.Documents(ctx)
	defer iter.Stop()

	var levels []domain.StockLevel
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.Page[domain.StockLevel]{}, wrapStockError("stock.lowStock", err)
		}
		var doc stockDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Page[domain.StockLevel]{}, fmt.Errorf("decode stock %s: %w", snap.Ref.ID, err)
		}
		levels = append(levels, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(levels) > pageSize
	if hasMore {
		levels = levels[:pageSize]
	}

	return domain.Page[domain.StockLevel]{
		Items:    levels,
		Page:     page,
		PageSize: pageSize,
		HasMore:  hasMore,
	}, nil
}

// Configure sets the absolute on-hand quantity for a product, creating the record if needed.
func (r *StockRepository) Configure(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error) {
	if r == nil || r.stocks == nil {
		return domain.StockLevel{}, errors.New("stock repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.StockLevel{}, errors.New("stock configure: product id is required")
	}
	if quantity < 0 {
		return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorUnknown, productID, "stock configure: quantity must be >= 0", nil)
	}

	doc := stockDocument{Quantity: quantity, UpdatedAt: now.UTC()}
	if _, err := r.stocks.Set(ctx, productID, doc); err != nil {
		return domain.StockLevel{}, wrapStockError("stock.configure", err)
	}
	return doc.toDomain(productID), nil
}

// run joins a transaction already carried by the context or opens its own.
func (r *StockRepository) run(ctx context.Context, fn pfirestore.TxFunc) error {
	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	return r.provider.RunTransaction(ctx, fn)
}

// Supporting types.

type stockDocument struct {
	Quantity  int       `firestore:"quantity"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (s stockDocument) toDomain(productID string) domain.StockLevel {
	return domain.StockLevel{
		ProductID: productID,
		Quantity:  s.Quantity,
		UpdatedAt: s.UpdatedAt,
	}
}

type stockMovementDocument struct {
	OrderID   string                      `firestore:"orderId"`
	Direction string                      `firestore:"direction"`
	Lines     []stockMovementLineDocument `firestore:"lines"`
	CreatedAt time.Time                   `firestore:"createdAt"`
}

type stockMovementLineDocument struct {
	ProductID string `firestore:"productId"`
	Quantity  int    `firestore:"qty"`
}

func movementDocID(orderID string, direction domain.StockMovementDirection) string {
	return fmt.Sprintf("%s_%s", orderID, direction)
}

func newStockMovementDocument(orderID string, direction domain.StockMovementDirection, lines []domain.StockMovementLine, now time.Time) stockMovementDocument {
	docLines := make([]stockMovementLineDocument, len(lines))
	for i, line := range lines {
		docLines[i] = stockMovementLineDocument{
			ProductID: strings.TrimSpace(line.ProductID),
			Quantity:  line.Quantity,
		}
	}
	return stockMovementDocument{
		OrderID:   orderID,
		Direction: string(direction),
		Lines:     docLines,
		CreatedAt: now,
	}
}

func (d stockMovementDocument) toDomain() domain.StockMovement {
	lines := make([]domain.StockMovementLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.StockMovementLine{ProductID: line.ProductID, Quantity: line.Quantity}
	}
	return domain.StockMovement{
		OrderID:   d.OrderID,
		Direction: domain.StockMovementDirection(d.Direction),
		Lines:     lines,
		CreatedAt: d.CreatedAt,
	}
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}
