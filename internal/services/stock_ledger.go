package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/repositories"
)

var (
	// ErrStockInvalidInput signals malformed movement or level commands.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockNotFound indicates no stock record exists for the product.
	ErrStockNotFound = errors.New("stock: not found")
	// ErrStockInsufficient indicates a reservation exceeds availability.
	ErrStockInsufficient = errors.New("stock: insufficient")
	// ErrStockMovementConflict indicates the order already holds a movement in that direction.
	ErrStockMovementConflict = errors.New("stock: movement already recorded")
)

const (
	defaultLowStockThreshold = 10
	defaultLowStockPageSize  = 50
)

// StockLedgerDeps bundles collaborators for the stock ledger service.
type StockLedgerDeps struct {
	Stock  repositories.StockRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type stockLedger struct {
	stock  repositories.StockRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

var _ StockLedger = (*stockLedger)(nil)

// NewStockLedger wires the stock repository into the ledger service.
func NewStockLedger(deps StockLedgerDeps) (StockLedger, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock ledger: stock repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &stockLedger{
		stock: deps.Stock,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Reserve decrements availability for every line or fails without changes.
func (s *stockLedger) Reserve(ctx context.Context, cmd StockMovementCommand) (StockMovementSummary, error) {
	return s.apply(ctx, cmd, s.stock.Reserve)
}

// Release returns previously reserved quantities. Releasing an order that
// was already released, or never reserved, is a recorded no-op.
func (s *stockLedger) Release(ctx context.Context, cmd StockMovementCommand) (StockMovementSummary, error) {
	return s.apply(ctx, cmd, s.stock.Release)
}

func (s *stockLedger) apply(ctx context.Context, cmd StockMovementCommand, op func(context.Context, repositories.StockMovementRequest) (repositories.StockMovementResult, error)) (StockMovementSummary, error) {
	if err := validateMovementCommand(cmd); err != nil {
		return StockMovementSummary{}, err
	}

	lines := make([]domain.StockMovementLine, 0, len(cmd.Lines))
	for _, line := range cmd.Lines {
		lines = append(lines, domain.StockMovementLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	result, err := op(ctx, repositories.StockMovementRequest{
		OrderID: cmd.OrderID,
		Lines:   lines,
		Now:     s.clock(),
	})
	if err != nil {
		return StockMovementSummary{}, mapStockRepositoryError(err)
	}
	if result.AlreadyApplied {
		s.logger(ctx, "stock.movement.already_applied", map[string]any{
			"orderId": cmd.OrderID,
		})
	}
	return StockMovementSummary{
		Movement:       result.Movement,
		Levels:         result.Stocks,
		AlreadyApplied: result.AlreadyApplied,
	}, nil
}

// GetLevel returns the current availability for one product.
func (s *stockLedger) GetLevel(ctx context.Context, productID string) (domain.StockLevel, error) {
	if strings.TrimSpace(productID) == "" {
		return domain.StockLevel{}, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	level, err := s.stock.Get(ctx, productID)
	if err != nil {
		return domain.StockLevel{}, mapStockRepositoryError(err)
	}
	return level, nil
}

// ListLowStock pages through products at or below the threshold, most
// depleted first.
func (s *stockLedger) ListLowStock(ctx context.Context, query LowStockQuery) (domain.Page[domain.StockLevel], error) {
	if query.Threshold < 0 {
		return domain.Page[domain.StockLevel]{}, fmt.Errorf("%w: threshold must not be negative", ErrStockInvalidInput)
	}
	if query.Threshold == 0 {
		query.Threshold = defaultLowStockThreshold
	}
	if query.Pagination.Page <= 0 {
		query.Pagination.Page = 1
	}
	if query.Pagination.PageSize <= 0 {
		query.Pagination.PageSize = defaultLowStockPageSize
	}
	page, err := s.stock.ListLowStock(ctx, repositories.StockLowStockQuery{
		Threshold:  query.Threshold,
		Pagination: query.Pagination,
	})
	if err != nil {
		return domain.Page[domain.StockLevel]{}, mapStockRepositoryError(err)
	}
	return page, nil
}

// SetLevel overwrites the availability for a product.
func (s *stockLedger) SetLevel(ctx context.Context, cmd SetStockLevelCommand) (domain.StockLevel, error) {
	if strings.TrimSpace(cmd.ProductID) == "" {
		return domain.StockLevel{}, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	if cmd.Quantity < 0 {
		return domain.StockLevel{}, fmt.Errorf("%w: quantity must not be negative", ErrStockInvalidInput)
	}
	level, err := s.stock.Configure(ctx, cmd.ProductID, cmd.Quantity, s.clock())
	if err != nil {
		return domain.StockLevel{}, mapStockRepositoryError(err)
	}
	return level, nil
}

func validateMovementCommand(cmd StockMovementCommand) error {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrStockInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrStockInvalidInput)
	}
	for i, line := range cmd.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return fmt.Errorf("%w: line %d is missing a product id", ErrStockInvalidInput, i)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: line %d has non-positive quantity", ErrStockInvalidInput, i)
		}
	}
	return nil
}

func mapStockRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficientStock:
			return fmt.Errorf("%w: product %s", ErrStockInsufficient, stockErr.ProductID)
		case repositories.StockErrorNotFound:
			return fmt.Errorf("%w: product %s", ErrStockNotFound, stockErr.ProductID)
		case repositories.StockErrorMovementConflict:
			return fmt.Errorf("%w: %s", ErrStockMovementConflict, stockErr.Message)
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrStockNotFound, err)
	}
	return err
}
