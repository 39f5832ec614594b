package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/platform/textutil"
	"github.com/ferncart/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals missing or malformed command data.
	ErrOrderInvalidInput = errors.New("orders: invalid input")
	// ErrOrderNotFound indicates the order does not exist or is not visible to the caller.
	ErrOrderNotFound = errors.New("orders: not found")
	// ErrOrderInvalidState is returned when the requested lifecycle move is not legal.
	ErrOrderInvalidState = errors.New("orders: invalid state")
	// ErrOrderConflict indicates a concurrent modification or uniqueness clash.
	ErrOrderConflict = errors.New("orders: conflict")
	// ErrOrderInsufficientStock marks reservation failures caused by stock shortage.
	ErrOrderInsufficientStock = errors.New("orders: insufficient stock")
)

// InsufficientStockError names the product whose reservation could not be
// satisfied. errors.Is matches ErrOrderInsufficientStock through Unwrap.
type InsufficientStockError struct {
	ProductID string
}

func (e *InsufficientStockError) Error() string {
	if e == nil {
		return ErrOrderInsufficientStock.Error()
	}
	return fmt.Sprintf("insufficient stock for product %s", e.ProductID)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrOrderInsufficientStock
}

const (
	orderEventCreated        = "order.created"
	orderEventStatusChanged  = "order.status_changed"
	orderEventCancelled      = "order.cancelled"
	orderEventPaymentUpdated = "order.payment_updated"

	defaultOrderCreateRetries = 3
	defaultOrderPageSize      = 20
	maxOrderPageSize          = 100
)

// OrderServiceDeps bundles collaborators required to construct an order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Stock         repositories.StockRepository
	Catalog       repositories.CatalogRepository
	UnitOfWork    repositories.UnitOfWork
	Totals        *TotalsCalculator
	Numbers       *OrderNumberGenerator
	Events        OrderEventPublisher
	Notifications NotificationDispatcher

	DefaultCurrency string
	CreateRetries   int
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	stock         repositories.StockRepository
	catalog       repositories.CatalogRepository
	uow           repositories.UnitOfWork
	totals        *TotalsCalculator
	numbers       *OrderNumberGenerator
	events        OrderEventPublisher
	notifications NotificationDispatcher

	currency      string
	createRetries int
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires repositories and pricing collaborators into the
// order lifecycle coordinator.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog repository is required")
	}
	if deps.Totals == nil {
		return nil, errors.New("order service: totals calculator is required")
	}
	if deps.Numbers == nil {
		return nil, errors.New("order service: order number generator is required")
	}

	uow := deps.UnitOfWork
	if uow == nil {
		uow = noopUnitOfWork{}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}
	retries := deps.CreateRetries
	if retries <= 0 {
		retries = defaultOrderCreateRetries
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "ord_" + ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:        deps.Orders,
		stock:         deps.Stock,
		catalog:       deps.Catalog,
		uow:           uow,
		totals:        deps.Totals,
		numbers:       deps.Numbers,
		events:        deps.Events,
		notifications: deps.Notifications,
		currency:      currency,
		createRetries: retries,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Create places a new order: it snapshots catalogue prices, computes totals,
// reserves stock and writes the order atomically. Order number collisions are
// retried with a fresh number up to the configured budget.
func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	if ctx == nil {
		return domain.Order{}, fmt.Errorf("%w: context is required", ErrOrderInvalidInput)
	}
	if err := validateCreateCommand(cmd); err != nil {
		return domain.Order{}, err
	}

	items, err := s.snapshotLines(ctx, cmd)
	if err != nil {
		return domain.Order{}, err
	}

	totals, err := s.totals.Calculate(items, cmd.Discount)
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	currency := s.currency
	if strings.TrimSpace(cmd.Currency) != "" {
		normalized, err := textutil.NormalizeCurrency(cmd.Currency)
		if err != nil {
			return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		currency = normalized
	}

	var lastErr error
	for attempt := 0; attempt < s.createRetries; attempt++ {
		number, err := s.numbers.Generate(ctx)
		if err != nil {
			return domain.Order{}, s.mapRepositoryError(err)
		}

		order := s.buildOrder(cmd, number, currency, items, totals)

		err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
			if _, err := s.stock.Reserve(txCtx, repositories.StockMovementRequest{
				OrderID: order.ID,
				Lines:   movementLines(order.Items),
				Now:     order.CreatedAt,
			}); err != nil {
				return err
			}
			return s.orders.Insert(txCtx, order)
		})
		if err == nil {
			s.publishEvent(ctx, OrderEvent{
				Event:         orderEventCreated,
				OrderID:       order.ID,
				OrderNumber:   order.OrderNumber,
				UserID:        order.UserID,
				CurrentStatus: order.Status,
				PaymentStatus: order.PaymentStatus,
				TotalAmount:   order.Totals.Total,
				Currency:      order.Currency,
				OccurredAt:    order.CreatedAt,
			})
			return order, nil
		}

		mapped := s.mapStockError(err)
		if !errors.Is(mapped, ErrOrderConflict) {
			return domain.Order{}, mapped
		}
		lastErr = mapped
		s.logger(ctx, "order.create.retry", map[string]any{
			"attempt":     attempt + 1,
			"orderNumber": number,
		})
	}

	return domain.Order{}, fmt.Errorf("%w: order number retries exhausted: %v", ErrOrderConflict, lastErr)
}

// Get loads a single order with its items and history. A non-empty userID
// scopes visibility to that user's own orders.
func (s *orderService) Get(ctx context.Context, userID, orderID string) (domain.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if userID != "" && order.UserID != userID {
		return domain.Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

// GetByNumber resolves an order through its human-readable number.
func (s *orderService) GetByNumber(ctx context.Context, userID, orderNumber string) (domain.Order, error) {
	if strings.TrimSpace(orderNumber) == "" {
		return domain.Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByNumber(ctx, orderNumber)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if userID != "" && order.UserID != userID {
		return domain.Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderNumber)
	}
	return order, nil
}

// List returns order headers matching the filter, newest first.
func (s *orderService) List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error) {
	if filter.Pagination.Page <= 0 {
		filter.Pagination.Page = 1
	}
	if filter.Pagination.PageSize <= 0 {
		filter.Pagination.PageSize = defaultOrderPageSize
	}
	if filter.Pagination.PageSize > maxOrderPageSize {
		filter.Pagination.PageSize = maxOrderPageSize
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.Page[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// TransitionStatus moves an order along the lifecycle. Cancellation is not
// accepted here because it also releases stock; use Cancel.
func (s *orderService) TransitionStatus(ctx context.Context, cmd TransitionOrderCommand) (domain.Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target, ok := domain.ParseOrderStatus(string(cmd.TargetStatus))
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}
	if target == domain.OrderStatusCancelled {
		return domain.Order{}, fmt.Errorf("%w: cancellation must go through the cancel operation", ErrOrderInvalidInput)
	}

	var updated domain.Order
	var previous domain.OrderStatus

	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, cmd.OrderID)
		if err != nil {
			return err
		}
		if cmd.UserID != "" && order.UserID != cmd.UserID {
			return fmt.Errorf("%w: order %s", ErrOrderNotFound, cmd.OrderID)
		}
		if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
			return fmt.Errorf("%w: expected status %s but order is %s", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
		}
		if !CanTransitionOrder(order.Status, target) {
			return fmt.Errorf("%w: cannot transition from %s to %s", ErrOrderInvalidState, order.Status, target)
		}

		now := s.clock()
		previous = order.Status
		order.Status = target
		order.UpdatedAt = now

		if err := s.orders.Update(txCtx, order); err != nil {
			return err
		}
		if err := s.orders.AppendHistory(txCtx, s.historyEntry(order.ID, target, cmd.Actor, cmd.Note, now)); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Event:          orderEventStatusChanged,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		PreviousStatus: previous,
		CurrentStatus:  updated.Status,
		PaymentStatus:  updated.PaymentStatus,
		TotalAmount:    updated.Totals.Total,
		Currency:       updated.Currency,
		OccurredAt:     updated.UpdatedAt,
	})
	return updated, nil
}

// Cancel marks the order cancelled and releases its stock reservation in the
// same transaction, so the status change and the restock commit together.
// Cancelled is terminal; a second cancel fails with ErrOrderInvalidState.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var updated domain.Order
	var previous domain.OrderStatus

	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, cmd.OrderID)
		if err != nil {
			return err
		}
		if cmd.UserID != "" && order.UserID != cmd.UserID {
			return fmt.Errorf("%w: order %s", ErrOrderNotFound, cmd.OrderID)
		}
		if !isCancellable(order.Status) {
			return fmt.Errorf("%w: order in status %s cannot be cancelled", ErrOrderInvalidState, order.Status)
		}

		now := s.clock()

		// Stock reads must happen before the order writes below; the
		// release buffers its own writes until its reads are done.
		release, err := s.stock.Release(txCtx, repositories.StockMovementRequest{
			OrderID: order.ID,
			Lines:   movementLines(order.Items),
			Now:     now,
		})
		if err != nil {
			return err
		}
		if release.AlreadyApplied {
			s.logger(txCtx, "order.cancel.release_already_applied", map[string]any{
				"orderId": order.ID,
			})
		}

		previous = order.Status
		order.Status = domain.OrderStatusCancelled
		order.CancelReason = textutil.CleanText(cmd.Reason)
		order.CancelledAt = &now
		order.UpdatedAt = now

		if err := s.orders.Update(txCtx, order); err != nil {
			return err
		}
		note := order.CancelReason
		if note == "" {
			note = "order cancelled"
		}
		if err := s.orders.AppendHistory(txCtx, s.historyEntry(order.ID, domain.OrderStatusCancelled, cmd.Actor, note, now)); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapStockError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Event:          orderEventCancelled,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		PreviousStatus: previous,
		CurrentStatus:  updated.Status,
		PaymentStatus:  updated.PaymentStatus,
		TotalAmount:    updated.Totals.Total,
		Currency:       updated.Currency,
		OccurredAt:     updated.UpdatedAt,
		Metadata:       cancelMetadata(updated.CancelReason),
	})
	return updated, nil
}

// UpdatePaymentStatus records a provider-reported payment change.
func (s *orderService) UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (domain.Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target, ok := domain.ParsePaymentStatus(string(cmd.Status))
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, cmd.Status)
	}

	var updated domain.Order
	changed := false

	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, cmd.OrderID)
		if err != nil {
			return err
		}
		if order.PaymentStatus == target {
			updated = order
			return nil
		}
		if !CanTransitionPayment(order.PaymentStatus, target) {
			return fmt.Errorf("%w: cannot move payment from %s to %s", ErrOrderInvalidState, order.PaymentStatus, target)
		}

		now := s.clock()
		order.PaymentStatus = target
		order.UpdatedAt = now

		if err := s.orders.Update(txCtx, order); err != nil {
			return err
		}
		note := strings.TrimSpace(cmd.Note)
		if note == "" {
			note = fmt.Sprintf("payment %s", target)
		}
		if err := s.orders.AppendHistory(txCtx, s.historyEntry(order.ID, order.Status, cmd.Actor, note, now)); err != nil {
			return err
		}
		updated = order
		changed = true
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	if changed {
		s.publishEvent(ctx, OrderEvent{
			Event:         orderEventPaymentUpdated,
			OrderID:       updated.ID,
			OrderNumber:   updated.OrderNumber,
			UserID:        updated.UserID,
			CurrentStatus: updated.Status,
			PaymentStatus: updated.PaymentStatus,
			TotalAmount:   updated.Totals.Total,
			Currency:      updated.Currency,
			OccurredAt:    updated.UpdatedAt,
		})
	}
	return updated, nil
}

// validateCreateCommand checks the order request shape. UserID may be empty;
// guest orders carry no owning user.
func validateCreateCommand(cmd CreateOrderCommand) error {
	if len(cmd.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrOrderInvalidInput)
	}
	if cmd.Discount < 0 {
		return fmt.Errorf("%w: discount must not be negative", ErrOrderInvalidInput)
	}
	if _, ok := domain.ParsePaymentMethod(string(cmd.PaymentMethod)); !ok {
		return fmt.Errorf("%w: unknown payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	seen := make(map[string]struct{}, len(cmd.Lines))
	for i, line := range cmd.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return fmt.Errorf("%w: line %d is missing a product id", ErrOrderInvalidInput, i)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: line %d has non-positive quantity", ErrOrderInvalidInput, i)
		}
		if _, dup := seen[line.ProductID]; dup {
			return fmt.Errorf("%w: product %s appears more than once", ErrOrderInvalidInput, line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
	}
	return nil
}

// snapshotLines resolves each requested product and freezes its name, SKU and
// price onto the order line.
func (s *orderService) snapshotLines(ctx context.Context, cmd CreateOrderCommand) ([]domain.OrderLineItem, error) {
	items := make([]domain.OrderLineItem, 0, len(cmd.Lines))
	now := s.clock()
	for _, line := range cmd.Lines {
		product, err := s.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return nil, fmt.Errorf("%w: product %s", ErrOrderNotFound, line.ProductID)
			}
			return nil, s.mapRepositoryError(err)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product %s is not available", ErrOrderInvalidInput, line.ProductID)
		}
		items = append(items, domain.OrderLineItem{
			ID:          s.newID(),
			ProductID:   product.ID,
			ProductName: product.Name,
			ProductSKU:  product.SKU,
			Quantity:    line.Quantity,
			UnitPrice:   product.Price,
			TotalPrice:  int64(line.Quantity) * product.Price,
			CreatedAt:   now,
		})
	}
	return items, nil
}

func (s *orderService) buildOrder(cmd CreateOrderCommand, number, currency string, items []domain.OrderLineItem, totals domain.OrderTotals) domain.Order {
	now := s.clock()
	orderID := s.newID()

	lines := make([]domain.OrderLineItem, len(items))
	copy(lines, items)
	for i := range lines {
		lines[i].OrderID = orderID
	}

	placedAt := now
	return domain.Order{
		ID:            orderID,
		OrderNumber:   number,
		UserID:        strings.TrimSpace(cmd.UserID),
		Status:        domain.OrderStatusPending,
		PaymentMethod: cmd.PaymentMethod,
		PaymentStatus: domain.PaymentStatusPending,
		Totals:        totals,
		Currency:      currency,
		Notes:         textutil.CleanText(cmd.Notes),
		Items:         lines,
		History: []domain.StatusHistoryEntry{
			s.historyEntry(orderID, domain.OrderStatusPending, cmd.UserID, "order placed", now),
		},
		CreatedAt: now,
		UpdatedAt: now,
		PlacedAt:  &placedAt,
	}
}

func (s *orderService) historyEntry(orderID string, status domain.OrderStatus, actor, note string, now time.Time) domain.StatusHistoryEntry {
	notes := textutil.CleanText(note)
	if actor = strings.TrimSpace(actor); actor != "" {
		if notes != "" {
			notes = fmt.Sprintf("%s (by %s)", notes, actor)
		} else {
			notes = fmt.Sprintf("by %s", actor)
		}
	}
	return domain.StatusHistoryEntry{
		ID:        s.newID(),
		OrderID:   orderID,
		Status:    status,
		Notes:     notes,
		CreatedAt: now,
	}
}

// publishEvent delivers lifecycle events best effort; failures are logged and
// never bubble up to the caller because the state change already committed.
func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events != nil {
		if _, err := s.events.PublishOrderEvent(ctx, event); err != nil {
			s.logger(ctx, "order.event.publish_failed", map[string]any{
				"event":   event.Event,
				"orderId": event.OrderID,
				"error":   err.Error(),
			})
		}
	}
	if s.notifications != nil {
		s.notifications.Dispatch(ctx, event)
	}
}

// mapStockError translates typed stock failures before falling back to the
// generic repository mapping.
func (s *orderService) mapStockError(err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficientStock:
			return &InsufficientStockError{ProductID: stockErr.ProductID}
		case repositories.StockErrorNotFound:
			return fmt.Errorf("%w: no stock record for product %s", ErrOrderNotFound, stockErr.ProductID)
		case repositories.StockErrorMovementConflict:
			return fmt.Errorf("%w: %s", ErrOrderConflict, stockErr.Message)
		}
	}
	return s.mapRepositoryError(err)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrOrderInvalidInput) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrOrderInvalidState) ||
		errors.Is(err, ErrOrderConflict) ||
		errors.Is(err, ErrOrderInsufficientStock) ||
		errors.Is(err, ErrOrderNumberExhausted) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return err
}

func movementLines(items []domain.OrderLineItem) []domain.StockMovementLine {
	lines := make([]domain.StockMovementLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.StockMovementLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	return lines
}

func cancelMetadata(reason string) map[string]any {
	if reason == "" {
		return nil
	}
	return map[string]any{"reason": reason}
}

// noopUnitOfWork executes the function without a transactional boundary.
type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
