package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/ferncart/api/internal/domain"
	pfirestore "github.com/ferncart/api/internal/platform/firestore"
	"github.com/ferncart/api/internal/repositories"
)

const (
	ordersCollection        = "orders"
	orderItemsCollection    = "items"
	orderHistoryCollection  = "statusHistory"
	orderNumbersCollection  = "orderNumbers"
	defaultOrderPageSize    = 20
	maxOrderPageSize        = 100
	maxOrderStatusFilterLen = 10
)

// OrderRepository implements repositories.OrderRepository on Firestore.
//
// The order header lives in orders/{id}; line items and status history are
// subcollections. orderNumbers/{number} maps each issued number back to its
// order so uniqueness is enforced at insert time by a transactional create.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	numbers  *pfirestore.BaseRepository[orderNumberDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	numbers := pfirestore.NewBaseRepository[orderNumberDocument](provider, orderNumbersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: orders, numbers: numbers}, nil
}

// Insert writes the order header, items, initial history and the number
// index entry in one transaction. A claimed order number surfaces as a
// conflict error so the caller can regenerate and retry.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: order id is required")
	}
	if strings.TrimSpace(order.OrderNumber) == "" {
		return errors.New("order insert: order number is required")
	}
	if len(order.Items) == 0 {
		return errors.New("order insert: at least one line item is required")
	}

	err := r.run(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		numberRef, err := r.numbers.DocumentRef(ctx, order.OrderNumber)
		if err != nil {
			return err
		}

		if err := tx.Create(numberRef, orderNumberDocument{
			OrderID:   order.ID,
			CreatedAt: order.CreatedAt.UTC(),
		}); err != nil {
			return err
		}
		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		for _, item := range order.Items {
			itemRef := orderRef.Collection(orderItemsCollection).Doc(item.ID)
			if err := tx.Create(itemRef, newOrderItemDocument(item)); err != nil {
				return err
			}
		}
		for _, entry := range order.History {
			historyRef := orderRef.Collection(orderHistoryCollection).Doc(entry.ID)
			if err := tx.Create(historyRef, newOrderHistoryDocument(entry)); err != nil {
				return err
			}
		}
		return nil
	})
	return pfirestore.WrapError("orders.insert", err)
}

// Update rewrites the order header document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: order id is required")
	}

	err := r.run(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		return tx.Set(orderRef, newOrderDocument(order))
	})
	return pfirestore.WrapError("orders.update", err)
}

// AppendHistory records one lifecycle step under the order.
func (r *OrderRepository) AppendHistory(ctx context.Context, entry domain.StatusHistoryEntry) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(entry.OrderID) == "" {
		return errors.New("order history: order id is required")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("order history: entry id is required")
	}

	err := r.run(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, entry.OrderID)
		if err != nil {
			return err
		}
		historyRef := orderRef.Collection(orderHistoryCollection).Doc(entry.ID)
		return tx.Create(historyRef, newOrderHistoryDocument(entry))
	})
	return pfirestore.WrapError("orders.appendHistory", err)
}

// FindByID loads the order header together with its items and history.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByID", err)
	}
	orderRef := client.Collection(ordersCollection).Doc(orderID)

	var order domain.Order
	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		snap, err := tx.Get(orderRef)
		if err != nil {
			return domain.Order{}, pfirestore.WrapError("orders.findByID", err)
		}
		order, err = decodeOrder(snap)
		if err != nil {
			return domain.Order{}, err
		}
		order.Items, err = r.loadItems(ctx, tx.Documents(orderRef.Collection(orderItemsCollection).OrderBy("createdAt", firestore.Asc)), orderID)
		if err != nil {
			return domain.Order{}, err
		}
		order.History, err = r.loadHistory(ctx, tx.Documents(orderRef.Collection(orderHistoryCollection).OrderBy("createdAt", firestore.Asc)), orderID)
		if err != nil {
			return domain.Order{}, err
		}
		return order, nil
	}

	snap, err := orderRef.Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByID", err)
	}
	order, err = decodeOrder(snap)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items, err = r.loadItems(ctx, orderRef.Collection(orderItemsCollection).OrderBy("createdAt", firestore.Asc).Documents(ctx), orderID)
	if err != nil {
		return domain.Order{}, err
	}
	order.History, err = r.loadHistory(ctx, orderRef.Collection(orderHistoryCollection).OrderBy("createdAt", firestore.Asc).Documents(ctx), orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// FindByNumber resolves the number index entry and loads the order it points at.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.numbers == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, errors.New("order find: order number is required")
	}

	doc, err := r.numbers.Get(ctx, orderNumber)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByNumber", err)
	}
	return r.FindByID(ctx, doc.Data.OrderID)
}

// List queries order headers using offset pagination, newest first.
// Items and history are intentionally not loaded for listings.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.Page[domain.Order]{}, errors.New("order repository not initialised")
	}
	if len(filter.Status) > maxOrderStatusFilterLen {
		return domain.Page[domain.Order]{}, fmt.Errorf("order list: at most %d status filters are supported", maxOrderStatusFilterLen)
	}

	page := filter.Pagination.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}
	if pageSize > maxOrderPageSize {
		pageSize = maxOrderPageSize
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Page[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	q := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		q = q.Where("userId", "==", userID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		q = q.Where("status", "in", statuses)
	}
	if filter.PaymentMethod != nil {
		q = q.Where("paymentMethod", "==", string(*filter.PaymentMethod))
	}
	if filter.DateRange.From != nil {
		q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		q = q.Where("createdAt", "<", filter.DateRange.To.UTC())
	}
	q = q.OrderBy("createdAt", firestore.Desc).
		Offset((page - 1) * pageSize).
		Limit(pageSize + 1)

	iter := q.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.Page[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return domain.Page[domain.Order]{}, err
		}
		orders = append(orders, order)
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}

	return domain.Page[domain.Order]{
		Items:    orders,
		Page:     page,
		PageSize: pageSize,
		HasMore:  hasMore,
	}, nil
}

func (r *OrderRepository) loadItems(_ context.Context, iter *firestore.DocumentIterator, orderID string) ([]domain.OrderLineItem, error) {
	defer iter.Stop()
	var items []domain.OrderLineItem
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.items", err)
		}
		var doc orderItemDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode order item %s: %w", snap.Ref.ID, err)
		}
		items = append(items, doc.toDomain(snap.Ref.ID, orderID))
	}
	return items, nil
}

func (r *OrderRepository) loadHistory(_ context.Context, iter *firestore.DocumentIterator, orderID string) ([]domain.StatusHistoryEntry, error) {
	defer iter.Stop()
	var entries []domain.StatusHistoryEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.history", err)
		}
		var doc orderHistoryDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode status history %s: %w", snap.Ref.ID, err)
		}
		entries = append(entries, doc.toDomain(snap.Ref.ID, orderID))
	}
	return entries, nil
}

// run joins a transaction already carried by the context or opens its own.
func (r *OrderRepository) run(ctx context.Context, fn pfirestore.TxFunc) error {
	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	return r.provider.RunTransaction(ctx, fn)
}

// Supporting types.

type orderDocument struct {
	OrderNumber   string              `firestore:"orderNumber"`
	UserID        string              `firestore:"userId"`
	Status        string              `firestore:"status"`
	PaymentMethod string              `firestore:"paymentMethod"`
	PaymentStatus string              `firestore:"paymentStatus"`
	Totals        orderTotalsDocument `firestore:"totals"`
	Currency      string              `firestore:"currency"`
	Notes         string              `firestore:"notes,omitempty"`
	CancelReason  string              `firestore:"cancelReason,omitempty"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
	PlacedAt      *time.Time          `firestore:"placedAt,omitempty"`
	CancelledAt   *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Tax      int64 `firestore:"tax"`
	Shipping int64 `firestore:"shipping"`
	Discount int64 `firestore:"discount"`
	Total    int64 `firestore:"total"`
}

type orderItemDocument struct {
	ProductID   string    `firestore:"productId"`
	ProductName string    `firestore:"productName"`
	ProductSKU  string    `firestore:"productSku"`
	Quantity    int       `firestore:"quantity"`
	UnitPrice   int64     `firestore:"unitPrice"`
	TotalPrice  int64     `firestore:"totalPrice"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

type orderHistoryDocument struct {
	Status    string    `firestore:"status"`
	Notes     string    `firestore:"notes,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type orderNumberDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		OrderNumber:   strings.TrimSpace(order.OrderNumber),
		UserID:        strings.TrimSpace(order.UserID),
		Status:        string(order.Status),
		PaymentMethod: string(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		Totals: orderTotalsDocument{
			Subtotal: order.Totals.Subtotal,
			Tax:      order.Totals.Tax,
			Shipping: order.Totals.Shipping,
			Discount: order.Totals.Discount,
			Total:    order.Totals.Total,
		},
		Currency:     strings.TrimSpace(order.Currency),
		Notes:        order.Notes,
		CancelReason: order.CancelReason,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
		PlacedAt:     order.PlacedAt,
		CancelledAt:  order.CancelledAt,
	}
}

func newOrderItemDocument(item domain.OrderLineItem) orderItemDocument {
	return orderItemDocument{
		ProductID:   strings.TrimSpace(item.ProductID),
		ProductName: item.ProductName,
		ProductSKU:  strings.TrimSpace(item.ProductSKU),
		Quantity:    item.Quantity,
		UnitPrice:   item.UnitPrice,
		TotalPrice:  item.TotalPrice,
		CreatedAt:   item.CreatedAt.UTC(),
	}
}

func newOrderHistoryDocument(entry domain.StatusHistoryEntry) orderHistoryDocument {
	return orderHistoryDocument{
		Status:    string(entry.Status),
		Notes:     entry.Notes,
		CreatedAt: entry.CreatedAt.UTC(),
	}
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

func (d orderDocument) toDomain(id string) domain.Order {
	return domain.Order{
		ID:            id,
		OrderNumber:   d.OrderNumber,
		UserID:        d.UserID,
		Status:        domain.OrderStatus(d.Status),
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		Totals: domain.OrderTotals{
			Subtotal: d.Totals.Subtotal,
			Tax:      d.Totals.Tax,
			Shipping: d.Totals.Shipping,
			Discount: d.Totals.Discount,
			Total:    d.Totals.Total,
		},
		Currency:     d.Currency,
		Notes:        d.Notes,
		CancelReason: d.CancelReason,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		PlacedAt:     d.PlacedAt,
		CancelledAt:  d.CancelledAt,
	}
}

func (d orderItemDocument) toDomain(id string, orderID string) domain.OrderLineItem {
	return domain.OrderLineItem{
		ID:          id,
		OrderID:     orderID,
		ProductID:   d.ProductID,
		ProductName: d.ProductName,
		ProductSKU:  d.ProductSKU,
		Quantity:    d.Quantity,
		UnitPrice:   d.UnitPrice,
		TotalPrice:  d.TotalPrice,
		CreatedAt:   d.CreatedAt,
	}
}

func (d orderHistoryDocument) toDomain(id string, orderID string) domain.StatusHistoryEntry {
	return domain.StatusHistoryEntry{
		ID:        id,
		OrderID:   orderID,
		Status:    domain.OrderStatus(d.Status),
		Notes:     d.Notes,
		CreatedAt: d.CreatedAt,
	}
}
