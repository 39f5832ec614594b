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

const productsCollection = "products"

// CatalogRepository implements repositories.CatalogRepository on Firestore.
type CatalogRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	products := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &CatalogRepository{provider: provider, products: products}, nil
}

// GetProduct loads one product by ID. The transaction in the context is
// joined when present so price snapshots stay consistent with stock reads.
func (r *CatalogRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("catalog get: product id is required")
	}

	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		ref, err := r.products.DocumentRef(ctx, productID)
		if err != nil {
			return domain.Product{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.Product{}, pfirestore.WrapError("catalog.getProduct", err)
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Product{}, fmt.Errorf("decode product %s: %w", productID, err)
		}
		return doc.toDomain(productID), nil
	}

	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, pfirestore.WrapError("catalog.getProduct", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListProducts pages through catalogue entries ordered by name.
func (r *CatalogRepository) ListProducts(ctx context.Context, filter repositories.ProductFilter) (domain.Page[domain.Product], error) {
	if r == nil || r.provider == nil {
		return domain.Page[domain.Product]{}, errors.New("catalog repository not initialised")
	}

	page := filter.Pagination.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Page[domain.Product]{}, pfirestore.WrapError("catalog.listProducts", err)
	}

	q := client.Collection(productsCollection).Query
	if filter.Active != nil {
		q = q.Where("active", "==", *filter.Active)
	}
	q = q.OrderBy("name", firestore.Asc).
		Offset((page - 1) * pageSize).
		Limit(pageSize + 1)

	iter := q.Documents(ctx)
	defer iter.Stop()

	var products []domain.Product
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.Page[domain.Product]{}, pfirestore.WrapError("catalog.listProducts", err)
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Page[domain.Product]{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		products = append(products, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(products) > pageSize
	if hasMore {
		products = products[:pageSize]
	}

	return domain.Page[domain.Product]{
		Items:    products,
		Page:     page,
		PageSize: pageSize,
		HasMore:  hasMore,
	}, nil
}

// UpsertProduct writes the catalogue entry, creating it when absent.
func (r *CatalogRepository) UpsertProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	productID := strings.TrimSpace(product.ID)
	if productID == "" {
		return domain.Product{}, errors.New("catalog upsert: product id is required")
	}

	doc := newProductDocument(product)
	if _, err := r.products.Set(ctx, productID, doc); err != nil {
		return domain.Product{}, pfirestore.WrapError("catalog.upsertProduct", err)
	}
	return doc.toDomain(productID), nil
}

// Supporting types.

type productDocument struct {
	Name      string    `firestore:"name"`
	SKU       string    `firestore:"sku"`
	Price     int64     `firestore:"price"`
	Currency  string    `firestore:"currency"`
	Active    bool      `firestore:"active"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newProductDocument(product domain.Product) productDocument {
	return productDocument{
		Name:      strings.TrimSpace(product.Name),
		SKU:       strings.TrimSpace(product.SKU),
		Price:     product.Price,
		Currency:  strings.TrimSpace(product.Currency),
		Active:    product.Active,
		CreatedAt: product.CreatedAt.UTC(),
		UpdatedAt: product.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:        id,
		Name:      d.Name,
		SKU:       d.SKU,
		Price:     d.Price,
		Currency:  d.Currency,
		Active:    d.Active,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
