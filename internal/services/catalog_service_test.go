package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/repositories"
)

func newTestCatalogService(t *testing.T, repo repositories.CatalogRepository) CatalogService {
	t.Helper()
	svc, err := NewCatalogService(CatalogServiceDeps{
		Catalog:     repo,
		Clock:       func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) },
		IDGenerator: func() string { return "prod_000TEST" },
	})
	if err != nil {
		t.Fatalf("new catalog service: %v", err)
	}
	return svc
}

func TestCatalogServiceSaveProductCreates(t *testing.T) {
	var saved domain.Product
	repo := &stubCatalogRepo{
		upsertFn: func(_ context.Context, product domain.Product) (domain.Product, error) {
			saved = product
			return product, nil
		},
	}
	svc := newTestCatalogService(t, repo)

	product, err := svc.SaveProduct(context.Background(), SaveProductCommand{
		Name:     "Ceramic Mug",
		SKU:      "MUG-01",
		Price:    2500,
		Currency: "usd",
		Active:   true,
	})
	if err != nil {
		t.Fatalf("save product: %v", err)
	}
	if product.ID != "prod_000TEST" {
		t.Fatalf("expected generated id got %s", product.ID)
	}
	if product.Currency != "USD" {
		t.Fatalf("expected normalised currency got %s", product.Currency)
	}
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps set got %+v", saved)
	}
}

func TestCatalogServiceSaveProductKeepsCreatedAt(t *testing.T) {
	created := time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC)
	repo := &stubCatalogRepo{
		getFn: func(_ context.Context, productID string) (domain.Product, error) {
			return domain.Product{ID: productID, CreatedAt: created}, nil
		},
	}
	svc := newTestCatalogService(t, repo)

	product, err := svc.SaveProduct(context.Background(), SaveProductCommand{
		ProductID: "prod-1",
		Name:      "Ceramic Mug",
		SKU:       "MUG-01",
		Price:     2500,
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("save product: %v", err)
	}
	if !product.CreatedAt.Equal(created) {
		t.Fatalf("expected original createdAt preserved got %v", product.CreatedAt)
	}
}

func TestCatalogServiceSaveProductValidation(t *testing.T) {
	svc := newTestCatalogService(t, &stubCatalogRepo{})

	cases := []SaveProductCommand{
		{SKU: "MUG-01", Price: 100, Currency: "USD"},
		{Name: "Mug", Price: 100, Currency: "USD"},
		{Name: "Mug", SKU: "MUG-01", Price: -1, Currency: "USD"},
		{Name: "Mug", SKU: "MUG-01", Price: 100, Currency: "US"},
	}
	for i, cmd := range cases {
		if _, err := svc.SaveProduct(context.Background(), cmd); !errors.Is(err, ErrCatalogInvalidInput) {
			t.Errorf("case %d: expected invalid input got %v", i, err)
		}
	}
}

func TestCatalogServiceGetProductNotFound(t *testing.T) {
	svc := newTestCatalogService(t, &stubCatalogRepo{})

	if _, err := svc.GetProduct(context.Background(), "missing"); !errors.Is(err, ErrCatalogNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}

func TestCatalogServiceListDefaultsPagination(t *testing.T) {
	var seen repositories.ProductFilter
	repo := &stubCatalogRepo{
		listFn: func(_ context.Context, filter repositories.ProductFilter) (domain.Page[domain.Product], error) {
			seen = filter
			return domain.Page[domain.Product]{}, nil
		},
	}
	svc := newTestCatalogService(t, repo)

	if _, err := svc.ListProducts(context.Background(), ProductListFilter{}); err != nil {
		t.Fatalf("list products: %v", err)
	}
	if seen.Pagination.Page != 1 || seen.Pagination.PageSize != defaultProductPageSize {
		t.Fatalf("expected defaulted pagination got %+v", seen.Pagination)
	}
}
