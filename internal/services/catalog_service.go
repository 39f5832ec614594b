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
	// ErrCatalogInvalidInput signals malformed product data.
	ErrCatalogInvalidInput = errors.New("catalog: invalid input")
	// ErrCatalogNotFound indicates the product does not exist.
	ErrCatalogNotFound = errors.New("catalog: not found")
)

const defaultProductPageSize = 50

// CatalogServiceDeps bundles collaborators for the catalog service.
type CatalogServiceDeps struct {
	Catalog     repositories.CatalogRepository
	Clock       func() time.Time
	IDGenerator func() string
}

type catalogService struct {
	catalog repositories.CatalogRepository
	clock   func() time.Time
	newID   func() string
}

var _ CatalogService = (*catalogService)(nil)

// NewCatalogService wires the catalog repository into the product service.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog service: catalog repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "prod_" + ulid.Make().String()
		}
	}
	return &catalogService{
		catalog: deps.Catalog,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
	}, nil
}

func (s *catalogService) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if strings.TrimSpace(productID) == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}
	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, mapCatalogError(err)
	}
	return product, nil
}

func (s *catalogService) ListProducts(ctx context.Context, filter ProductListFilter) (domain.Page[domain.Product], error) {
	if filter.Pagination.Page <= 0 {
		filter.Pagination.Page = 1
	}
	if filter.Pagination.PageSize <= 0 {
		filter.Pagination.PageSize = defaultProductPageSize
	}
	page, err := s.catalog.ListProducts(ctx, repositories.ProductFilter{
		Active:     filter.Active,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.Page[domain.Product]{}, mapCatalogError(err)
	}
	return page, nil
}

// SaveProduct creates a product when no id is supplied and replaces the
// stored definition otherwise.
func (s *catalogService) SaveProduct(ctx context.Context, cmd SaveProductCommand) (domain.Product, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return domain.Product{}, fmt.Errorf("%w: name is required", ErrCatalogInvalidInput)
	}
	if strings.TrimSpace(cmd.SKU) == "" {
		return domain.Product{}, fmt.Errorf("%w: sku is required", ErrCatalogInvalidInput)
	}
	if cmd.Price < 0 {
		return domain.Product{}, fmt.Errorf("%w: price must not be negative", ErrCatalogInvalidInput)
	}
	currency, err := textutil.NormalizeCurrency(cmd.Currency)
	if err != nil {
		return domain.Product{}, fmt.Errorf("%w: %v", ErrCatalogInvalidInput, err)
	}

	now := s.clock()
	product := domain.Product{
		ID:        strings.TrimSpace(cmd.ProductID),
		Name:      textutil.CleanText(cmd.Name),
		SKU:       strings.TrimSpace(cmd.SKU),
		Price:     cmd.Price,
		Currency:  currency,
		Active:    cmd.Active,
		UpdatedAt: now,
	}

	if product.ID == "" {
		product.ID = s.newID()
		product.CreatedAt = now
	} else {
		existing, err := s.catalog.GetProduct(ctx, product.ID)
		switch {
		case err == nil:
			product.CreatedAt = existing.CreatedAt
		case isRepoNotFound(err):
			product.CreatedAt = now
		default:
			return domain.Product{}, mapCatalogError(err)
		}
	}

	saved, err := s.catalog.UpsertProduct(ctx, product)
	if err != nil {
		return domain.Product{}, mapCatalogError(err)
	}
	return saved, nil
}

func mapCatalogError(err error) error {
	if err == nil {
		return nil
	}
	if isRepoNotFound(err) {
		return fmt.Errorf("%w: %v", ErrCatalogNotFound, err)
	}
	return err
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
