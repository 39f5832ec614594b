package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/ferncart/api/internal/platform/firestore"
	"github.com/ferncart/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry interface used for dependency injection.
type Registry struct {
	provider *pfirestore.Provider

	orders   *OrderRepository
	stock    *StockRepository
	catalog  *CatalogRepository
	counters *CounterRepository
	health   repositories.HealthRepository

	unitOfWork *pfirestore.UnitOfWork
}

// RegistryOption customises Registry construction.
type RegistryOption func(*Registry)

// WithHealthRepository overrides the health repository exposed by the registry.
func WithHealthRepository(health repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		if health != nil {
			r.health = health
		}
	}
}

// NewRegistry wires every repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	stock, err := NewStockRepository(provider)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	unitOfWork, err := pfirestore.NewUnitOfWork(provider)
	if err != nil {
		return nil, err
	}

	registry := &Registry{
		provider:   provider,
		orders:     orders,
		stock:      stock,
		catalog:    catalog,
		counters:   counters,
		unitOfWork: unitOfWork,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	if registry.health == nil {
		health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
			{
				Name: "firestore",
				Check: func(ctx context.Context) error {
					_, err := provider.Client(ctx)
					return err
				},
			},
		})
		if err != nil {
			return nil, err
		}
		registry.health = health
	}

	return registry, nil
}

var _ repositories.Registry = (*Registry)(nil)

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Stock() repositories.StockRepository      { return r.stock }
func (r *Registry) Catalog() repositories.CatalogRepository  { return r.catalog }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }

// RunInTx groups repository calls into one Firestore transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.unitOfWork == nil {
		return errors.New("registry not initialised")
	}
	return r.unitOfWork.RunInTx(ctx, fn)
}
