package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ferncart/api/internal/platform/config"
	"github.com/ferncart/api/internal/repositories"
	"github.com/ferncart/api/internal/services"
)

// Services exposes the service-layer contracts handlers depend on; the
// concrete implementations are wired together in NewContainer.
type Services struct {
	Orders  services.OrderService
	Stock   services.StockLedger
	Catalog services.CatalogService
	System  services.SystemService
}

// Dependencies carries the externally constructed collaborators the container wires together.
// Everything beyond Registry is optional; services degrade to local defaults when absent.
type Dependencies struct {
	Registry      repositories.Registry
	Events        services.OrderEventPublisher
	Notifications services.NotificationDispatcher
	Build         services.BuildInfo
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring supplies a Firestore-backed
// registry, while tests can pass in-memory implementations.
func NewContainer(ctx context.Context, cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources held by the repository layer.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services

	reg := deps.Registry
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	totals, err := services.NewTotalsCalculator(services.TotalsCalculatorConfig{
		TaxRate:               cfg.Pricing.TaxRate,
		FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
		FlatShippingFee:       cfg.Pricing.FlatShippingFee,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build totals calculator: %w", err)
	}

	numbers, err := services.NewOrderNumberGenerator(services.OrderNumberGeneratorDeps{
		Orders:   reg.Orders(),
		Counters: reg.Counters(),
		Prefix:   cfg.Orders.NumberPrefix,
		Attempts: cfg.Orders.MaxNumberAttempts,
		Clock:    clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order number generator: %w", err)
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        reg.Orders(),
		Stock:         reg.Stock(),
		Catalog:       reg.Catalog(),
		UnitOfWork:    reg,
		Totals:        totals,
		Numbers:       numbers,
		Events:        deps.Events,
		Notifications: deps.Notifications,

		DefaultCurrency: cfg.Pricing.DefaultCurrency,
		CreateRetries:   cfg.Orders.CreateRetries,
		Clock:           clock,
		Logger:          deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	stockSvc, err := services.NewStockLedger(services.StockLedgerDeps{
		Stock:  reg.Stock(),
		Clock:  clock,
		Logger: deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock ledger: %w", err)
	}
	svc.Stock = stockSvc

	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
		Catalog: reg.Catalog(),
		Clock:   clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	if health := reg.Health(); health != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Clock:            clock,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
