package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ferncart/api/internal/repositories"
)

// ErrOrderNumberExhausted is returned when no free order number could be
// found within the configured attempt budget.
var ErrOrderNumberExhausted = errors.New("order number: attempts exhausted")

const orderNumberCounterID = "orders:number-overflow"

// OrderNumberGeneratorDeps bundles collaborators for the number generator.
type OrderNumberGeneratorDeps struct {
	Orders   repositories.OrderRepository
	Counters repositories.CounterRepository
	Prefix   string
	Attempts int
	Clock    func() time.Time
	Random   func(n int64) int64
}

// OrderNumberGenerator produces human-readable order numbers of the form
// PREFIX-YYYYMMDD-NNNN. Candidates are probed against existing orders; the
// index document written at insert time remains the uniqueness authority, so
// a probe that passes here can still lose the race and be retried upstream.
type OrderNumberGenerator struct {
	orders   repositories.OrderRepository
	counters repositories.CounterRepository
	prefix   string
	attempts int
	clock    func() time.Time
	random   func(n int64) int64
}

// NewOrderNumberGenerator validates dependencies and applies defaults.
func NewOrderNumberGenerator(deps OrderNumberGeneratorDeps) (*OrderNumberGenerator, error) {
	if deps.Orders == nil {
		return nil, errors.New("order number generator: order repository is required")
	}

	prefix := strings.TrimSpace(deps.Prefix)
	if prefix == "" {
		prefix = "ORD"
	}
	attempts := deps.Attempts
	if attempts <= 0 {
		attempts = 10
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	random := deps.Random
	if random == nil {
		random = rand.Int64N
	}

	return &OrderNumberGenerator{
		orders:   deps.Orders,
		counters: deps.Counters,
		prefix:   prefix,
		attempts: attempts,
		clock: func() time.Time {
			return clock().UTC()
		},
		random: random,
	}, nil
}

// Generate returns an order number not currently assigned to any order. When
// every random candidate is taken it falls back to a monotonic counter suffix
// so bursts on a busy day cannot starve order creation.
func (g *OrderNumberGenerator) Generate(ctx context.Context) (string, error) {
	if g == nil {
		return "", errors.New("order number generator: not initialised")
	}
	if ctx == nil {
		return "", errors.New("order number generator: context is required")
	}

	day := g.clock().Format("20060102")
	for attempt := 0; attempt < g.attempts; attempt++ {
		candidate := fmt.Sprintf("%s-%s-%04d", g.prefix, day, g.random(10000))
		taken, err := g.isTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}

	if g.counters == nil {
		return "", ErrOrderNumberExhausted
	}
	value, err := g.counters.Next(ctx, orderNumberCounterID, 1)
	if err != nil {
		return "", fmt.Errorf("order number: counter fallback: %w", err)
	}
	return fmt.Sprintf("%s-%s-C%d", g.prefix, day, value), nil
}

func (g *OrderNumberGenerator) isTaken(ctx context.Context, number string) (bool, error) {
	_, err := g.orders.FindByNumber(ctx, number)
	if err == nil {
		return true, nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return false, nil
	}
	return false, fmt.Errorf("order number: probe %q: %w", number, err)
}
