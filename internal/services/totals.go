package services

import (
	"errors"
	"fmt"
	"math"

	domain "github.com/ferncart/api/internal/domain"
)

var (
	// ErrTotalsInvalidInput signals bad pricing input such as missing lines or negative amounts.
	ErrTotalsInvalidInput = errors.New("order totals: invalid input")
)

// TotalsCalculator derives order totals from line items using the configured
// tax rate and shipping policy. All amounts are minor currency units.
type TotalsCalculator struct {
	taxRate               float64
	freeShippingThreshold int64
	flatShippingFee       int64
}

// TotalsCalculatorConfig carries the pricing policy applied to every order.
type TotalsCalculatorConfig struct {
	TaxRate               float64
	FreeShippingThreshold int64
	FlatShippingFee       int64
}

// NewTotalsCalculator validates the pricing policy and returns a calculator.
func NewTotalsCalculator(cfg TotalsCalculatorConfig) (*TotalsCalculator, error) {
	if cfg.TaxRate < 0 || cfg.TaxRate >= 1 {
		return nil, fmt.Errorf("%w: tax rate must be in [0, 1)", ErrTotalsInvalidInput)
	}
	if cfg.FreeShippingThreshold < 0 {
		return nil, fmt.Errorf("%w: free shipping threshold must not be negative", ErrTotalsInvalidInput)
	}
	if cfg.FlatShippingFee < 0 {
		return nil, fmt.Errorf("%w: flat shipping fee must not be negative", ErrTotalsInvalidInput)
	}
	return &TotalsCalculator{
		taxRate:               cfg.TaxRate,
		freeShippingThreshold: cfg.FreeShippingThreshold,
		flatShippingFee:       cfg.FlatShippingFee,
	}, nil
}

// Calculate computes subtotal, tax, shipping and the grand total for the
// given lines. Tax is rounded half away from zero at the order level, and
// shipping is waived once the subtotal reaches the free shipping threshold.
// The discount reduces the total but never below zero.
func (c *TotalsCalculator) Calculate(lines []domain.OrderLineItem, discount int64) (domain.OrderTotals, error) {
	if c == nil {
		return domain.OrderTotals{}, fmt.Errorf("%w: calculator not initialised", ErrTotalsInvalidInput)
	}
	if len(lines) == 0 {
		return domain.OrderTotals{}, fmt.Errorf("%w: at least one line item is required", ErrTotalsInvalidInput)
	}
	if discount < 0 {
		return domain.OrderTotals{}, fmt.Errorf("%w: discount must not be negative", ErrTotalsInvalidInput)
	}

	var subtotal int64
	for i, line := range lines {
		if line.Quantity <= 0 {
			return domain.OrderTotals{}, fmt.Errorf("%w: line %d has non-positive quantity", ErrTotalsInvalidInput, i)
		}
		if line.UnitPrice < 0 {
			return domain.OrderTotals{}, fmt.Errorf("%w: line %d has negative unit price", ErrTotalsInvalidInput, i)
		}
		subtotal += int64(line.Quantity) * line.UnitPrice
	}

	tax := int64(math.Round(float64(subtotal) * c.taxRate))

	var shipping int64
	if subtotal < c.freeShippingThreshold {
		shipping = c.flatShippingFee
	}

	total := subtotal + tax + shipping - discount
	if total < 0 {
		discount = subtotal + tax + shipping
		total = 0
	}

	return domain.OrderTotals{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Discount: discount,
		Total:    total,
	}, nil
}
