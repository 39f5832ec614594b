package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Manager routes payment operations to a registered Provider. Selection order
// is explicit preference, then currency route, then the default provider.
type Manager struct {
	providers      map[string]Provider
	defaultKey     string
	currencyRoutes map[string]string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider sets the provider used when nothing else matches.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) { m.defaultKey = provider }
}

// WithCurrencyRoutes maps ISO currency codes to provider keys.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for currency, provider := range routes {
			if m.currencyRoutes == nil {
				m.currencyRoutes = make(map[string]string, len(routes))
			}
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(currency))] = strings.TrimSpace(provider)
		}
	}
}

// NewManager registers the given providers. When a "stripe" provider is
// present it becomes the default unless overridden.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}

	registered := make(map[string]Provider, len(providers))
	for name, provider := range providers {
		key := providerKey(name)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		registered[key] = provider
	}

	m := &Manager{providers: registered}
	if _, ok := registered["stripe"]; ok {
		m.defaultKey = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext carries the hints used to select a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) pick(ctx PaymentContext) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}

	if key := providerKey(ctx.PreferredProvider); key != "" {
		if p, ok := m.providers[key]; ok {
			return key, p, nil
		}
	}

	if currency := strings.ToUpper(strings.TrimSpace(ctx.Currency)); currency != "" {
		if key := providerKey(m.currencyRoutes[currency]); key != "" {
			if p, ok := m.providers[key]; ok {
				return key, p, nil
			}
		}
	}

	if key := providerKey(m.defaultKey); key != "" {
		if p, ok := m.providers[key]; ok {
			return key, p, nil
		}
	}

	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}

	return "", nil, ErrUnsupportedProvider
}

// CreateCheckoutSession creates a session on the selected provider and stamps
// the provider key onto the result.
func (m *Manager) CreateCheckoutSession(ctx context.Context, paymentCtx PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	key, provider, err := m.pick(paymentCtx)
	if err != nil {
		return CheckoutSession{}, err
	}
	session, err := provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = key
	return session, nil
}

// Refund delegates to the selected provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (PaymentDetails, error) {
	_, provider, err := m.pick(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.Refund(ctx, req)
}

// LookupPayment delegates to the selected provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.pick(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
