package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	name string
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	return CheckoutSession{ID: "sess_" + f.name, Provider: f.name}, nil
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	return PaymentDetails{Provider: f.name, IntentID: req.IntentID, Status: StatusRefunded}, nil
}

func (f *fakeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	return PaymentDetails{Provider: f.name, IntentID: req.IntentID, Status: StatusSucceeded}, nil
}

func TestManagerCreateCheckoutSessionUsesPreferredProvider(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"stripe": &fakeProvider{name: "stripe"},
		"mock":   &fakeProvider{name: "mock"},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	session, err := manager.CreateCheckoutSession(context.Background(), PaymentContext{PreferredProvider: "mock"}, CheckoutSessionRequest{})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.Provider != "mock" {
		t.Fatalf("expected mock provider, got %s", session.Provider)
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"stripe": &fakeProvider{name: "stripe"},
		"mock":   &fakeProvider{name: "mock"},
	}, WithCurrencyRoutes(map[string]string{"EUR": "mock"}))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	session, err := manager.CreateCheckoutSession(context.Background(), PaymentContext{Currency: "eur"}, CheckoutSessionRequest{})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.Provider != "mock" {
		t.Fatalf("expected currency routed provider, got %s", session.Provider)
	}
}

func TestManagerFallsBackToDefault(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"stripe": &fakeProvider{name: "stripe"},
		"mock":   &fakeProvider{name: "mock"},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	details, err := manager.Refund(context.Background(), PaymentContext{}, RefundRequest{IntentID: "pi_1"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if details.Provider != "stripe" {
		t.Fatalf("expected stripe default, got %s", details.Provider)
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"alpha": &fakeProvider{name: "alpha"},
		"beta":  &fakeProvider{name: "beta"},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := manager.LookupPayment(context.Background(), PaymentContext{PreferredProvider: "gamma"}, LookupRequest{}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatal("expected error for empty provider map")
	}
	if _, err := NewManager(map[string]Provider{"": &fakeProvider{}}); err == nil {
		t.Fatal("expected error for empty provider key")
	}
	if _, err := NewManager(map[string]Provider{"stripe": nil}); err == nil {
		t.Fatal("expected error for nil provider")
	}
}
