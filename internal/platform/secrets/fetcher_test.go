package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const webhookSecretRef = "secret://stripe_webhook_secret"

func writeFallbackFile(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func newTestFetcher(t *testing.T, client secretManagerClient, extra ...Option) *Fetcher {
	t.Helper()
	opts := append([]Option{
		WithSecretManagerClient(client),
		WithDefaultProject("ferncart-test"),
		WithLogger(zap.NewNop()),
	}, extra...)
	fetcher, err := NewFetcher(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	t.Cleanup(func() { fetcher.Close() })
	return fetcher
}

func TestResolveCachesRemoteValue(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	resource := "projects/ferncart-test/secrets/stripe_webhook_secret/versions/latest"
	manager.values[resource] = "whsec_remote"

	fetcher := newTestFetcher(t, manager)

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, webhookSecretRef)
		if err != nil {
			t.Fatalf("Resolve call %d: %v", i+1, err)
		}
		if got != "whsec_remote" {
			t.Fatalf("Resolve call %d = %q, want whsec_remote", i+1, got)
		}
	}

	if calls := manager.calls(resource); calls != 1 {
		t.Fatalf("remote accessed %d times, want 1", calls)
	}
}

func TestResolveFallsBackWhenAccessDenied(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	manager.errors["projects/ferncart-test/secrets/stripe_webhook_secret/versions/latest"] =
		status.Error(codes.PermissionDenied, "denied")

	path := writeFallbackFile(t, "# local overrides\nsecret://stripe_webhook_secret=whsec_local\n")
	fetcher := newTestFetcher(t, manager, WithFallbackFile(path))

	got, err := fetcher.Resolve(ctx, webhookSecretRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_local" {
		t.Fatalf("Resolve = %q, want whsec_local", got)
	}
}

func TestResolveSurfacesNotFound(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	manager.errors["projects/ferncart-test/secrets/stripe_webhook_secret/versions/latest"] =
		status.Error(codes.NotFound, "missing")

	path := writeFallbackFile(t, "secret://stripe_webhook_secret=whsec_local\n")
	fetcher := newTestFetcher(t, manager, WithFallbackFile(path))

	if _, err := fetcher.Resolve(ctx, webhookSecretRef); err == nil {
		t.Fatal("expected error for missing secret, fallback must not mask it")
	}
}

func TestResolveHonoursVersionPins(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	pinned := "projects/ferncart-test/secrets/stripe_webhook_secret/versions/7"
	manager.values[pinned] = "whsec_v7"

	fetcher := newTestFetcher(t, manager, WithVersionPins(map[string]string{
		webhookSecretRef: "7",
	}))

	got, err := fetcher.Resolve(ctx, webhookSecretRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_v7" {
		t.Fatalf("Resolve = %q, want whsec_v7", got)
	}
	if calls := manager.calls(pinned); calls != 1 {
		t.Fatalf("pinned version accessed %d times, want 1", calls)
	}
}

func TestInvalidateNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	manager.values["projects/ferncart-test/secrets/stripe_webhook_secret/versions/latest"] = "whsec_remote"

	fetcher := newTestFetcher(t, manager)
	if _, err := fetcher.Resolve(ctx, webhookSecretRef); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	ch, cancel := fetcher.Subscribe(webhookSecretRef)
	defer cancel()

	fetcher.Invalidate(webhookSecretRef)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected invalidation notification")
	}
}

func TestNewFetcherWithoutCredentialsServesFallback(t *testing.T) {
	original := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = original })

	path := writeFallbackFile(t, "sm://stripe_webhook_secret=whsec_local\n")
	fetcher, err := NewFetcher(context.Background(), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(context.Background(), webhookSecretRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_local" {
		t.Fatalf("Resolve = %q, want whsec_local", got)
	}
}

type stubSecretManager struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newStubSecretManager() *stubSecretManager {
	return &stubSecretManager{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (s *stubSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := req.GetName()
	s.counter[name]++

	if err := s.errors[name]; err != nil {
		return nil, err
	}
	if value, ok := s.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (s *stubSecretManager) Close() error { return nil }

func (s *stubSecretManager) calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter[name]
}
