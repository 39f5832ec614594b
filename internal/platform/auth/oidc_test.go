package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type silentLogger struct{}

func (silentLogger) Printf(string, ...any) {}

type capturedMetric struct {
	kind    string
	success bool
	reason  string
}

type metricsCapture struct {
	mu      sync.Mutex
	metrics []capturedMetric
}

func (m *metricsCapture) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, capturedMetric{kind: kind, success: success, reason: reason})
}

func (m *metricsCapture) last(t *testing.T) capturedMetric {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.metrics) == 0 {
		t.Fatal("no metrics recorded")
	}
	return m.metrics[len(m.metrics)-1]
}

// oidcFixture stands up a JWKS endpoint, a validator pinned to a fixed
// clock, and a token signed with the served key.
type oidcFixture struct {
	validator *OIDCValidator
	metrics   *metricsCapture
	token     string
}

func newOIDCFixture(t *testing.T, mutate func(jwt.MapClaims)) oidcFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{
		Key:       &key.PublicKey,
		KeyID:     "fulfilment-key",
		Algorithm: jwt.SigningMethodRS256.Alg(),
		Use:       "sig",
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=600")
		if err := json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}); err != nil {
			t.Fatalf("encode jwks: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	now := time.Date(2026, time.February, 2, 8, 0, 0, 0, time.UTC)
	originalTimeFunc := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = originalTimeFunc })

	metrics := &metricsCapture{}
	validator := NewOIDCValidator(
		NewJWKSCache(server.URL,
			WithJWKSLogger(silentLogger{}),
			WithJWKSClock(func() time.Time { return now }),
		),
		WithOIDCLogger(silentLogger{}),
		WithOIDCMetrics(metrics),
		WithOIDCClock(func() time.Time { return now }),
	)

	claims := jwt.MapClaims{
		"aud":   []string{"https://api.ferncart.test"},
		"iss":   "https://accounts.google.com",
		"sub":   "fulfilment@ferncart-prod.iam.gserviceaccount.com",
		"email": "fulfilment@ferncart-prod.iam.gserviceaccount.com",
		"exp":   float64(now.Add(time.Hour).Unix()),
		"iat":   float64(now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "fulfilment-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return oidcFixture{validator: validator, metrics: metrics, token: signed}
}

func internalRequest(header, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/stock/release", nil)
	if header == "Authorization" {
		req.Header.Set(header, "Bearer "+token)
	} else if header != "" {
		req.Header.Set(header, token)
	}
	return req
}

func TestJWKSCacheFetchesOnce(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{
		Key:       &key.PublicKey,
		KeyID:     "key1",
		Algorithm: jwt.SigningMethodRS256.Alg(),
		Use:       "sig",
	}

	var mu sync.Mutex
	var fetches int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		fetches++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=3600")
		if err := json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}); err != nil {
			t.Fatalf("encode jwks: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	cache := NewJWKSCache(server.URL,
		WithJWKSLogger(silentLogger{}),
		WithJWKSClock(func() time.Time { return time.Unix(1_000_000, 0) }),
	)

	ctx := context.Background()
	got, err := cache.Key(ctx, "key1")
	if err != nil {
		t.Fatalf("first key: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("key type = %T, want *rsa.PublicKey", got)
	}
	if _, err := cache.Key(ctx, "key1"); err != nil {
		t.Fatalf("second key: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if fetches != 1 {
		t.Fatalf("jwks fetched %d times, want 1", fetches)
	}
}

func TestRequireOIDCAcceptsValidToken(t *testing.T) {
	fx := newOIDCFixture(t, nil)
	mw := fx.validator.RequireOIDC("https://api.ferncart.test", []string{"https://accounts.google.com"})

	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := ServiceIdentityFromContext(r.Context())
		if !ok {
			t.Fatal("service identity missing from context")
		}
		if identity.Subject != "fulfilment@ferncart-prod.iam.gserviceaccount.com" {
			t.Fatalf("subject = %q", identity.Subject)
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, internalRequest("Authorization", fx.token))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if last := fx.metrics.last(t); !last.success || last.reason != "ok" || last.kind != "oidc" {
		t.Fatalf("metric = %+v", last)
	}
}

func TestRequireOIDCRejectsWrongAudience(t *testing.T) {
	fx := newOIDCFixture(t, nil)
	mw := fx.validator.RequireOIDC("https://other-service.internal", []string{"https://accounts.google.com"})

	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run on audience mismatch")
	})).ServeHTTP(rr, internalRequest("Authorization", fx.token))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if last := fx.metrics.last(t); last.reason != "audience_mismatch" {
		t.Fatalf("metric = %+v", last)
	}
}

func TestRequireOIDCRejectsWrongIssuer(t *testing.T) {
	fx := newOIDCFixture(t, func(claims jwt.MapClaims) {
		claims["iss"] = "https://evil.example"
	})
	mw := fx.validator.RequireOIDC("https://api.ferncart.test", []string{"https://accounts.google.com"})

	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run on issuer mismatch")
	})).ServeHTTP(rr, internalRequest("Authorization", fx.token))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if last := fx.metrics.last(t); last.reason != "issuer_mismatch" {
		t.Fatalf("metric = %+v", last)
	}
}

func TestRequireOIDCAcceptsIAPHeader(t *testing.T) {
	fx := newOIDCFixture(t, func(claims jwt.MapClaims) {
		claims["aud"] = []string{"/projects/123/global/backendServices/456"}
		claims["iss"] = "https://cloud.google.com/iap"
	})
	mw := fx.validator.RequireOIDC("/projects/123/global/backendServices/456", []string{"https://cloud.google.com/iap"})

	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, internalRequest("X-Goog-Iap-Jwt-Assertion", fx.token))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
}

func TestRequireOIDCReportsJWKSOutage(t *testing.T) {
	fx := newOIDCFixture(t, nil)
	// Point the cache at a dead endpoint before the first fetch.
	fx.validator.cache.url = "http://127.0.0.1:65535/jwks"
	mw := fx.validator.RequireOIDC("https://api.ferncart.test", []string{"https://accounts.google.com"})

	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run when keys cannot be fetched")
	})).ServeHTTP(rr, internalRequest("Authorization", fx.token))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if last := fx.metrics.last(t); last.reason != "jwks_unavailable" {
		t.Fatalf("metric = %+v", last)
	}
}

func TestRequireOIDCRejectsMissingToken(t *testing.T) {
	fx := newOIDCFixture(t, nil)
	mw := fx.validator.RequireOIDC("https://api.ferncart.test", nil)

	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without a token")
	})).ServeHTTP(rr, internalRequest("", ""))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if last := fx.metrics.last(t); last.reason != "token_missing" {
		t.Fatalf("metric = %+v", last)
	}
}
