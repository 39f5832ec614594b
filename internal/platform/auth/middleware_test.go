package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

type stubUserGetter struct {
	record  *firebaseauth.UserRecord
	calls   int
	lastUID string
}

func (s *stubUserGetter) GetUser(_ context.Context, uid string) (*firebaseauth.UserRecord, error) {
	s.calls++
	s.lastUID = uid
	return s.record, nil
}

func authedRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestRequireFirebaseAuthAllowsStaffToken(t *testing.T) {
	verifier := &stubVerifier{
		token: &firebaseauth.Token{
			UID: "uid-staff-1",
			Claims: map[string]interface{}{
				"role":  []interface{}{"staff", "admin"},
				"email": "ops@ferncart.test",
			},
		},
	}
	users := &stubUserGetter{record: &firebaseauth.UserRecord{
		UserInfo: &firebaseauth.UserInfo{UID: "uid-staff-1", Email: "ops@ferncart.test"},
	}}
	authn := NewAuthenticator(verifier, WithUserGetter(users))

	var reached bool
	handler := authn.RequireFirebaseAuth(RoleStaff)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true

		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("identity missing from context")
		}
		if identity.UID != "uid-staff-1" {
			t.Fatalf("uid = %q", identity.UID)
		}
		if !identity.HasRole(RoleStaff) || !identity.HasRole(RoleAdmin) {
			t.Fatalf("roles = %v", identity.Roles)
		}
		if identity.Email != "ops@ferncart.test" {
			t.Fatalf("email = %q", identity.Email)
		}

		// The user record is fetched once and then cached.
		first, err := identity.User(r.Context())
		if err != nil {
			t.Fatalf("load user: %v", err)
		}
		second, err := identity.User(r.Context())
		if err != nil {
			t.Fatalf("load user again: %v", err)
		}
		if first != second {
			t.Fatal("user record not cached")
		}

		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest("staff-token"))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if !reached {
		t.Fatal("handler never ran")
	}
	if verifier.received != "staff-token" {
		t.Fatalf("verifier received %q", verifier.received)
	}
	if users.calls != 1 || users.lastUID != "uid-staff-1" {
		t.Fatalf("user getter calls=%d uid=%q", users.calls, users.lastUID)
	}
}

func TestRequireFirebaseAuthRejectsExpiredToken(t *testing.T) {
	authn := NewAuthenticator(&stubVerifier{err: ErrTokenExpired})
	handler := authn.RequireFirebaseAuth(RoleCustomer)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run for an expired token")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest("expired"))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "token_expired" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestRequireFirebaseAuthRejectsMissingRole(t *testing.T) {
	verifier := &stubVerifier{
		token: &firebaseauth.Token{
			UID:    "uid-customer-1",
			Claims: map[string]interface{}{},
		},
	}
	authn := NewAuthenticator(verifier)
	handler := authn.RequireFirebaseAuth(RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("customer token must not reach admin handler")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest("customer-token"))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "insufficient_role" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestRequireFirebaseAuthDefaultsToCustomerRole(t *testing.T) {
	verifier := &stubVerifier{
		token: &firebaseauth.Token{
			UID:    "uid-customer-2",
			Claims: map[string]interface{}{},
		},
	}
	authn := NewAuthenticator(verifier)

	handler := authn.RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("identity missing from context")
		}
		if len(identity.Roles) != 1 || identity.Roles[0] != RoleCustomer {
			t.Fatalf("roles = %v, want [%s]", identity.Roles, RoleCustomer)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest("no-role-token"))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
}

func TestRequireFirebaseAuthMissingHeader(t *testing.T) {
	authn := NewAuthenticator(&stubVerifier{})
	handler := authn.RequireFirebaseAuth()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without credentials")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}
