// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation and the admin gate

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serve(t *testing.T, h http.Handler, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/tenants", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("@alice:example.org", RoleOwner, time.Hour)

	var got *AuthContext
	handler := HTTPAuthMiddleware(verifier, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(t, handler, "Bearer "+token)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil {
		t.Fatal("expected AuthContext in context")
	}
	if got.PrincipalID != "@alice:example.org" || got.Role != RoleOwner {
		t.Errorf("unexpected auth context %+v", got)
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, _ := verifier.Generate("ops", RoleAdmin, -time.Minute)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "missing header", header: "", wantMsg: "missing authorization header"},
		{name: "basic auth", header: "Basic Zm9vOmJhcg==", wantMsg: "invalid authorization header format"},
		{name: "empty bearer", header: "Bearer ", wantMsg: "empty token"},
		{name: "garbage", header: "Bearer not-a-token", wantMsg: "invalid token"},
		{name: "expired", header: "Bearer " + expired, wantMsg: "token expired"},
	}

	called := false
	handler := HTTPAuthMiddleware(verifier, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, handler, tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantMsg)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
		})
	}

	if called {
		t.Error("handler must not run for rejected requests")
	}
}

func TestRequireAdminHTTP(t *testing.T) {
	verifier := newTestVerifier(t)
	adminToken, _ := verifier.Generate("ops", RoleAdmin, time.Hour)
	ownerToken, _ := verifier.Generate("@alice:example.org", RoleOwner, time.Hour)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := HTTPAuthMiddleware(verifier, nil)(RequireAdminHTTP()(ok))

	if rec := serve(t, handler, "Bearer "+adminToken); rec.Code != http.StatusNoContent {
		t.Errorf("admin: expected status 204, got %d", rec.Code)
	}
	if rec := serve(t, handler, "Bearer "+ownerToken); rec.Code != http.StatusForbidden {
		t.Errorf("owner: expected status 403, got %d", rec.Code)
	}

	// Without the auth middleware in front there is no identity at all
	if rec := serve(t, RequireAdminHTTP()(ok), ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected status 401, got %d", rec.Code)
	}
}
