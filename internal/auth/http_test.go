// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, user lookup and verification gate

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/richatz/internal/store"
)

type mockUserLookup struct {
	user *store.User
	err  error
}

func (m *mockUserLookup) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.user == nil || m.user.ID != id {
		return nil, store.ErrNotFound
	}
	return m.user, nil
}

func runMiddleware(t *testing.T, users UserLookup, authHeader string) (*httptest.ResponseRecorder, *AuthContext) {
	t.Helper()
	middleware := HTTPAuthMiddleware(users, newTestVerifier(t), nil)

	var gotAuthCtx *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthCtx = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	middleware(handler).ServeHTTP(rec, req)
	return rec, gotAuthCtx
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	token, _ := newTestVerifier(t).Generate(7, time.Hour)
	users := &mockUserLookup{user: &store.User{ID: 7, Email: "rina@example.com", IsVerified: true}}

	rec, authCtx := runMiddleware(t, users, "Bearer "+token)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if authCtx == nil {
		t.Fatal("expected AuthContext in context")
	}
	if authCtx.UserID != 7 || authCtx.Email != "rina@example.com" {
		t.Errorf("unexpected AuthContext %+v", authCtx)
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	verifier := newTestVerifier(t)
	valid, _ := verifier.Generate(7, time.Hour)
	expired, _ := verifier.Generate(7, -time.Hour)
	verified := &store.User{ID: 7, IsVerified: true}

	tests := []struct {
		name       string
		header     string
		users      UserLookup
		wantStatus int
		wantBody   string
	}{
		{"missing header", "", &mockUserLookup{user: verified}, http.StatusUnauthorized, "missing authorization header"},
		{"basic auth", "Basic dXNlcjpwYXNz", &mockUserLookup{user: verified}, http.StatusUnauthorized, "invalid authorization header format"},
		{"empty bearer", "Bearer ", &mockUserLookup{user: verified}, http.StatusUnauthorized, "empty token"},
		{"garbage token", "Bearer nope", &mockUserLookup{user: verified}, http.StatusUnauthorized, "invalid token"},
		{"expired token", "Bearer " + expired, &mockUserLookup{user: verified}, http.StatusUnauthorized, "token expired"},
		{"unknown user", "Bearer " + valid, &mockUserLookup{}, http.StatusUnauthorized, "user not found"},
		{"unverified user", "Bearer " + valid, &mockUserLookup{user: &store.User{ID: 7}}, http.StatusForbidden, "account not verified"},
		{"store failure", "Bearer " + valid, &mockUserLookup{err: errors.New("db down")}, http.StatusInternalServerError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, authCtx := runMiddleware(t, tt.users, tt.header)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
			}
			if authCtx != nil {
				t.Error("handler must not run")
			}
		})
	}
}
