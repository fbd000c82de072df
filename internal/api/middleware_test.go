package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/auth"
)

const testSecret = "test-secret"

func TestAuthMiddleware_ValidTokenSetsPrincipal(t *testing.T) {
	userID := uuid.New()
	token, err := auth.GenerateToken(testSecret, userID, "tester")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	var gotPrincipal auth.Principal
	var handlerCalled bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		gotPrincipal, _ = auth.PrincipalFrom(r.Context())
	})

	mw := AuthMiddleware(testSecret, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, req)

	if !handlerCalled {
		t.Fatal("expected handler to run")
	}
	if gotPrincipal.UserID != userID {
		t.Errorf("expected principal %s, got %s", userID, gotPrincipal.UserID)
	}
	if gotPrincipal.Name != "tester" {
		t.Errorf("expected principal name tester, got %q", gotPrincipal.Name)
	}
}

func TestAuthMiddleware_RejectsBeforeHandler(t *testing.T) {
	otherSecret, err := auth.GenerateToken("other-secret", uuid.New(), "x")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong secret", "Bearer " + otherSecret},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handlerCalled := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handlerCalled = true
			})

			mw := AuthMiddleware(testSecret, zap.NewNop())

			req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			mw(next).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
			if handlerCalled {
				t.Error("handler must not run for a rejected request")
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("expected problem+json, got %q", ct)
			}
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		realIP     string
		want       string
	}{
		{"remote addr only", "203.0.113.9:4431", "", "", "ip:203.0.113.9:4431"},
		{"real ip beats remote addr", "203.0.113.9:4431", "", "198.51.100.7", "ip:198.51.100.7"},
		{"forwarded for beats real ip", "203.0.113.9:4431", "192.0.2.1", "198.51.100.7", "ip:192.0.2.1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if key := IPKeyFunc(req); key != tc.want {
				t.Errorf("expected key %q, got %q", tc.want, key)
			}
		})
	}
}

func TestUserKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/rooms/r/messages", nil)
	if key := UserKeyFunc(req); key != "" {
		t.Errorf("expected empty key without principal, got %q", key)
	}

	userID := uuid.New()
	req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{UserID: userID}))
	if key := UserKeyFunc(req); key != "user:"+userID.String() {
		t.Errorf("unexpected key %q", key)
	}
}
