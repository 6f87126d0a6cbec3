package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mwork/mwork-reconciler/internal/pkg/jwt"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddlewareAllowsValidAccessToken(t *testing.T) {
	jwtSvc := jwt.NewService("secret", time.Minute)
	adminID := uuid.New()
	token, err := jwtSvc.GenerateAccessToken(adminID, jwt.RoleAdmin)
	if err != nil {
		t.Fatalf("token gen failed: %v", err)
	}

	var seen uuid.UUID
	protected := Auth(jwtSvc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if seen != adminID {
		t.Fatalf("expected user id in context, got %s", seen)
	}
}

func TestAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	protected := Auth(jwt.NewService("secret", time.Minute))(okHandler())

	w := httptest.NewRecorder()
	protected.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthMiddlewareRejectsForeignSignature(t *testing.T) {
	token, err := jwt.NewService("other", time.Minute).GenerateAccessToken(uuid.New(), jwt.RoleAdmin)
	if err != nil {
		t.Fatalf("token gen failed: %v", err)
	}

	protected := Auth(jwt.NewService("secret", time.Minute))(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAdminBlocksServiceRole(t *testing.T) {
	jwtSvc := jwt.NewService("secret", time.Minute)
	token, _ := jwtSvc.GenerateAccessToken(uuid.New(), jwt.RoleService)

	chain := Auth(jwtSvc)(RequireAdmin()(okHandler()))
	req := httptest.NewRequest(http.MethodPost, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	chain.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	chain = Auth(jwtSvc)(RequireOperator()(okHandler()))
	w = httptest.NewRecorder()
	chain.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected operator access, got %d", w.Code)
	}
}
