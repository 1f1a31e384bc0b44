package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMatchPermission(t *testing.T) {
	tests := []struct {
		granted  string
		required string
		want     bool
	}{
		{"sessions:read", "sessions:read", true},
		{"sessions:write", "sessions:read", false},
		{"sessions:*", "sessions:revoke", true},
		{"*", "mfa:admin", true},
		{"mfa:*", "sessions:read", false},
		{"", "sessions:read", false},
		{"sessions", "sessions:read", false},
	}

	for _, tt := range tests {
		if got := matchPermission(tt.granted, tt.required); got != tt.want {
			t.Errorf("matchPermission(%q, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func runWithPrincipal(t *testing.T, p *Principal, mw echo.MiddlewareFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if p != nil {
		req = req.WithContext(WithPrincipal(req.Context(), p))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := mw(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })(c)
	return rec, err
}

func TestRequireRole_Allowed(t *testing.T) {
	rec, err := runWithPrincipal(t, &Principal{ID: "u", Roles: []string{"physician"}}, RequireRole("physician", "nurse"))
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	_, err := runWithPrincipal(t, &Principal{ID: "u", Roles: []string{"admin"}}, RequireRole("billing"))
	if err != nil {
		t.Errorf("admin should pass, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	_, err := runWithPrincipal(t, &Principal{ID: "u", Roles: []string{"nurse"}}, RequireRole("admin"))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestRequireRole_NoPrincipal(t *testing.T) {
	_, err := runWithPrincipal(t, nil, RequireRole("admin"))
	if err == nil {
		t.Fatal("expected 403 without principal")
	}
}

func TestRequirePermission(t *testing.T) {
	_, err := runWithPrincipal(t, &Principal{ID: "u", Permissions: []string{"sessions:*"}}, RequirePermission("sessions:revoke"))
	if err != nil {
		t.Errorf("expected wildcard to grant, got %v", err)
	}

	_, err = runWithPrincipal(t, &Principal{ID: "u", Permissions: []string{"sessions:read"}}, RequirePermission("mfa:admin"))
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestContextAccessors(t *testing.T) {
	p := &Principal{ID: "u1", Roles: []string{"nurse"}, Permissions: []string{"sessions:read"}, SessionID: "s"}
	ctx := WithPrincipal(context.Background(), p)

	if UserIDFromContext(ctx) != "u1" {
		t.Error("user id not stored")
	}
	if got := RolesFromContext(ctx); len(got) != 1 || got[0] != "nurse" {
		t.Errorf("roles not stored: %v", got)
	}
	if PrincipalFromContext(ctx) != p {
		t.Error("principal not stored")
	}
	if PrincipalFromContext(context.Background()) != nil {
		t.Error("expected nil principal on empty context")
	}
	if !p.HasRole("nurse") || p.HasRole("admin") {
		t.Error("HasRole mismatch")
	}
}
