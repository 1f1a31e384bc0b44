package auth

import (
	"context"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey      contextKey = "user_id"
	UserRolesKey   contextKey = "user_roles"
	PermissionsKey contextKey = "user_permissions"
	PrincipalKey   contextKey = "principal"
)

// Principal is the normalized identity attached to an authenticated request.
type Principal struct {
	ID          string   `json:"id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	SessionID   string   `json:"session_id"`
}

// HasRole reports whether p holds role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithPrincipal stores p and the individual lookup keys on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, PrincipalKey, p)
	ctx = context.WithValue(ctx, UserIDKey, p.ID)
	ctx = context.WithValue(ctx, UserRolesKey, p.Roles)
	ctx = context.WithValue(ctx, PermissionsKey, p.Permissions)
	return ctx
}

func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(PrincipalKey).(*Principal)
	return p
}

// CurrentPrincipal reads the principal off an echo request.
func CurrentPrincipal(c echo.Context) *Principal {
	return PrincipalFromContext(c.Request().Context())
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func PermissionsFromContext(ctx context.Context) []string {
	perms, _ := ctx.Value(PermissionsKey).([]string)
	return perms
}
