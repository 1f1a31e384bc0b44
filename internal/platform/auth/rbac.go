package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == "admin" {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequirePermission returns middleware that checks if the user holds at least
// one of perms. Permissions look like "resource:action"; "resource:*" and "*"
// are wildcards.
func RequirePermission(perms ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			granted := PermissionsFromContext(c.Request().Context())
			for _, required := range perms {
				for _, g := range granted {
					if matchPermission(g, required) {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required permission: %s", strings.Join(perms, " or ")))
		}
	}
}

func matchPermission(granted, required string) bool {
	if granted == required || granted == "*" {
		return true
	}

	gRes, gAct, ok := strings.Cut(granted, ":")
	if !ok {
		return false
	}
	rRes, rAct, ok := strings.Cut(required, ":")
	if !ok {
		return false
	}
	return gRes == rRes && (gAct == "*" || gAct == rAct)
}
