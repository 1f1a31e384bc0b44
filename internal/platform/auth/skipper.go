package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. The MFA challenge routes authenticate
// with a challenge token in the request body instead.
var publicPaths = map[string]bool{
	"/health":                       true,
	"/metrics":                      true,
	"/api/v1/auth/login":            true,
	"/api/v1/auth/refresh":          true,
	"/api/v1/auth/mfa/verify":       true,
	"/api/v1/auth/mfa/resend":       true,
	"/api/v1/auth/mfa/setup":        true,
	"/api/v1/auth/mfa/setup/verify": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is reachable without a session.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
