package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-auth/internal/platform/db"
)

// Reasons a request can fail authentication. Clients branch on these, so
// they are part of the API.
const (
	ReasonAuthenticationRequired = "authentication_required"
	ReasonInvalidTokenFormat     = "invalid_token_format"
	ReasonTokenRevoked           = "token_revoked"
	ReasonTokenExpired           = "token_expired"
	ReasonSessionNotFound        = "session_not_found"
	ReasonSessionRevoked         = "session_revoked"
	ReasonSessionInactive        = "session_inactive"
	ReasonSessionExpired         = "session_expired"
	ReasonIdentityRequired       = "identity_required"
	ReasonInvalidIdentity        = "invalid_identity"
	ReasonSessionMismatch        = "session_mismatch"
)

const (
	AccessTokenHeader   = "X-Access-Token"
	IdentityTokenHeader = "X-Identity-Token"
	accessTokenQuery    = "access_token"
	identityTokenQuery  = "id_token"
)

var reasonMessages = map[string]string{
	ReasonAuthenticationRequired: "Authentication required",
	ReasonInvalidTokenFormat:     "Invalid token format",
	ReasonTokenRevoked:           "Token has been revoked",
	ReasonTokenExpired:           "Access token has expired",
	ReasonSessionNotFound:        "Session not found",
	ReasonSessionRevoked:         "Session has been revoked",
	ReasonSessionInactive:        "Session is inactive",
	ReasonSessionExpired:         "Session has expired",
	ReasonIdentityRequired:       "Identity token required",
	ReasonInvalidIdentity:        "Invalid identity token",
	ReasonSessionMismatch:        "Identity token does not belong to this session",
}

// Failure is the body of every 401 produced here.
type Failure struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Unauthorized builds the 401 for reason.
func Unauthorized(reason string) *echo.HTTPError {
	msg, ok := reasonMessages[reason]
	if !ok {
		msg = "Invalid session"
	}
	return echo.NewHTTPError(http.StatusUnauthorized, Failure{Error: reason, Message: msg})
}

// Verification is the outcome of checking an opaque access token. Reason is
// set only when Valid is false.
type Verification struct {
	Valid     bool
	Reason    string
	UserID    string
	OrgID     string
	SessionID string
}

// SessionVerifier resolves an opaque access token to its session.
type SessionVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*Verification, error)
}

// AuthOptions selects the behavior of one Authenticate instance.
type AuthOptions struct {
	// Required rejects requests without credentials; otherwise they pass
	// through anonymously.
	Required bool
	// ValidateSession checks the opaque access token against the session
	// store. Without it the signed identity payload alone is trusted.
	ValidateSession bool
	Skipper         func(c echo.Context) bool
}

// Authenticator builds authentication middleware.
type Authenticator struct {
	sessions SessionVerifier
	claims   *ClaimsCodec
	logger   zerolog.Logger
}

func NewAuthenticator(sessions SessionVerifier, claims *ClaimsCodec, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		sessions: sessions,
		claims:   claims,
		logger:   logger.With().Str("component", "auth").Logger(),
	}
}

// Authenticate returns the middleware for opts.
func (a *Authenticator) Authenticate(opts AuthOptions) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if opts.Skipper != nil && opts.Skipper(c) {
				return next(c)
			}

			p, err := a.authenticate(c, opts)
			if err != nil {
				return err
			}
			if p == nil {
				return next(c)
			}

			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			c.Set(db.PrincipalOrgKey, p.OrgID)
			return next(c)
		}
	}
}

func (a *Authenticator) authenticate(c echo.Context, opts AuthOptions) (*Principal, error) {
	req := c.Request()
	access := extractAccessToken(req)
	identity := extractIdentityToken(req)

	credential := access
	if !opts.ValidateSession {
		credential = identity
	}
	if credential == "" {
		if opts.Required {
			return nil, Unauthorized(ReasonAuthenticationRequired)
		}
		return nil, nil
	}

	var v *Verification
	if opts.ValidateSession {
		if len(access) < MinTokenLength {
			return nil, Unauthorized(ReasonInvalidTokenFormat)
		}

		var err error
		v, err = a.sessions.VerifyAccessToken(req.Context(), access)
		if err != nil {
			a.logger.Error().Err(err).
				Str("token_hash", HashPrefix(HashToken(access))).
				Msg("session verification failed")
			return nil, echo.NewHTTPError(http.StatusInternalServerError, "Authentication service unavailable")
		}
		if !v.Valid {
			a.logger.Debug().
				Str("reason", v.Reason).
				Str("token_hash", HashPrefix(HashToken(access))).
				Msg("access token rejected")
			return nil, Unauthorized(v.Reason)
		}
	}

	if identity == "" {
		return nil, Unauthorized(ReasonIdentityRequired)
	}
	claims, err := a.claims.VerifyIdentity(identity)
	if err != nil {
		return nil, Unauthorized(ReasonInvalidIdentity)
	}

	if v != nil && (claims.SessionID != v.SessionID || claims.Subject != v.UserID) {
		a.logger.Warn().
			Str("session_id", v.SessionID).
			Str("claims_session_id", claims.SessionID).
			Msg("identity token bound to a different session")
		return nil, Unauthorized(ReasonSessionMismatch)
	}

	p := &Principal{
		ID:          claims.Subject,
		OrgID:       claims.OrgID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		SessionID:   claims.SessionID,
	}
	if v != nil && v.OrgID != "" {
		p.OrgID = v.OrgID
	}
	return p, nil
}

// extractAccessToken checks the Authorization header, then the custom
// header, then (GET only) the query string.
func extractAccessToken(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if tok := strings.TrimSpace(parts[1]); tok != "" {
				return tok
			}
		}
	}
	if tok := strings.TrimSpace(r.Header.Get(AccessTokenHeader)); tok != "" {
		return tok
	}
	if r.Method == http.MethodGet {
		return r.URL.Query().Get(accessTokenQuery)
	}
	return ""
}

func extractIdentityToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.Header.Get(IdentityTokenHeader)); tok != "" {
		return tok
	}
	if r.Method == http.MethodGet {
		return r.URL.Query().Get(identityTokenQuery)
	}
	return ""
}
