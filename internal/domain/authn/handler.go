package authn

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr-auth/internal/domain/mfa"
	"github.com/ehr/ehr-auth/internal/domain/session"
	"github.com/ehr/ehr-auth/internal/platform/auth"
)

// Refresh rejection reasons that have no counterpart in auth.
var refreshMessages = map[string]string{
	session.ReasonTokenRotated:       "Refresh token has already been used",
	session.ReasonRefreshTokenReused: "Refresh token reuse detected; session revoked",
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the login flow. public carries no authentication;
// protected requires a validated session. limit guards the credential and
// code endpoints and may be nil.
func (h *Handler) RegisterRoutes(public, protected *echo.Group, limit echo.MiddlewareFunc) {
	var mw []echo.MiddlewareFunc
	if limit != nil {
		mw = append(mw, limit)
	}
	public.POST("/auth/login", h.Login, mw...)
	public.POST("/auth/refresh", h.Refresh, mw...)
	public.POST("/auth/mfa/verify", h.VerifyMFA, mw...)
	public.POST("/auth/mfa/resend", h.ResendMFA, mw...)
	public.POST("/auth/mfa/setup", h.SetupMFA, mw...)
	public.POST("/auth/mfa/setup/verify", h.CompleteSetup, mw...)

	protected.POST("/auth/logout", h.Logout)
	protected.POST("/auth/logout-all", h.LogoutAll)
}

type challengeRequest struct {
	ChallengeToken string         `json:"challenge_token"`
	Code           string         `json:"code"`
	Method         string         `json:"method"`
	PhoneNumber    string         `json:"phone_number"`
	DeviceInfo     map[string]any `json:"device_info,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func failure(status int, code, msg string) *echo.HTTPError {
	return echo.NewHTTPError(status, auth.Failure{Error: code, Message: msg})
}

// httpError maps login flow errors onto responses.
func httpError(err error) error {
	var rejected *CodeRejectedError
	if errors.As(err, &rejected) {
		return mfa.OutcomeError(rejected.Outcome)
	}
	if reason := session.RejectionReason(err); reason != "" {
		if msg, ok := refreshMessages[reason]; ok {
			return failure(http.StatusUnauthorized, reason, msg)
		}
		return auth.Unauthorized(reason)
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return failure(http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
	case errors.Is(err, ErrInvalidChallenge):
		return failure(http.StatusUnauthorized, "invalid_challenge", "MFA challenge is invalid or has expired")
	case errors.Is(err, ErrAccountDisabled):
		return failure(http.StatusUnauthorized, "account_disabled", "Account is disabled")
	case errors.Is(err, session.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrUnauthorized):
		return auth.Unauthorized(auth.ReasonAuthenticationRequired)
	}
	return mfa.HTTPError(err)
}

func clientMeta(c echo.Context, device map[string]any) ClientMeta {
	return ClientMeta{IPAddress: c.RealIP(), UserAgent: c.Request().UserAgent(), DeviceInfo: device}
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}
	req.IPAddress = c.RealIP()
	req.UserAgent = c.Request().UserAgent()

	res, err := h.svc.Login(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	if res.Session != nil {
		return c.JSON(http.StatusOK, res.Session)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) bindChallenge(c echo.Context) (*challengeRequest, error) {
	var req challengeRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ChallengeToken == "" {
		return nil, failure(http.StatusUnauthorized, "invalid_challenge", "MFA challenge token is required")
	}
	return &req, nil
}

func (h *Handler) VerifyMFA(c echo.Context) error {
	req, err := h.bindChallenge(c)
	if err != nil {
		return err
	}
	tokens, err := h.svc.VerifyMFA(c.Request().Context(), req.ChallengeToken, req.Code, clientMeta(c, req.DeviceInfo))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tokens)
}

func (h *Handler) ResendMFA(c echo.Context) error {
	req, err := h.bindChallenge(c)
	if err != nil {
		return err
	}
	issued, err := h.svc.ResendMFA(c.Request().Context(), req.ChallengeToken, clientMeta(c, nil))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, issued)
}

func (h *Handler) SetupMFA(c echo.Context) error {
	req, err := h.bindChallenge(c)
	if err != nil {
		return err
	}
	issued, err := h.svc.SetupMFA(c.Request().Context(), req.ChallengeToken, req.Method, req.PhoneNumber, clientMeta(c, nil))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, issued)
}

func (h *Handler) CompleteSetup(c echo.Context) error {
	req, err := h.bindChallenge(c)
	if err != nil {
		return err
	}
	tokens, err := h.svc.CompleteSetup(c.Request().Context(), req.ChallengeToken, req.Code, clientMeta(c, req.DeviceInfo))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tokens)
}

func (h *Handler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.RefreshToken) < auth.MinTokenLength {
		return auth.Unauthorized(auth.ReasonInvalidTokenFormat)
	}
	res, err := h.svc.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Logout(c echo.Context) error {
	if err := h.svc.Logout(c.Request().Context(), auth.CurrentPrincipal(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) LogoutAll(c echo.Context) error {
	n, err := h.svc.LogoutAll(c.Request().Context(), auth.CurrentPrincipal(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"revoked_sessions": n})
}
