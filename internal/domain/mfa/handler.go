package mfa

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr-auth/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the 2FA self-service and admin routes on a group that
// already requires a validated session.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/mfa/settings", h.GetSettings)
	api.POST("/mfa/enable", h.Enable)
	api.POST("/mfa/setup/verify", h.VerifySetup)
	api.POST("/mfa/disable", h.Disable)
	api.GET("/mfa/stats", h.Stats)

	adminGroup := api.Group("/admin", auth.RequireRole("admin"))
	adminGroup.GET("/mfa/settings", h.GetGlobalSettings)
	adminGroup.PUT("/mfa/settings", h.UpdateGlobalSettings)
}

// EnableRequest is the body of an enrolment request.
type EnableRequest struct {
	Method      string `json:"method"`
	PhoneNumber string `json:"phone_number"`
}

// CodeRequest carries a submitted one-time code.
type CodeRequest struct {
	Code string `json:"code"`
}

// HTTPError maps gate errors onto responses. Unknown errors become 500.
func HTTPError(err error) *echo.HTTPError {
	var cooldown *CooldownError
	switch {
	case errors.As(err, &cooldown):
		return echo.NewHTTPError(http.StatusTooManyRequests, map[string]interface{}{
			"error":       "resend_too_soon",
			"message":     "Please wait before requesting a new code",
			"retry_after": int(cooldown.RetryAfter.Seconds() + 0.5),
		})
	case errors.Is(err, ErrInvalidMethod), errors.Is(err, ErrPhoneRequired),
		errors.Is(err, ErrInvalidSettings), errors.Is(err, ErrInvalidPurpose):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrMethodNotAllowed):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrAlreadyEnabled):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUserNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDeliveryFailed):
		return echo.NewHTTPError(http.StatusBadGateway, ErrDeliveryFailed.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "2FA request failed")
}

// OutcomeError is the response for a failed code check.
func OutcomeError(out *VerifyOutcome) *echo.HTTPError {
	body := map[string]interface{}{
		"error":   out.Reason,
		"message": VerifyMessage(out.Reason),
	}
	if out.RemainingAttempts != nil {
		body["remaining_attempts"] = *out.RemainingAttempts
	}
	status := http.StatusUnauthorized
	if out.Reason == ReasonInvalidCodeFormat {
		status = http.StatusBadRequest
	}
	return echo.NewHTTPError(status, body)
}

// RequestMetaFrom reads the client address and agent from c.
func RequestMetaFrom(c echo.Context) RequestMeta {
	return RequestMeta{IPAddress: c.RealIP(), UserAgent: c.Request().UserAgent()}
}

func principalUser(c echo.Context) (*auth.Principal, uuid.UUID, error) {
	p := auth.CurrentPrincipal(c)
	if p == nil {
		return nil, uuid.Nil, auth.Unauthorized(auth.ReasonAuthenticationRequired)
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return nil, uuid.Nil, auth.Unauthorized(auth.ReasonInvalidIdentity)
	}
	return p, id, nil
}

func (h *Handler) GetSettings(c echo.Context) error {
	_, userID, err := principalUser(c)
	if err != nil {
		return err
	}
	settings, err := h.svc.GetUserSettings(c.Request().Context(), userID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, settings)
}

func (h *Handler) Enable(c echo.Context) error {
	_, userID, err := principalUser(c)
	if err != nil {
		return err
	}
	var req EnableRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	issued, err := h.svc.Enable2FA(c.Request().Context(), userID, req.Method, req.PhoneNumber, RequestMetaFrom(c))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":    "Verification code sent",
		"method":     issued.Method,
		"sent_to":    issued.SentTo,
		"expires_at": issued.ExpiresAt,
	})
}

func (h *Handler) VerifySetup(c echo.Context) error {
	_, userID, err := principalUser(c)
	if err != nil {
		return err
	}
	var req CodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	out, err := h.svc.Verify2FASetup(c.Request().Context(), userID, req.Code)
	if err != nil {
		return HTTPError(err)
	}
	if !out.Success {
		return OutcomeError(out)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Two-factor authentication enabled",
		"enabled": true,
	})
}

func (h *Handler) Disable(c echo.Context) error {
	_, userID, err := principalUser(c)
	if err != nil {
		return err
	}
	if err := h.svc.Disable2FA(c.Request().Context(), userID); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Two-factor authentication disabled",
		"enabled": false,
	})
}

func (h *Handler) Stats(c echo.Context) error {
	_, userID, err := principalUser(c)
	if err != nil {
		return err
	}
	stats, err := h.svc.GetUserMFAStats(c.Request().Context(), userID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetGlobalSettings(c echo.Context) error {
	p, _, err := principalUser(c)
	if err != nil {
		return err
	}
	g, err := h.svc.GetGlobalSettings(c.Request().Context(), p.OrgID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) UpdateGlobalSettings(c echo.Context) error {
	p, _, err := principalUser(c)
	if err != nil {
		return err
	}
	var req GlobalSettings
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	g, err := h.svc.UpdateGlobalSettings(c.Request().Context(), p.OrgID, req, p.ID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, g)
}
