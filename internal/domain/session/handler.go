package session

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr-auth/internal/platform/auth"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes mounts session routes on a group that already requires a
// validated session.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/sessions", h.ListSessions)
	api.DELETE("/sessions/:id", h.RevokeSession)

	adminGroup := api.Group("/admin", auth.RequireRole("admin"))
	adminGroup.POST("/users/:id/force-logout", h.ForceLogout)
}

func principalIDs(c echo.Context) (userID, sessionID uuid.UUID, err error) {
	p := auth.CurrentPrincipal(c)
	if p == nil {
		return uuid.Nil, uuid.Nil, auth.Unauthorized(auth.ReasonAuthenticationRequired)
	}
	userID, err = uuid.Parse(p.ID)
	if err != nil {
		return uuid.Nil, uuid.Nil, auth.Unauthorized(auth.ReasonInvalidIdentity)
	}
	sessionID, _ = uuid.Parse(p.SessionID)
	return userID, sessionID, nil
}

func (h *Handler) ListSessions(c echo.Context) error {
	userID, sessionID, err := principalIDs(c)
	if err != nil {
		return err
	}
	sessions, err := h.mgr.GetUserSessions(c.Request().Context(), userID, sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (h *Handler) RevokeSession(c echo.Context) error {
	userID, _, err := principalIDs(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}

	err = h.mgr.RevokeSession(c.Request().Context(), id, userID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, auth.Failure{Error: "unauthorized", Message: "Session belongs to another user"})
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to revoke session")
	}
	return c.NoContent(http.StatusNoContent)
}

type forceLogoutRequest struct {
	Reason string `json:"reason"`
}

// ForceLogout ends every session the target user holds in the caller's
// organization. Users of other organizations are out of reach and report zero.
func (h *Handler) ForceLogout(c echo.Context) error {
	p := auth.CurrentPrincipal(c)
	if p == nil {
		return auth.Unauthorized(auth.ReasonAuthenticationRequired)
	}
	if p.OrgID == "" {
		return echo.NewHTTPError(http.StatusForbidden, auth.Failure{Error: "forbidden", Message: "Administrator has no organization"})
	}
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	var req forceLogoutRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}

	n, err := h.mgr.ForceLogout(c.Request().Context(), p.OrgID, userID, req.Reason)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to revoke sessions")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":          userID,
		"revoked_sessions": n,
	})
}
