package session

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehr-auth/internal/platform/auth"
)

// Revocation reasons stored on the session row.
const (
	RevokedLogout       = "logout"
	RevokedForcedLogout = "forced_logout"
	RevokedExpired      = "expired"
	RevokedRefreshReuse = "refresh_reuse"
)

// Refresh rejections beyond the shared auth reasons.
const (
	ReasonTokenRotated       = "token_rotated"
	ReasonRefreshTokenReused = "refresh_token_reused"
)

const (
	historyAccess  = "access"
	historyRefresh = "refresh"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrOrgRequired     = errors.New("organization required")
)

// RejectedError is returned by RefreshAccessToken when the token is refused.
// Reason is one of the auth reason codes or a refresh-specific one.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "refresh rejected: " + e.Reason }

func reject(reason string) error { return &RejectedError{Reason: reason} }

// RejectionReason extracts the reason from err, or "" when err is not a
// rejection.
func RejectionReason(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// VerifyResult is the outcome of VerifyAccessToken.
type VerifyResult = auth.Verification

// Session is one durable login. Token hashes never leave the process.
type Session struct {
	ID               uuid.UUID      `json:"id"`
	UserID           uuid.UUID      `json:"user_id"`
	OrgID            string         `json:"org_id"`
	AccessTokenHash  string         `json:"-"`
	RefreshTokenHash string         `json:"-"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActivityAt   time.Time      `json:"last_activity_at"`
	AccessExpiresAt  time.Time      `json:"access_expires_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	IsActive         bool           `json:"is_active"`
	RevokedAt        *time.Time     `json:"revoked_at,omitempty"`
	RevokedReason    *string        `json:"revoked_reason,omitempty"`
	IPAddress        *string        `json:"ip_address,omitempty"`
	UserAgent        *string        `json:"user_agent,omitempty"`
	DeviceInfo       map[string]any `json:"device_info,omitempty"`
}

// UserSession is a session as listed back to its owner.
type UserSession struct {
	Session
	IsCurrent bool `json:"is_current"`
}

// Tokens is a freshly minted access/refresh pair with hashes and lifetimes.
type Tokens struct {
	AccessToken      string
	RefreshToken     string
	AccessTokenHash  string
	RefreshTokenHash string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
}

// Metadata describes the client that opened a session.
type Metadata struct {
	IPAddress  string
	UserAgent  string
	DeviceInfo map[string]any
}

// Rotation is the new token state written by a refresh.
type Rotation struct {
	AccessTokenHash  string
	RefreshTokenHash string // empty keeps the current refresh hash
	AccessExpiresAt  time.Time
	At               time.Time
}

// TokenHistory records a hash rotated out of a session.
type TokenHistory struct {
	SessionID uuid.UUID
	Kind      string
	TokenHash string
	RotatedAt time.Time
	ExpiresAt time.Time
}

// RefreshResult is returned to the client after a refresh. RefreshToken is
// empty when rotation is off.
type RefreshResult struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresIn int64     `json:"refresh_expires_in"`
	SessionID        uuid.UUID `json:"session_id"`
	UserID           uuid.UUID `json:"user_id"`
	OrgID            string    `json:"org_id"`
}

// PurgeResult counts rows removed by the retention job.
type PurgeResult struct {
	Sessions int64 `json:"sessions"`
	History  int64 `json:"history"`
}

// cacheEntry is the JSON value stored under session:access:<h> and
// session:refresh:<h>.
type cacheEntry struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	OrgID           string    `json:"org_id"`
	Active          bool      `json:"active"`
	ExpiresAt       time.Time `json:"expires_at"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

func entryFor(s *Session) cacheEntry {
	return cacheEntry{
		SessionID:       s.ID.String(),
		UserID:          s.UserID.String(),
		OrgID:           s.OrgID,
		Active:          s.IsActive,
		ExpiresAt:       s.ExpiresAt,
		AccessExpiresAt: s.AccessExpiresAt,
	}
}

func accessKey(hash string) string    { return "session:access:" + hash }
func refreshKey(hash string) string   { return "session:refresh:" + hash }
func blacklistKey(hash string) string { return "blacklist:" + hash }
