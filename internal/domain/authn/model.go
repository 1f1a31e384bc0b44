package authn

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehr-auth/internal/domain/mfa"
)

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrInvalidChallenge   = errors.New("invalid or expired MFA challenge")
	ErrInvalidUser        = errors.New("invalid user")
)

// User is the account a session belongs to.
type User struct {
	ID           uuid.UUID `json:"id"`
	OrgID        string    `json:"org_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	Permissions  []string  `json:"permissions"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewUser is the input to CreateUser.
type NewUser struct {
	OrgID       string
	Email       string
	Name        string
	Password    string
	Roles       []string
	Permissions []string
}

type LoginRequest struct {
	Email      string         `json:"email"`
	Password   string         `json:"password"`
	DeviceInfo map[string]any `json:"device_info,omitempty"`
	IPAddress  string         `json:"-"`
	UserAgent  string         `json:"-"`
}

// ClientMeta describes the caller of an MFA step that may open a session.
type ClientMeta struct {
	IPAddress  string
	UserAgent  string
	DeviceInfo map[string]any
}

func (m ClientMeta) request() mfa.RequestMeta {
	return mfa.RequestMeta{IPAddress: m.IPAddress, UserAgent: m.UserAgent}
}

// SessionTokens is handed to the client when a session opens.
type SessionTokens struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	IdentityToken    string    `json:"identity_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresIn int64     `json:"refresh_expires_in"`
	SessionID        uuid.UUID `json:"session_id"`
	User             *User     `json:"user"`
}

// LoginResult is either an open session or an MFA challenge.
type LoginResult struct {
	RequiresMFA        bool           `json:"requires_mfa"`
	NeedsSetup         bool           `json:"needs_setup,omitempty"`
	ChallengeToken     string         `json:"challenge_token,omitempty"`
	ChallengeExpiresAt *time.Time     `json:"challenge_expires_at,omitempty"`
	Method             string         `json:"method,omitempty"`
	SentTo             string         `json:"sent_to,omitempty"`
	ExpiresAt          *time.Time     `json:"expires_at,omitempty"`
	DeliveryStatus     string         `json:"delivery_status,omitempty"`
	Session            *SessionTokens `json:"session,omitempty"`
}

// RefreshResponse carries the rotated tokens and a re-signed identity token.
type RefreshResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	IdentityToken    string    `json:"identity_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresIn int64     `json:"refresh_expires_in"`
	SessionID        uuid.UUID `json:"session_id"`
}

// CodeRejectedError is returned when a submitted MFA code fails.
type CodeRejectedError struct {
	Outcome *mfa.VerifyOutcome
}

func (e *CodeRejectedError) Error() string { return "mfa code rejected: " + e.Outcome.Reason }
