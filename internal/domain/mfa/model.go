package mfa

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MethodEmail = "email"
	MethodSMS   = "sms"
)

const (
	PurposeLogin  = "login"
	PurposeSetup  = "setup"
	PurposeVerify = "verify"
)

const (
	EnforcementDisabled  = "disabled"
	EnforcementOptional  = "optional"
	EnforcementMandatory = "mandatory"
)

// Requirement reasons.
const (
	ReasonNotConfigured      = "not_configured"
	ReasonDisabledGlobally   = "disabled_globally"
	ReasonMandatory          = "mandatory"
	ReasonUserEnabled        = "user_enabled"
	ReasonOptionalNotEnabled = "optional_not_enabled"
)

// Verification reasons.
const (
	ReasonInvalidCodeFormat = "invalid_code_format"
	ReasonInvalidOrExpired  = "invalid_or_expired"
	ReasonMaxAttempts       = "max_attempts"
	ReasonIncorrectCode     = "incorrect_code"
)

const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

var (
	ErrCodeNotFound     = errors.New("mfa code not found")
	ErrSettingsNotFound = errors.New("mfa settings not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrPhoneRequired    = errors.New("phone number is required for SMS authentication")
	ErrInvalidMethod    = errors.New(`invalid method, must be "email" or "sms"`)
	ErrInvalidPurpose   = errors.New("invalid code purpose")
	ErrMethodNotAllowed = errors.New("method not allowed by organization policy")
	ErrAlreadyEnabled   = errors.New("2FA is already enabled for this user")
	ErrDeliveryFailed   = errors.New("failed to deliver verification code")
	ErrResendTooSoon    = errors.New("verification code was sent recently")
	ErrInvalidSettings  = errors.New("invalid 2FA settings")
)

var verifyMessages = map[string]string{
	ReasonInvalidCodeFormat: "Invalid verification code format",
	ReasonInvalidOrExpired:  "Invalid or expired verification code",
	ReasonMaxAttempts:       "Maximum verification attempts exceeded",
	ReasonIncorrectCode:     "Incorrect verification code",
}

// VerifyMessage returns the client-facing text for a verification reason.
func VerifyMessage(reason string) string {
	if msg, ok := verifyMessages[reason]; ok {
		return msg
	}
	return "Verification failed"
}

func validMethod(m string) bool { return m == MethodEmail || m == MethodSMS }

func validPurpose(p string) bool {
	return p == PurposeLogin || p == PurposeSetup || p == PurposeVerify
}

// Code is one issued one-time code. Only its hash is stored.
type Code struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	CodeHash           string
	Method             string
	Purpose            string
	ExpiresAt          time.Time
	Attempts           int
	MaxAttempts        int
	VerifiedAt         *time.Time
	Invalidated        bool
	SentTo             string
	IPAddress          *string
	UserAgent          *string
	DeliveryStatus     string
	DeliveryError      *string
	DeliveryRetryCount int
	DeliveredAt        *time.Time
	CreatedAt          time.Time
}

// UserSettings is a user's 2FA enrolment. The raw phone number is never
// serialized.
type UserSettings struct {
	UserID            uuid.UUID  `json:"-"`
	Enabled           bool       `json:"enabled"`
	Method            string     `json:"method"`
	PhoneNumber       *string    `json:"-"`
	PhoneNumberMasked string     `json:"phone_number_masked,omitempty"`
	Verified          bool       `json:"verified"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

func (s *UserSettings) active() bool { return s != nil && s.Enabled && s.Verified }

func (s *UserSettings) phone() string {
	if s == nil || s.PhoneNumber == nil {
		return ""
	}
	return *s.PhoneNumber
}

// GlobalSettings is an organization's 2FA policy.
type GlobalSettings struct {
	OrgID            string    `json:"org_id"`
	Enabled          bool      `json:"enabled"`
	EnforcementLevel string    `json:"enforcement_level"`
	AllowedMethods   []string  `json:"allowed_methods"`
	GracePeriodDays  int       `json:"grace_period_days"`
	UpdatedBy        *string   `json:"updated_by,omitempty"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

func defaultGlobalSettings(orgID string) *GlobalSettings {
	return &GlobalSettings{
		OrgID:            orgID,
		EnforcementLevel: EnforcementOptional,
		AllowedMethods:   []string{MethodEmail},
	}
}

func (g *GlobalSettings) allows(method string) bool {
	for _, m := range g.AllowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Requirement is the outcome of Is2FARequired.
type Requirement struct {
	Required   bool   `json:"required"`
	NeedsSetup bool   `json:"needs_setup"`
	Reason     string `json:"reason"`
	Method     string `json:"method,omitempty"`
}

// IssuedCode describes a code that was created and handed to a sender.
type IssuedCode struct {
	CodeID         uuid.UUID `json:"code_id"`
	Method         string    `json:"method"`
	SentTo         string    `json:"sent_to"`
	ExpiresAt      time.Time `json:"expires_at"`
	DeliveryStatus string    `json:"delivery_status"`
}

// VerifyOutcome is the result of checking a submitted code.
type VerifyOutcome struct {
	Success           bool   `json:"success"`
	Reason            string `json:"reason,omitempty"`
	RemainingAttempts *int   `json:"remaining_attempts,omitempty"`
}

// Stats summarizes a user's codes over the reporting window.
type Stats struct {
	TotalCodes       int        `json:"total_codes"`
	VerifiedCodes    int        `json:"successful_verifications"`
	ExpiredCodes     int        `json:"expired_codes"`
	LockedOutCodes   int        `json:"failed_attempts"`
	FailedDeliveries int        `json:"failed_deliveries"`
	LastCodeSentAt   *time.Time `json:"last_code_sent,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// RequestMeta identifies the client asking for a code.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Contact is what the gate needs to know about a user to reach them.
type Contact struct {
	UserID uuid.UUID
	OrgID  string
	Email  string
	Name   string
}
