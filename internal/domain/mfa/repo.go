package mfa

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists codes and 2FA settings.
type Repository interface {
	InvalidateOutstanding(ctx context.Context, userID uuid.UUID, purpose string) (int64, error)
	CreateCode(ctx context.Context, c *Code) error
	// LatestCodeAt returns when the newest code for (user, purpose) was
	// created, or nil when there is none.
	LatestCodeAt(ctx context.Context, userID uuid.UUID, purpose string) (*time.Time, error)
	// LockActiveCode selects the newest usable code FOR UPDATE. It returns
	// ErrCodeNotFound when none is usable.
	LockActiveCode(ctx context.Context, userID uuid.UUID, purpose string, now time.Time) (*Code, error)
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateDelivery(ctx context.Context, id uuid.UUID, status string, deliveryErr *string, retries int, deliveredAt *time.Time) error
	DeleteExpired(ctx context.Context, expiredBefore, verifiedBefore time.Time) (int64, error)
	CodeStats(ctx context.Context, userID uuid.UUID, since, now time.Time) (*Stats, error)

	GetUserSettings(ctx context.Context, userID uuid.UUID) (*UserSettings, error)
	UpsertUserSettings(ctx context.Context, s *UserSettings) error
	MarkSettingsVerified(ctx context.Context, userID uuid.UUID, at time.Time) error
	DisableSettings(ctx context.Context, userID uuid.UUID, at time.Time) (bool, error)
	TouchLastUsed(ctx context.Context, userID uuid.UUID, at time.Time) error

	GetGlobalSettings(ctx context.Context, orgID string) (*GlobalSettings, error)
	UpsertGlobalSettings(ctx context.Context, g *GlobalSettings) error
}

// UserDirectory resolves a user's contact details.
type UserDirectory interface {
	Contact(ctx context.Context, userID uuid.UUID) (*Contact, error)
}
