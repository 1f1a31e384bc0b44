package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the durable session store. Lookups return ErrSessionNotFound
// when no row matches.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	GetByAccessHash(ctx context.Context, hash string) (*Session, error)
	GetByRefreshHash(ctx context.Context, hash string) (*Session, error)
	// RotateTokens swaps in new hashes only if the row is active and still
	// carries both observed hashes. It reports whether a row changed.
	RotateTokens(ctx context.Context, id uuid.UUID, observedRefresh, observedAccess string, rot Rotation) (bool, error)
	AppendHistory(ctx context.Context, entries ...TokenHistory) error
	// FindHistory returns nil without error when the hash was never rotated out.
	FindHistory(ctx context.Context, hash string) (*TokenHistory, error)
	// Revoke deactivates an active session and reports whether it changed.
	Revoke(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error)
	// RevokeAllForUser deactivates every active session of userID except
	// except (uuid.Nil for none) and returns the rows it changed. A non-empty
	// orgID limits it to that organization.
	RevokeAllForUser(ctx context.Context, userID uuid.UUID, orgID string, except uuid.UUID, reason string, at time.Time) ([]*Session, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
	Purge(ctx context.Context, cutoff time.Time) (PurgeResult, error)
}
