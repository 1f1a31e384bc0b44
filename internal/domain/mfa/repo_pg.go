package mfa

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr-auth/internal/platform/db"
)

type mfaRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &mfaRepoPG{pool: pool}
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *mfaRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const codeColumns = `id, user_id, code_hash, method, purpose, expires_at, attempts, max_attempts,
	verified_at, invalidated, COALESCE(sent_to, ''), ip_address, user_agent,
	delivery_status, delivery_error, delivery_retry_count, delivered_at, created_at`

func (r *mfaRepoPG) scanCode(row pgx.Row) (*Code, error) {
	var c Code
	err := row.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Method, &c.Purpose, &c.ExpiresAt,
		&c.Attempts, &c.MaxAttempts, &c.VerifiedAt, &c.Invalidated, &c.SentTo,
		&c.IPAddress, &c.UserAgent, &c.DeliveryStatus, &c.DeliveryError,
		&c.DeliveryRetryCount, &c.DeliveredAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *mfaRepoPG) InvalidateOutstanding(ctx context.Context, userID uuid.UUID, purpose string) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE mfa_codes SET invalidated = TRUE
		WHERE user_id = $1 AND purpose = $2 AND verified_at IS NULL AND NOT invalidated`,
		userID, purpose)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *mfaRepoPG) CreateCode(ctx context.Context, c *Code) error {
	c.ID = uuid.New()
	if c.DeliveryStatus == "" {
		c.DeliveryStatus = DeliveryPending
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO mfa_codes (
			id, user_id, code_hash, method, purpose, expires_at, max_attempts,
			sent_to, ip_address, user_agent, delivery_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.UserID, c.CodeHash, c.Method, c.Purpose, c.ExpiresAt, c.MaxAttempts,
		c.SentTo, c.IPAddress, c.UserAgent, c.DeliveryStatus, c.CreatedAt,
	)
	return err
}

func (r *mfaRepoPG) LatestCodeAt(ctx context.Context, userID uuid.UUID, purpose string) (*time.Time, error) {
	var at *time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT MAX(created_at) FROM mfa_codes WHERE user_id = $1 AND purpose = $2`,
		userID, purpose).Scan(&at)
	return at, err
}

func (r *mfaRepoPG) LockActiveCode(ctx context.Context, userID uuid.UUID, purpose string, now time.Time) (*Code, error) {
	return r.scanCode(r.conn(ctx).QueryRow(ctx, `
		SELECT `+codeColumns+` FROM mfa_codes
		WHERE user_id = $1 AND purpose = $2
		  AND verified_at IS NULL AND NOT invalidated AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE`, userID, purpose, now))
}

func (r *mfaRepoPG) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := r.conn(ctx).QueryRow(ctx,
		`UPDATE mfa_codes SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrCodeNotFound
	}
	return attempts, err
}

func (r *mfaRepoPG) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE mfa_codes SET verified_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *mfaRepoPG) UpdateDelivery(ctx context.Context, id uuid.UUID, status string, deliveryErr *string, retries int, deliveredAt *time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE mfa_codes
		SET delivery_status = $2, delivery_error = $3, delivery_retry_count = $4, delivered_at = $5
		WHERE id = $1`, id, status, deliveryErr, retries, deliveredAt)
	return err
}

func (r *mfaRepoPG) DeleteExpired(ctx context.Context, expiredBefore, verifiedBefore time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM mfa_codes
		WHERE expires_at < $1 OR (verified_at IS NOT NULL AND verified_at < $2)`,
		expiredBefore, verifiedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *mfaRepoPG) CodeStats(ctx context.Context, userID uuid.UUID, since, now time.Time) (*Stats, error) {
	var s Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE verified_at IS NOT NULL),
			COUNT(*) FILTER (WHERE verified_at IS NULL AND expires_at < $3),
			COUNT(*) FILTER (WHERE attempts >= max_attempts),
			COUNT(*) FILTER (WHERE delivery_status = 'failed'),
			MAX(created_at)
		FROM mfa_codes
		WHERE user_id = $1 AND created_at > $2`, userID, since, now).Scan(
		&s.TotalCodes, &s.VerifiedCodes, &s.ExpiredCodes, &s.LockedOutCodes,
		&s.FailedDeliveries, &s.LastCodeSentAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *mfaRepoPG) GetUserSettings(ctx context.Context, userID uuid.UUID) (*UserSettings, error) {
	var s UserSettings
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT user_id, enabled, method, phone_number, verified, last_used_at, created_at, updated_at
		FROM user_2fa_settings WHERE user_id = $1`, userID).Scan(
		&s.UserID, &s.Enabled, &s.Method, &s.PhoneNumber, &s.Verified,
		&s.LastUsedAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *mfaRepoPG) UpsertUserSettings(ctx context.Context, s *UserSettings) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO user_2fa_settings (user_id, enabled, method, phone_number, verified, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			method = EXCLUDED.method,
			phone_number = EXCLUDED.phone_number,
			verified = EXCLUDED.verified,
			updated_at = NOW()`,
		s.UserID, s.Enabled, s.Method, s.PhoneNumber, s.Verified)
	return err
}

func (r *mfaRepoPG) MarkSettingsVerified(ctx context.Context, userID uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE user_2fa_settings SET verified = TRUE, updated_at = $2 WHERE user_id = $1`, userID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSettingsNotFound
	}
	return nil
}

func (r *mfaRepoPG) DisableSettings(ctx context.Context, userID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE user_2fa_settings SET enabled = FALSE, verified = FALSE, updated_at = $2
		WHERE user_id = $1`, userID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *mfaRepoPG) TouchLastUsed(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE user_2fa_settings SET last_used_at = $2 WHERE user_id = $1`, userID, at)
	return err
}

func (r *mfaRepoPG) GetGlobalSettings(ctx context.Context, orgID string) (*GlobalSettings, error) {
	var g GlobalSettings
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT org_id, enabled, enforcement_level, allowed_methods, grace_period_days, updated_by, updated_at
		FROM global_2fa_settings WHERE org_id = $1`, orgID).Scan(
		&g.OrgID, &g.Enabled, &g.EnforcementLevel, &g.AllowedMethods,
		&g.GracePeriodDays, &g.UpdatedBy, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *mfaRepoPG) UpsertGlobalSettings(ctx context.Context, g *GlobalSettings) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO global_2fa_settings (org_id, enabled, enforcement_level, allowed_methods, grace_period_days, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (org_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			enforcement_level = EXCLUDED.enforcement_level,
			allowed_methods = EXCLUDED.allowed_methods,
			grace_period_days = EXCLUDED.grace_period_days,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
		RETURNING updated_at`,
		g.OrgID, g.Enabled, g.EnforcementLevel, g.AllowedMethods, g.GracePeriodDays, g.UpdatedBy,
	).Scan(&g.UpdatedAt)
}
