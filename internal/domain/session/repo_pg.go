package session

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

type sessionRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &sessionRepoPG{pool: pool}
}

// queryable abstracts pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *sessionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const sessionColumns = `id, user_id, org_id, access_token_hash, refresh_token_hash,
	created_at, last_activity_at, access_expires_at, expires_at,
	is_active, revoked_at, revoked_reason, ip_address, user_agent, device_info`

func (r *sessionRepoPG) scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.OrgID, &s.AccessTokenHash, &s.RefreshTokenHash,
		&s.CreatedAt, &s.LastActivityAt, &s.AccessExpiresAt, &s.ExpiresAt,
		&s.IsActive, &s.RevokedAt, &s.RevokedReason, &s.IPAddress, &s.UserAgent, &s.DeviceInfo)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	s.ID = uuid.New()
	if s.DeviceInfo == nil {
		s.DeviceInfo = map[string]any{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sessions (
			id, user_id, org_id, access_token_hash, refresh_token_hash,
			created_at, last_activity_at, access_expires_at, expires_at,
			is_active, ip_address, user_agent, device_info
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10, $11, $12)`,
		s.ID, s.UserID, s.OrgID, s.AccessTokenHash, s.RefreshTokenHash,
		s.CreatedAt, s.LastActivityAt, s.AccessExpiresAt, s.ExpiresAt,
		s.IPAddress, s.UserAgent, s.DeviceInfo,
	)
	return err
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (r *sessionRepoPG) GetByAccessHash(ctx context.Context, hash string) (*Session, error) {
	return r.scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE access_token_hash = $1`, hash))
}

func (r *sessionRepoPG) GetByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	return r.scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = $1`, hash))
}

func (r *sessionRepoPG) RotateTokens(ctx context.Context, id uuid.UUID, observedRefresh, observedAccess string, rot Rotation) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sessions SET
			access_token_hash = $3,
			refresh_token_hash = COALESCE(NULLIF($4, ''), refresh_token_hash),
			access_expires_at = $5,
			last_activity_at = $6
		WHERE id = $1 AND refresh_token_hash = $2 AND access_token_hash = $7 AND is_active`,
		id, observedRefresh, rot.AccessTokenHash, rot.RefreshTokenHash, rot.AccessExpiresAt, rot.At, observedAccess,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *sessionRepoPG) AppendHistory(ctx context.Context, entries ...TokenHistory) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, h := range entries {
		batch.Queue(`
			INSERT INTO session_token_history (session_id, token_kind, token_hash, rotated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)`,
			h.SessionID, h.Kind, h.TokenHash, h.RotatedAt, h.ExpiresAt)
	}
	return r.sendBatch(ctx, batch)
}

func (r *sessionRepoPG) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	var br pgx.BatchResults
	if tx := db.TxFromContext(ctx); tx != nil {
		br = tx.SendBatch(ctx, batch)
	} else {
		br = r.pool.SendBatch(ctx, batch)
	}
	return br.Close()
}

func (r *sessionRepoPG) FindHistory(ctx context.Context, hash string) (*TokenHistory, error) {
	var h TokenHistory
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT session_id, token_kind, token_hash, rotated_at, expires_at
		FROM session_token_history
		WHERE token_hash = $1
		ORDER BY rotated_at DESC
		LIMIT 1`, hash,
	).Scan(&h.SessionID, &h.Kind, &h.TokenHash, &h.RotatedAt, &h.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *sessionRepoPG) Revoke(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sessions SET is_active = FALSE, revoked_at = $2, revoked_reason = $3
		WHERE id = $1 AND is_active`, id, at, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *sessionRepoPG) RevokeAllForUser(ctx context.Context, userID uuid.UUID, orgID string, except uuid.UUID, reason string, at time.Time) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE sessions SET is_active = FALSE, revoked_at = $3, revoked_reason = $4
		WHERE user_id = $1 AND is_active AND id <> $2 AND ($5::text = '' OR org_id = $5::text)
		RETURNING `+sessionColumns, userID, except, at, reason, orgID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *sessionRepoPG) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND is_active
		ORDER BY last_activity_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *sessionRepoPG) collect(rows pgx.Rows) ([]*Session, error) {
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionRepoPG) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE sessions SET last_activity_at = $2
		WHERE id = $1 AND is_active AND last_activity_at < $2`, id, at)
	return err
}

func (r *sessionRepoPG) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sessions SET is_active = FALSE, revoked_at = $1, revoked_reason = $2
		WHERE is_active AND expires_at <= $1`, now, RevokedExpired)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *sessionRepoPG) Purge(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	var res PurgeResult
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM session_token_history WHERE rotated_at < $1`, cutoff)
	if err != nil {
		return res, err
	}
	res.History = tag.RowsAffected()

	tag, err = r.conn(ctx).Exec(ctx, `
		DELETE FROM sessions
		WHERE NOT is_active AND COALESCE(revoked_at, expires_at) < $1`, cutoff)
	if err != nil {
		return res, err
	}
	res.Sessions = tag.RowsAffected()
	return res, nil
}
