package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/ehr-auth/internal/platform/auth"
	"github.com/ehr/ehr-auth/internal/platform/cache"
	"github.com/ehr/ehr-auth/internal/platform/db"
	"github.com/ehr/ehr-auth/internal/platform/telemetry"
)

type Options struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// RotateRefresh issues a new refresh token on every refresh.
	RotateRefresh bool
	// ReuseGrace is how long a rotated-out refresh token is answered with
	// token_rotated before its replay counts as theft.
	ReuseGrace    time.Duration
	TouchInterval time.Duration
	TouchTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		RotateRefresh: true,
		ReuseGrace:    10 * time.Second,
		TouchInterval: time.Minute,
		TouchTimeout:  5 * time.Second,
	}
}

// Manager owns the session lifecycle across the durable store and the cache
// tier. It is the only writer of either.
type Manager struct {
	repo    Repository
	tx      db.Transactor
	cache   cache.Store
	opts    Options
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	touchMu   sync.Mutex
	lastTouch map[uuid.UUID]time.Time
	closed    bool
	touches   sync.WaitGroup

	// Invalidations the cache refused. While any remain the cache is not
	// consulted, since it may still hold entries for retired tokens.
	pendingMu sync.Mutex
	pending   map[string]invalidation
	pendingN  atomic.Int64
}

type invalidation struct {
	blacklist bool
	expiresAt time.Time
}

// NewManager builds a Manager. store may be nil, in which case every call
// goes to the durable store.
func NewManager(repo Repository, tx db.Transactor, store cache.Store, opts Options, logger zerolog.Logger) *Manager {
	if opts.TouchTimeout <= 0 {
		opts.TouchTimeout = 5 * time.Second
	}
	return &Manager{
		repo:      repo,
		tx:        tx,
		cache:     store,
		opts:      opts,
		logger:    logger.With().Str("component", "session").Logger(),
		tracer:    telemetry.Tracer("session"),
		now:       time.Now,
		lastTouch: make(map[uuid.UUID]time.Time),
		pending:   make(map[string]invalidation),
	}
}

// WithClock replaces the manager's time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) WithMetrics(metrics *telemetry.Metrics) *Manager {
	m.metrics = metrics
	return m
}

func (m *Manager) Options() Options { return m.opts }

// CacheAvailable reports whether the cache tier should be consulted. A
// reachable cache is trusted only once every queued invalidation has landed.
func (m *Manager) CacheAvailable() bool {
	return m.cache != nil && m.cache.Available() && m.replayPending()
}

// Close waits for in-flight activity touches. Later touches are dropped.
func (m *Manager) Close() {
	m.touchMu.Lock()
	m.closed = true
	m.touchMu.Unlock()
	m.touches.Wait()
}

// GenerateTokens mints a new access/refresh pair. It has no side effects.
func (m *Manager) GenerateTokens() (*Tokens, error) {
	access, err := auth.GenerateToken(auth.AccessTokenBytes)
	if err != nil {
		return nil, err
	}
	refresh, err := auth.GenerateToken(auth.RefreshTokenBytes)
	if err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessTokenHash:  auth.HashToken(access),
		RefreshTokenHash: auth.HashToken(refresh),
		AccessTTL:        m.opts.AccessTTL,
		RefreshTTL:       m.opts.RefreshTTL,
	}, nil
}

// CreateSession persists a new session and then seeds the cache. The cache is
// written only after the row commits.
func (m *Manager) CreateSession(ctx context.Context, userID uuid.UUID, orgID string, tokens *Tokens, meta Metadata) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.Create")
	defer span.End()

	now := m.now()
	s := &Session{
		UserID:           userID,
		OrgID:            orgID,
		AccessTokenHash:  tokens.AccessTokenHash,
		RefreshTokenHash: tokens.RefreshTokenHash,
		CreatedAt:        now,
		LastActivityAt:   now,
		AccessExpiresAt:  now.Add(tokens.AccessTTL),
		ExpiresAt:        now.Add(tokens.RefreshTTL),
		IsActive:         true,
		IPAddress:        optional(meta.IPAddress),
		UserAgent:        optional(meta.UserAgent),
		DeviceInfo:       meta.DeviceInfo,
	}

	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		return m.repo.Create(ctx, s)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		m.metrics.SessionOp("create", "error")
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.writeEntries(ctx, s)
	m.metrics.SessionOp("create", "ok")
	span.SetAttributes(attribute.String("session.id", s.ID.String()))
	m.logger.Info().
		Str("session_id", s.ID.String()).
		Str("user_id", userID.String()).
		Str("org_id", orgID).
		Str("token", auth.HashPrefix(s.AccessTokenHash)).
		Msg("session created")
	return s, nil
}

// VerifyAccessToken resolves an access token to its session, cache first.
// The error is non-nil only when the durable store fails.
func (m *Manager) VerifyAccessToken(ctx context.Context, token string) (*VerifyResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.VerifyAccessToken")
	defer span.End()

	hash := auth.HashToken(token)
	now := m.now()

	if m.CacheAvailable() {
		entry, err := m.readEntry(ctx, accessKey(hash))
		switch {
		case err == nil:
			res := m.evaluateEntry(entry, now)
			m.recordVerify(span, "cache", res)
			if res.Valid {
				if id, perr := uuid.Parse(entry.SessionID); perr == nil {
					m.touch(id)
				}
			}
			return res, nil
		case errors.Is(err, cache.ErrMiss):
			revoked, berr := m.cache.Exists(ctx, blacklistKey(hash))
			if berr != nil {
				m.cacheFailure("exists", berr)
			} else if revoked {
				res := &VerifyResult{Reason: auth.ReasonTokenRevoked}
				m.recordVerify(span, "blacklist", res)
				return res, nil
			}
		default:
			m.cacheFailure("get", err)
		}
	}

	s, err := m.repo.GetByAccessHash(ctx, hash)
	if errors.Is(err, ErrSessionNotFound) {
		h, herr := m.repo.FindHistory(ctx, hash)
		if herr != nil {
			telemetry.RecordError(span, herr)
			return nil, fmt.Errorf("lookup token history: %w", herr)
		}
		res := &VerifyResult{Reason: auth.ReasonSessionNotFound}
		if h != nil {
			res.Reason = auth.ReasonTokenRevoked
		}
		m.recordVerify(span, "db", res)
		return res, nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	res := &VerifyResult{UserID: s.UserID.String(), OrgID: s.OrgID, SessionID: s.ID.String()}
	switch {
	case !s.IsActive:
		res.Reason = auth.ReasonSessionRevoked
	case !now.Before(s.ExpiresAt):
		res.Reason = auth.ReasonSessionExpired
	case !now.Before(s.AccessExpiresAt):
		res.Reason = auth.ReasonTokenExpired
	default:
		res.Valid = true
	}
	m.recordVerify(span, "db", res)
	if !res.Valid {
		return res, nil
	}

	if m.CacheAvailable() {
		ttl := minDuration(s.AccessExpiresAt.Sub(now), s.ExpiresAt.Sub(now))
		m.putEntry(ctx, accessKey(hash), entryFor(s), ttl)
	}
	m.touch(s.ID)
	return res, nil
}

func (m *Manager) evaluateEntry(e *cacheEntry, now time.Time) *VerifyResult {
	res := &VerifyResult{UserID: e.UserID, OrgID: e.OrgID, SessionID: e.SessionID}
	switch {
	case !e.Active:
		res.Reason = auth.ReasonSessionInactive
	case !now.Before(e.ExpiresAt):
		res.Reason = auth.ReasonSessionExpired
	case !now.Before(e.AccessExpiresAt):
		res.Reason = auth.ReasonTokenExpired
	default:
		res.Valid = true
	}
	return res
}

func (m *Manager) recordVerify(span trace.Span, path string, res *VerifyResult) {
	result := "valid"
	if !res.Valid {
		result = res.Reason
	}
	span.SetAttributes(attribute.String("session.lookup", path), attribute.String("session.result", result))
	m.metrics.SessionVerification(path, result)
}

// RefreshAccessToken exchanges a refresh token for a new access token and,
// when rotation is on, a new refresh token. Rejections are *RejectedError.
func (m *Manager) RefreshAccessToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.RefreshAccessToken")
	defer span.End()

	res, err := m.refresh(ctx, refreshToken)
	switch reason := RejectionReason(err); {
	case err == nil:
		m.metrics.SessionOp("refresh", "ok")
	case reason != "":
		span.SetAttributes(attribute.String("session.result", reason))
		m.metrics.SessionOp("refresh", reason)
	default:
		telemetry.RecordError(span, err)
		m.metrics.SessionOp("refresh", "error")
	}
	return res, err
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if len(refreshToken) < auth.MinTokenLength {
		return nil, reject(auth.ReasonInvalidTokenFormat)
	}
	hash := auth.HashToken(refreshToken)
	now := m.now()

	if m.CacheAvailable() {
		revoked, err := m.cache.Exists(ctx, blacklistKey(hash))
		if err != nil {
			m.cacheFailure("exists", err)
		} else if revoked {
			return nil, m.rejectRetired(ctx, hash, now, auth.ReasonTokenRevoked)
		}
	}

	s, err := m.repo.GetByRefreshHash(ctx, hash)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, m.rejectRetired(ctx, hash, now, auth.ReasonSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	switch {
	case !s.IsActive:
		return nil, reject(auth.ReasonSessionRevoked)
	case !now.Before(s.ExpiresAt):
		return nil, reject(auth.ReasonSessionExpired)
	}

	tokens, err := m.GenerateTokens()
	if err != nil {
		return nil, err
	}
	rot := Rotation{
		AccessTokenHash: tokens.AccessTokenHash,
		AccessExpiresAt: minTime(now.Add(m.opts.AccessTTL), s.ExpiresAt),
		At:              now,
	}
	if m.opts.RotateRefresh {
		rot.RefreshTokenHash = tokens.RefreshTokenHash
	}

	history := []TokenHistory{{
		SessionID: s.ID, Kind: historyAccess, TokenHash: s.AccessTokenHash,
		RotatedAt: now, ExpiresAt: s.AccessExpiresAt,
	}}
	if m.opts.RotateRefresh {
		history = append(history, TokenHistory{
			SessionID: s.ID, Kind: historyRefresh, TokenHash: s.RefreshTokenHash,
			RotatedAt: now, ExpiresAt: s.ExpiresAt,
		})
	}

	errLostRace := errors.New("refresh lost race")
	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := m.repo.RotateTokens(ctx, s.ID, hash, s.AccessTokenHash, rot)
		if err != nil {
			return err
		}
		if !ok {
			return errLostRace
		}
		return m.repo.AppendHistory(ctx, history...)
	})
	if errors.Is(err, errLostRace) {
		return nil, reject(ReasonTokenRotated)
	}
	if err != nil {
		return nil, fmt.Errorf("rotate session tokens: %w", err)
	}

	oldAccess, oldRefresh, oldAccessExp := s.AccessTokenHash, s.RefreshTokenHash, s.AccessExpiresAt
	s.AccessTokenHash = rot.AccessTokenHash
	s.AccessExpiresAt = rot.AccessExpiresAt
	s.LastActivityAt = now
	if m.opts.RotateRefresh {
		s.RefreshTokenHash = rot.RefreshTokenHash
	}

	m.retire(ctx, now, oldAccess, accessKey(oldAccess), oldAccessExp)
	if m.opts.RotateRefresh {
		m.retire(ctx, now, oldRefresh, refreshKey(oldRefresh), s.ExpiresAt)
	}
	m.writeEntries(ctx, s)

	m.logger.Info().
		Str("session_id", s.ID.String()).
		Str("old_token", auth.HashPrefix(oldAccess)).
		Str("new_token", auth.HashPrefix(s.AccessTokenHash)).
		Bool("rotated_refresh", m.opts.RotateRefresh).
		Msg("session refreshed")

	out := &RefreshResult{
		AccessToken:      tokens.AccessToken,
		ExpiresIn:        seconds(s.AccessExpiresAt.Sub(now)),
		RefreshExpiresIn: seconds(s.ExpiresAt.Sub(now)),
		SessionID:        s.ID,
		UserID:           s.UserID,
		OrgID:            s.OrgID,
	}
	if m.opts.RotateRefresh {
		out.RefreshToken = tokens.RefreshToken
	}
	return out, nil
}

// rejectRetired classifies a refresh token that no longer maps to a live
// session. A hash rotated out recently is a concurrent double-submit; an
// older one is a replay and costs the session.
func (m *Manager) rejectRetired(ctx context.Context, hash string, now time.Time, fallback string) error {
	h, err := m.repo.FindHistory(ctx, hash)
	if err != nil {
		return fmt.Errorf("lookup token history: %w", err)
	}
	if h == nil || h.Kind != historyRefresh {
		return reject(fallback)
	}
	if now.Sub(h.RotatedAt) <= m.opts.ReuseGrace {
		return reject(ReasonTokenRotated)
	}

	s, err := m.repo.GetByID(ctx, h.SessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("lookup session: %w", err)
	}
	if s != nil && s.IsActive {
		if err := m.revoke(ctx, s, RevokedRefreshReuse); err != nil {
			return err
		}
		m.logger.Warn().
			Str("session_id", s.ID.String()).
			Str("user_id", s.UserID.String()).
			Str("token", auth.HashPrefix(hash)).
			Msg("refresh token replayed after rotation, session revoked")
	}
	return reject(ReasonRefreshTokenReused)
}

// RevokeSession ends one session on behalf of its owner. Revoking an already
// revoked session succeeds.
func (m *Manager) RevokeSession(ctx context.Context, sessionID, userID uuid.UUID) error {
	s, err := m.repo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.UserID != userID {
		return ErrUnauthorized
	}
	if !s.IsActive {
		return nil
	}
	if err := m.revoke(ctx, s, RevokedLogout); err != nil {
		return err
	}
	m.metrics.SessionOp("revoke", "ok")
	m.logger.Info().Str("session_id", s.ID.String()).Str("user_id", userID.String()).Msg("session revoked")
	return nil
}

func (m *Manager) revoke(ctx context.Context, s *Session, reason string) error {
	now := m.now()
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		_, err := m.repo.Revoke(ctx, s.ID, reason, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.IsActive = false
	s.RevokedAt = &now
	s.RevokedReason = &reason
	m.evict(ctx, s, now)
	return nil
}

// evict blacklists both current hashes of a revoked session and drops its
// cache entries.
func (m *Manager) evict(ctx context.Context, s *Session, now time.Time) {
	m.forgetTouch(s.ID)
	m.retire(ctx, now, s.AccessTokenHash, accessKey(s.AccessTokenHash), s.AccessExpiresAt)
	m.retire(ctx, now, s.RefreshTokenHash, refreshKey(s.RefreshTokenHash), s.ExpiresAt)
}

// retire blacklists hash and drops entryKey until expiresAt. Whatever the
// cache refuses is queued and replayed before the cache is trusted again.
func (m *Manager) retire(ctx context.Context, now time.Time, hash, entryKey string, expiresAt time.Time) {
	if m.cache == nil || !now.Before(expiresAt) {
		return
	}
	bkey := blacklistKey(hash)
	if !m.CacheAvailable() {
		m.queue(now, bkey, true, expiresAt)
		m.queue(now, entryKey, false, expiresAt)
		return
	}
	if err := m.cache.Set(ctx, bkey, blacklistStamp(now), expiresAt.Sub(now)); err != nil {
		m.cacheFailure("blacklist", err)
		m.queue(now, bkey, true, expiresAt)
	}
	if err := m.cache.Delete(ctx, entryKey); err != nil {
		m.cacheFailure("delete", err)
		m.queue(now, entryKey, false, expiresAt)
	}
}

func (m *Manager) queue(now time.Time, key string, blacklist bool, expiresAt time.Time) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if cur, ok := m.pending[key]; ok && cur.expiresAt.After(expiresAt) {
		expiresAt = cur.expiresAt
	}
	m.pending[key] = invalidation{blacklist: blacklist, expiresAt: expiresAt}
	if len(m.pending) > 50_000 {
		for k, inv := range m.pending {
			if !now.Before(inv.expiresAt) {
				delete(m.pending, k)
			}
		}
	}
	m.pendingN.Store(int64(len(m.pending)))
}

// replayPending writes queued invalidations and reports whether none remain.
// A replay already running elsewhere counts as not done.
func (m *Manager) replayPending() bool {
	if m.pendingN.Load() == 0 {
		return true
	}
	if !m.pendingMu.TryLock() {
		return false
	}
	defer m.pendingMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TouchTimeout)
	defer cancel()
	now := m.now()
	replayed := 0
	for key, inv := range m.pending {
		if !now.Before(inv.expiresAt) {
			delete(m.pending, key)
			continue
		}
		var err error
		if inv.blacklist {
			err = m.cache.Set(ctx, key, blacklistStamp(now), inv.expiresAt.Sub(now))
		} else {
			err = m.cache.Delete(ctx, key)
		}
		if err != nil {
			m.pendingN.Store(int64(len(m.pending)))
			m.cacheFailure("replay", err)
			return false
		}
		delete(m.pending, key)
		replayed++
	}
	m.pendingN.Store(0)
	if replayed > 0 {
		m.logger.Info().Int("count", replayed).Msg("queued cache invalidations replayed")
	}
	return true
}

// RevokeAllSessions ends every active session of userID except
// exceptSessionID (uuid.Nil for none) and returns how many were ended.
func (m *Manager) RevokeAllSessions(ctx context.Context, userID, exceptSessionID uuid.UUID) (int, error) {
	n, err := m.revokeAll(ctx, userID, "", exceptSessionID, RevokedLogout)
	if err != nil {
		return 0, err
	}
	m.logger.Info().Str("user_id", userID.String()).Int("count", n).Msg("sessions revoked")
	return n, nil
}

// ForceLogout is the administrative variant of RevokeAllSessions. Only
// sessions belonging to orgID are touched, so an administrator cannot reach
// users of another organization.
func (m *Manager) ForceLogout(ctx context.Context, orgID string, userID uuid.UUID, reason string) (int, error) {
	if orgID == "" {
		return 0, ErrOrgRequired
	}
	if reason == "" {
		reason = RevokedForcedLogout
	}
	n, err := m.revokeAll(ctx, userID, orgID, uuid.Nil, reason)
	if err != nil {
		return 0, err
	}
	m.metrics.SessionOp("force_logout", "ok")
	m.logger.Warn().Str("user_id", userID.String()).Str("org_id", orgID).Str("reason", reason).Int("count", n).Msg("forced logout")
	return n, nil
}

func (m *Manager) revokeAll(ctx context.Context, userID uuid.UUID, orgID string, except uuid.UUID, reason string) (int, error) {
	now := m.now()
	var revoked []*Session
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		revoked, err = m.repo.RevokeAllForUser(ctx, userID, orgID, except, reason, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	for _, s := range revoked {
		m.evict(ctx, s, now)
	}
	return len(revoked), nil
}

// GetUserSessions lists active, unexpired sessions, most recently used first.
func (m *Manager) GetUserSessions(ctx context.Context, userID, currentSessionID uuid.UUID) ([]UserSession, error) {
	all, err := m.repo.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]UserSession, 0, len(all))
	for _, s := range all {
		if !now.Before(s.ExpiresAt) {
			continue
		}
		out = append(out, UserSession{Session: *s, IsCurrent: s.ID == currentSessionID})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

// CleanupExpiredSessions marks active sessions past their horizon as expired.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	n, err := m.repo.ExpireStale(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	if n > 0 {
		m.logger.Info().Int64("count", n).Msg("expired sessions deactivated")
	}
	return n, nil
}

// PurgeSessions deletes inactive sessions and token history older than
// olderThan.
func (m *Manager) PurgeSessions(ctx context.Context, olderThan time.Duration) (PurgeResult, error) {
	if olderThan <= 0 {
		return PurgeResult{}, fmt.Errorf("retention must be positive, got %s", olderThan)
	}
	var res PurgeResult
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = m.repo.Purge(ctx, m.now().Add(-olderThan))
		return err
	})
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purge sessions: %w", err)
	}
	m.logger.Info().Int64("sessions", res.Sessions).Int64("history", res.History).Msg("session retention purge")
	return res, nil
}

// touch records activity in the background, at most once per TouchInterval
// per session.
func (m *Manager) touch(id uuid.UUID) {
	now := m.now()

	m.touchMu.Lock()
	if m.closed {
		m.touchMu.Unlock()
		return
	}
	if last, ok := m.lastTouch[id]; ok && now.Sub(last) < m.opts.TouchInterval {
		m.touchMu.Unlock()
		return
	}
	m.lastTouch[id] = now
	if len(m.lastTouch) > 50_000 {
		for k, t := range m.lastTouch {
			if now.Sub(t) >= m.opts.TouchInterval {
				delete(m.lastTouch, k)
			}
		}
	}
	m.touches.Add(1)
	m.touchMu.Unlock()

	go func() {
		defer m.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.TouchTimeout)
		defer cancel()
		if err := m.repo.Touch(ctx, id, now); err != nil {
			m.logger.Debug().Err(err).Str("session_id", id.String()).Msg("activity touch failed")
		}
	}()
}

func (m *Manager) forgetTouch(id uuid.UUID) {
	m.touchMu.Lock()
	delete(m.lastTouch, id)
	m.touchMu.Unlock()
}

func (m *Manager) writeEntries(ctx context.Context, s *Session) {
	if !m.CacheAvailable() {
		return
	}
	now := m.now()
	entry := entryFor(s)
	m.putEntry(ctx, accessKey(s.AccessTokenHash), entry, minDuration(s.AccessExpiresAt.Sub(now), s.ExpiresAt.Sub(now)))
	m.putEntry(ctx, refreshKey(s.RefreshTokenHash), entry, s.ExpiresAt.Sub(now))
}

func (m *Manager) putEntry(ctx context.Context, key string, entry cacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		m.logger.Error().Err(err).Msg("encode session cache entry")
		return
	}
	if err := m.cache.Set(ctx, key, raw, ttl); err != nil {
		m.cacheFailure("set", err)
	}
}

func (m *Manager) readEntry(ctx context.Context, key string) (*cacheEntry, error) {
	raw, err := m.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var e cacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode session cache entry: %w", err)
	}
	return &e, nil
}

func blacklistStamp(now time.Time) []byte {
	return []byte(now.UTC().Format(time.RFC3339))
}

func (m *Manager) cacheFailure(op string, err error) {
	m.metrics.CacheError(op)
	m.logger.Warn().Err(err).Str("op", op).Msg("session cache operation failed, using database")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
