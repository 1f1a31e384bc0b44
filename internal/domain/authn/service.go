package authn

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-auth/internal/domain/mfa"
	"github.com/ehr/ehr-auth/internal/domain/session"
	"github.com/ehr/ehr-auth/internal/platform/auth"
)

// SessionIssuer is the part of the session manager the login flow drives.
type SessionIssuer interface {
	GenerateTokens() (*session.Tokens, error)
	CreateSession(ctx context.Context, userID uuid.UUID, orgID string, tokens *session.Tokens, meta session.Metadata) (*session.Session, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*session.RefreshResult, error)
	RevokeSession(ctx context.Context, sessionID, userID uuid.UUID) error
	RevokeAllSessions(ctx context.Context, userID, exceptSessionID uuid.UUID) (int, error)
}

// Gate is the part of the MFA service the login flow drives.
type Gate interface {
	Is2FARequired(ctx context.Context, userID uuid.UUID, orgID string) (*mfa.Requirement, error)
	GenerateAndSendCode(ctx context.Context, userID uuid.UUID, purpose string, meta mfa.RequestMeta) (*mfa.IssuedCode, error)
	ResendCode(ctx context.Context, userID uuid.UUID, purpose string, meta mfa.RequestMeta) (*mfa.IssuedCode, error)
	VerifyCode(ctx context.Context, userID uuid.UUID, code, purpose string) (*mfa.VerifyOutcome, error)
	Enable2FA(ctx context.Context, userID uuid.UUID, method, phone string, meta mfa.RequestMeta) (*mfa.IssuedCode, error)
	Verify2FASetup(ctx context.Context, userID uuid.UUID, code string) (*mfa.VerifyOutcome, error)
}

type Options struct {
	// IdentityTTL bounds the signed identity token. It is re-issued on
	// every refresh.
	IdentityTTL  time.Duration
	ChallengeTTL time.Duration
}

// Service runs the login flow: password check, MFA gate, session issuance.
type Service struct {
	users    UserRepository
	sessions SessionIssuer
	gate     Gate
	claims   *auth.ClaimsCodec
	hasher   *Hasher
	opts     Options
	logger   zerolog.Logger
}

func NewService(users UserRepository, sessions SessionIssuer, gate Gate, claims *auth.ClaimsCodec, hasher *Hasher, opts Options, logger zerolog.Logger) *Service {
	if opts.IdentityTTL <= 0 {
		opts.IdentityTTL = 15 * time.Minute
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 10 * time.Minute
	}
	return &Service{
		users:    users,
		sessions: sessions,
		gate:     gate,
		claims:   claims,
		hasher:   hasher,
		opts:     opts,
		logger:   logger.With().Str("component", "authn").Logger(),
	}
}

// CreateUser registers an active account.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	email := normalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email %q", ErrInvalidUser, in.Email)
	}
	if in.OrgID == "" {
		return nil, fmt.Errorf("%w: org id is required", ErrInvalidUser)
	}
	if len(in.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidUser, minPasswordLength)
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	u := &User{
		OrgID:        in.OrgID,
		Email:        email,
		Name:         in.Name,
		PasswordHash: hash,
		Roles:        in.Roles,
		Permissions:  in.Permissions,
		Status:       StatusActive,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("org_id", u.OrgID).Msg("user created")
	return u, nil
}

// Login checks credentials and either opens a session or starts an MFA
// challenge.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	u, err := s.users.GetByEmail(ctx, normalizeEmail(req.Email))
	if errors.Is(err, ErrUserNotFound) {
		s.hasher.Burn(req.Password)
		s.logger.Warn().Str("ip", req.IPAddress).Msg("login for unknown account")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	ok, err := s.hasher.Verify(u.PasswordHash, req.Password)
	if err != nil {
		return nil, fmt.Errorf("check password: %w", err)
	}
	if !ok || u.Status != StatusActive {
		s.logger.Warn().Str("user_id", u.ID.String()).Str("ip", req.IPAddress).Msg("login rejected")
		return nil, ErrInvalidCredentials
	}

	meta := ClientMeta{IPAddress: req.IPAddress, UserAgent: req.UserAgent, DeviceInfo: req.DeviceInfo}
	requirement, err := s.gate.Is2FARequired(ctx, u.ID, u.OrgID)
	if err != nil {
		return nil, err
	}
	if !requirement.Required {
		tokens, err := s.openSession(ctx, u, meta)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Session: tokens}, nil
	}

	if requirement.NeedsSetup {
		challenge, exp, err := s.claims.IssueChallenge(u.ID.String(), u.OrgID, mfa.PurposeSetup, s.opts.ChallengeTTL)
		if err != nil {
			return nil, err
		}
		s.logger.Info().Str("user_id", u.ID.String()).Msg("login requires 2FA enrolment")
		return &LoginResult{
			RequiresMFA:        true,
			NeedsSetup:         true,
			ChallengeToken:     challenge,
			ChallengeExpiresAt: &exp,
		}, nil
	}

	issued, err := s.gate.GenerateAndSendCode(ctx, u.ID, mfa.PurposeLogin, meta.request())
	// A failed delivery still hands out the challenge so the client can
	// ask for a resend.
	if err != nil && (issued == nil || !errors.Is(err, mfa.ErrDeliveryFailed)) {
		return nil, err
	}
	challenge, exp, cerr := s.claims.IssueChallenge(u.ID.String(), u.OrgID, mfa.PurposeLogin, s.opts.ChallengeTTL)
	if cerr != nil {
		return nil, cerr
	}
	return &LoginResult{
		RequiresMFA:        true,
		ChallengeToken:     challenge,
		ChallengeExpiresAt: &exp,
		Method:             issued.Method,
		SentTo:             issued.SentTo,
		ExpiresAt:          &issued.ExpiresAt,
		DeliveryStatus:     issued.DeliveryStatus,
	}, nil
}

// VerifyMFA completes a login challenge with a code.
func (s *Service) VerifyMFA(ctx context.Context, challengeToken, code string, meta ClientMeta) (*SessionTokens, error) {
	u, err := s.challengeUser(ctx, challengeToken, mfa.PurposeLogin)
	if err != nil {
		return nil, err
	}
	out, err := s.gate.VerifyCode(ctx, u.ID, code, mfa.PurposeLogin)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &CodeRejectedError{Outcome: out}
	}
	return s.openSession(ctx, u, meta)
}

// ResendMFA re-issues the code for whichever step the challenge is for.
func (s *Service) ResendMFA(ctx context.Context, challengeToken string, meta ClientMeta) (*mfa.IssuedCode, error) {
	claims, err := s.claims.VerifyChallenge(challengeToken, mfa.PurposeLogin)
	if errors.Is(err, auth.ErrPurposeMismatch) {
		claims, err = s.claims.VerifyChallenge(challengeToken, mfa.PurposeSetup)
	}
	if err != nil {
		return nil, ErrInvalidChallenge
	}
	u, err := s.activeUser(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	return s.gate.ResendCode(ctx, u.ID, claims.Purpose, meta.request())
}

// SetupMFA starts enrolment for a user whose login was held for setup.
func (s *Service) SetupMFA(ctx context.Context, challengeToken, method, phone string, meta ClientMeta) (*mfa.IssuedCode, error) {
	u, err := s.challengeUser(ctx, challengeToken, mfa.PurposeSetup)
	if err != nil {
		return nil, err
	}
	return s.gate.Enable2FA(ctx, u.ID, method, phone, meta.request())
}

// CompleteSetup confirms enrolment and opens the session the login was
// waiting for.
func (s *Service) CompleteSetup(ctx context.Context, challengeToken, code string, meta ClientMeta) (*SessionTokens, error) {
	u, err := s.challengeUser(ctx, challengeToken, mfa.PurposeSetup)
	if err != nil {
		return nil, err
	}
	out, err := s.gate.Verify2FASetup(ctx, u.ID, code)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &CodeRejectedError{Outcome: out}
	}
	return s.openSession(ctx, u, meta)
}

// Refresh rotates the session's tokens and re-signs the identity token from
// the current account state. A disabled account loses the session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	res, err := s.sessions.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, res.UserID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if u == nil || u.Status != StatusActive {
		if rerr := s.sessions.RevokeSession(ctx, res.SessionID, res.UserID); rerr != nil {
			s.logger.Error().Err(rerr).Str("session_id", res.SessionID.String()).Msg("failed to revoke session of disabled account")
		}
		return nil, ErrAccountDisabled
	}

	identity, _, err := s.claims.IssueIdentity(principalFor(u, res.SessionID), s.opts.IdentityTTL)
	if err != nil {
		return nil, err
	}
	return &RefreshResponse{
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		IdentityToken:    identity,
		TokenType:        "Bearer",
		ExpiresIn:        res.ExpiresIn,
		RefreshExpiresIn: res.RefreshExpiresIn,
		SessionID:        res.SessionID,
	}, nil
}

// Logout revokes the caller's current session.
func (s *Service) Logout(ctx context.Context, p *auth.Principal) error {
	userID, sessionID, err := principalIDs(p)
	if err != nil {
		return err
	}
	return s.sessions.RevokeSession(ctx, sessionID, userID)
}

// LogoutAll revokes every other session of the caller.
func (s *Service) LogoutAll(ctx context.Context, p *auth.Principal) (int, error) {
	userID, sessionID, err := principalIDs(p)
	if err != nil {
		return 0, err
	}
	return s.sessions.RevokeAllSessions(ctx, userID, sessionID)
}

func (s *Service) openSession(ctx context.Context, u *User, meta ClientMeta) (*SessionTokens, error) {
	tokens, err := s.sessions.GenerateTokens()
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.CreateSession(ctx, u.ID, u.OrgID, tokens, session.Metadata{
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		DeviceInfo: meta.DeviceInfo,
	})
	if err != nil {
		return nil, err
	}
	identity, _, err := s.claims.IssueIdentity(principalFor(u, sess.ID), s.opts.IdentityTTL)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("user_id", u.ID.String()).
		Str("session_id", sess.ID.String()).
		Str("ip", meta.IPAddress).
		Msg("login succeeded")
	return &SessionTokens{
		AccessToken:      tokens.AccessToken,
		RefreshToken:     tokens.RefreshToken,
		IdentityToken:    identity,
		TokenType:        "Bearer",
		ExpiresIn:        int64(tokens.AccessTTL / time.Second),
		RefreshExpiresIn: int64(tokens.RefreshTTL / time.Second),
		SessionID:        sess.ID,
		User:             u,
	}, nil
}

func (s *Service) challengeUser(ctx context.Context, token, purpose string) (*User, error) {
	claims, err := s.claims.VerifyChallenge(token, purpose)
	if err != nil {
		return nil, ErrInvalidChallenge
	}
	return s.activeUser(ctx, claims.Subject)
}

func (s *Service) activeUser(ctx context.Context, subject string) (*User, error) {
	id, err := uuid.Parse(subject)
	if err != nil {
		return nil, ErrInvalidChallenge
	}
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if u.Status != StatusActive {
		return nil, ErrAccountDisabled
	}
	return u, nil
}

func principalFor(u *User, sessionID uuid.UUID) auth.Principal {
	return auth.Principal{
		ID:          u.ID.String(),
		OrgID:       u.OrgID,
		Roles:       u.Roles,
		Permissions: u.Permissions,
		SessionID:   sessionID.String(),
	}
}

func principalIDs(p *auth.Principal) (userID, sessionID uuid.UUID, err error) {
	if p == nil {
		return uuid.Nil, uuid.Nil, session.ErrUnauthorized
	}
	if userID, err = uuid.Parse(p.ID); err != nil {
		return uuid.Nil, uuid.Nil, session.ErrUnauthorized
	}
	if sessionID, err = uuid.Parse(p.SessionID); err != nil {
		return uuid.Nil, uuid.Nil, session.ErrUnauthorized
	}
	return userID, sessionID, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
