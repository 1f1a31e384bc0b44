package mfa

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/ehr-auth/internal/platform/auth"
	"github.com/ehr/ehr-auth/internal/platform/db"
	"github.com/ehr/ehr-auth/internal/platform/notification"
	"github.com/ehr/ehr-auth/internal/platform/telemetry"
)

const (
	expiredRetention  = 24 * time.Hour
	verifiedRetention = 7 * 24 * time.Hour
	statsWindow       = 30 * 24 * time.Hour
)

type Options struct {
	CodeLength     int
	CodeExpiry     time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
}

func DefaultOptions() Options {
	return Options{
		CodeLength:     6,
		CodeExpiry:     10 * time.Minute,
		MaxAttempts:    3,
		ResendCooldown: 60 * time.Second,
	}
}

// Notifier delivers a rendered message. *notification.Dispatcher satisfies it.
type Notifier interface {
	Dispatch(ctx context.Context, msg notification.Message) (notification.Result, error)
}

// Service is the MFA gate: code issuance and verification plus 2FA settings.
type Service struct {
	repo     Repository
	tx       db.Transactor
	users    UserDirectory
	notifier Notifier
	opts     Options
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

func NewService(repo Repository, tx db.Transactor, users UserDirectory, notifier Notifier, opts Options, logger zerolog.Logger) *Service {
	def := DefaultOptions()
	if opts.CodeLength <= 0 {
		opts.CodeLength = def.CodeLength
	}
	if opts.CodeExpiry <= 0 {
		opts.CodeExpiry = def.CodeExpiry
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	return &Service{
		repo:     repo,
		tx:       tx,
		users:    users,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "mfa").Logger(),
		tracer:   telemetry.Tracer("mfa"),
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithMetrics(m *telemetry.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) Options() Options { return s.opts }

// Is2FARequired decides whether a login by userID must pass the gate.
func (s *Service) Is2FARequired(ctx context.Context, userID uuid.UUID, orgID string) (*Requirement, error) {
	global, err := s.repo.GetGlobalSettings(ctx, orgID)
	if errors.Is(err, ErrSettingsNotFound) {
		return &Requirement{Reason: ReasonNotConfigured}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load org 2FA settings: %w", err)
	}
	if !global.Enabled || global.EnforcementLevel == EnforcementDisabled {
		return &Requirement{Reason: ReasonDisabledGlobally}, nil
	}

	user, err := s.userSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	method := MethodEmail
	if user != nil && user.Method != "" {
		method = user.Method
	}

	if global.EnforcementLevel == EnforcementMandatory {
		return &Requirement{
			Required:   true,
			NeedsSetup: !user.active(),
			Reason:     ReasonMandatory,
			Method:     method,
		}, nil
	}
	if user.active() {
		return &Requirement{Required: true, Reason: ReasonUserEnabled, Method: method}, nil
	}
	return &Requirement{Reason: ReasonOptionalNotEnabled}, nil
}

// GenerateAndSendCode issues a fresh code for (userID, purpose), replacing
// any outstanding one, and delivers it. When delivery fails the issued code
// is still returned together with an error wrapping ErrDeliveryFailed; the
// stored code stays valid.
func (s *Service) GenerateAndSendCode(ctx context.Context, userID uuid.UUID, purpose string, meta RequestMeta) (*IssuedCode, error) {
	ctx, span := s.tracer.Start(ctx, "mfa.GenerateAndSendCode",
		trace.WithAttributes(attribute.String("mfa.purpose", purpose)))
	defer span.End()

	if !validPurpose(purpose) {
		return nil, ErrInvalidPurpose
	}
	contact, err := s.users.Contact(ctx, userID)
	if err != nil {
		return nil, err
	}
	settings, err := s.userSettings(ctx, userID)
	if err != nil {
		return nil, err
	}

	method, dest := MethodEmail, contact.Email
	if settings != nil && settings.Method == MethodSMS {
		if settings.phone() == "" {
			return nil, ErrPhoneRequired
		}
		method, dest = MethodSMS, settings.phone()
	}
	channel := notification.Channel(method)

	raw, err := GenerateCode(s.opts.CodeLength)
	if err != nil {
		return nil, err
	}
	now := s.now()
	code := &Code{
		UserID:         userID,
		CodeHash:       hashCode(raw),
		Method:         method,
		Purpose:        purpose,
		ExpiresAt:      now.Add(s.opts.CodeExpiry),
		MaxAttempts:    s.opts.MaxAttempts,
		SentTo:         notification.MaskDestination(channel, dest),
		IPAddress:      optional(meta.IPAddress),
		UserAgent:      optional(meta.UserAgent),
		DeliveryStatus: DeliveryPending,
		CreatedAt:      now,
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.InvalidateOutstanding(ctx, userID, purpose); err != nil {
			return fmt.Errorf("invalidate outstanding codes: %w", err)
		}
		return s.repo.CreateCode(ctx, code)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("store mfa code: %w", err)
	}

	res, sendErr := s.notifier.Dispatch(ctx, notification.Message{
		Channel:    channel,
		To:         dest,
		TemplateID: notification.TemplateMFACode,
		Data: map[string]string{
			"code":            raw,
			"expires_minutes": strconv.Itoa(int(s.opts.CodeExpiry / time.Minute)),
			"purpose":         purpose,
		},
	})

	issued := &IssuedCode{
		CodeID:    code.ID,
		Method:    method,
		SentTo:    code.SentTo,
		ExpiresAt: code.ExpiresAt,
	}
	if sendErr != nil {
		msg := sendErr.Error()
		issued.DeliveryStatus = DeliveryFailed
		if err := s.repo.UpdateDelivery(ctx, code.ID, DeliveryFailed, &msg, res.Retries, nil); err != nil {
			s.logger.Error().Err(err).Str("code_id", code.ID.String()).Msg("failed to record delivery failure")
		}
		s.metrics.MFACodeIssued(method, purpose, DeliveryFailed)
		telemetry.RecordError(span, sendErr)
		return issued, fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}

	delivered := s.now()
	issued.DeliveryStatus = DeliverySent
	if err := s.repo.UpdateDelivery(ctx, code.ID, DeliverySent, nil, res.Retries, &delivered); err != nil {
		s.logger.Error().Err(err).Str("code_id", code.ID.String()).Msg("failed to record delivery")
	}
	s.metrics.MFACodeIssued(method, purpose, DeliverySent)
	s.logger.Info().
		Str("user_id", userID.String()).
		Str("purpose", purpose).
		Str("method", method).
		Str("sent_to", code.SentTo).
		Int("retries", res.Retries).
		Msg("verification code sent")
	return issued, nil
}

// ResendCode is GenerateAndSendCode behind the resend cooldown.
func (s *Service) ResendCode(ctx context.Context, userID uuid.UUID, purpose string, meta RequestMeta) (*IssuedCode, error) {
	if s.opts.ResendCooldown > 0 {
		last, err := s.repo.LatestCodeAt(ctx, userID, purpose)
		if err != nil {
			return nil, fmt.Errorf("load last code time: %w", err)
		}
		if last != nil {
			if wait := s.opts.ResendCooldown - s.now().Sub(*last); wait > 0 {
				return nil, &CooldownError{RetryAfter: wait}
			}
		}
	}
	return s.GenerateAndSendCode(ctx, userID, purpose, meta)
}

// CooldownError is returned by ResendCode inside the cooldown window. It
// matches ErrResendTooSoon.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %ds", ErrResendTooSoon, int(e.RetryAfter.Round(time.Second)/time.Second))
}

func (e *CooldownError) Unwrap() error { return ErrResendTooSoon }

// VerifyCode checks code against the newest usable code for (userID,
// purpose). The attempt counter is incremented before the comparison and the
// increment survives a mismatch.
func (s *Service) VerifyCode(ctx context.Context, userID uuid.UUID, code, purpose string) (*VerifyOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "mfa.VerifyCode",
		trace.WithAttributes(attribute.String("mfa.purpose", purpose)))
	defer span.End()

	if !validPurpose(purpose) {
		return nil, ErrInvalidPurpose
	}
	if !validCodeFormat(code, s.opts.CodeLength) {
		s.metrics.MFAVerification(purpose, ReasonInvalidCodeFormat)
		return &VerifyOutcome{Reason: ReasonInvalidCodeFormat}, nil
	}

	var out *VerifyOutcome
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.verifyLocked(ctx, userID, code, purpose)
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("verify mfa code: %w", err)
	}
	s.recordOutcome(userID, purpose, out)
	return out, nil
}

func (s *Service) verifyLocked(ctx context.Context, userID uuid.UUID, code, purpose string) (*VerifyOutcome, error) {
	now := s.now()
	stored, err := s.repo.LockActiveCode(ctx, userID, purpose, now)
	if errors.Is(err, ErrCodeNotFound) {
		return &VerifyOutcome{Reason: ReasonInvalidOrExpired}, nil
	}
	if err != nil {
		return nil, err
	}
	if stored.Attempts >= stored.MaxAttempts {
		return &VerifyOutcome{Reason: ReasonMaxAttempts}, nil
	}

	attempts, err := s.repo.IncrementAttempts(ctx, stored.ID)
	if err != nil {
		return nil, err
	}
	if !auth.EqualHash(hashCode(code), stored.CodeHash) {
		remaining := stored.MaxAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		return &VerifyOutcome{Reason: ReasonIncorrectCode, RemainingAttempts: &remaining}, nil
	}

	if err := s.repo.MarkVerified(ctx, stored.ID, now); err != nil {
		return nil, err
	}
	if purpose == PurposeLogin {
		if err := s.repo.TouchLastUsed(ctx, userID, now); err != nil {
			return nil, err
		}
	}
	return &VerifyOutcome{Success: true}, nil
}

func (s *Service) recordOutcome(userID uuid.UUID, purpose string, out *VerifyOutcome) {
	result := "success"
	if !out.Success {
		result = out.Reason
	}
	s.metrics.MFAVerification(purpose, result)

	ev := s.logger.Info()
	if !out.Success {
		ev = s.logger.Warn()
	}
	ev.Str("user_id", userID.String()).
		Str("purpose", purpose).
		Str("result", result).
		Msg("verification code checked")
}

// Enable2FA records a pending enrolment and sends a setup code. The
// enrolment takes effect once Verify2FASetup succeeds.
func (s *Service) Enable2FA(ctx context.Context, userID uuid.UUID, method, phone string, meta RequestMeta) (*IssuedCode, error) {
	if !validMethod(method) {
		return nil, ErrInvalidMethod
	}
	if method == MethodSMS && phone == "" {
		return nil, ErrPhoneRequired
	}
	contact, err := s.users.Contact(ctx, userID)
	if err != nil {
		return nil, err
	}
	global, err := s.repo.GetGlobalSettings(ctx, contact.OrgID)
	switch {
	case errors.Is(err, ErrSettingsNotFound):
	case err != nil:
		return nil, fmt.Errorf("load org 2FA settings: %w", err)
	case !global.allows(method):
		return nil, ErrMethodNotAllowed
	}

	existing, err := s.userSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing.active() {
		return nil, ErrAlreadyEnabled
	}

	settings := &UserSettings{UserID: userID, Enabled: true, Method: method}
	if method == MethodSMS {
		settings.PhoneNumber = &phone
	}
	if err := s.repo.UpsertUserSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("save 2FA settings: %w", err)
	}
	s.logger.Info().Str("user_id", userID.String()).Str("method", method).Msg("2FA enrolment started")
	return s.GenerateAndSendCode(ctx, userID, PurposeSetup, meta)
}

// Verify2FASetup confirms a pending enrolment with the setup code.
func (s *Service) Verify2FASetup(ctx context.Context, userID uuid.UUID, code string) (*VerifyOutcome, error) {
	if !validCodeFormat(code, s.opts.CodeLength) {
		s.metrics.MFAVerification(PurposeSetup, ReasonInvalidCodeFormat)
		return &VerifyOutcome{Reason: ReasonInvalidCodeFormat}, nil
	}

	var out *VerifyOutcome
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.verifyLocked(ctx, userID, code, PurposeSetup)
		if err != nil || !out.Success {
			return err
		}
		return s.repo.MarkSettingsVerified(ctx, userID, s.now())
	})
	if err != nil {
		return nil, fmt.Errorf("verify 2FA setup: %w", err)
	}
	s.recordOutcome(userID, PurposeSetup, out)
	if out.Success {
		s.notifyChange(ctx, userID, notification.TemplateMFAEnabled)
	}
	return out, nil
}

// Disable2FA turns 2FA off for userID. Disabling a user with no enrolment is
// not an error.
func (s *Service) Disable2FA(ctx context.Context, userID uuid.UUID) error {
	changed, err := s.repo.DisableSettings(ctx, userID, s.now())
	if err != nil {
		return fmt.Errorf("disable 2FA: %w", err)
	}
	if !changed {
		return nil
	}
	s.logger.Info().Str("user_id", userID.String()).Msg("2FA disabled")
	s.notifyChange(ctx, userID, notification.TemplateMFADisabled)
	return nil
}

// notifyChange tells the user about an enrolment change. Failures are logged
// only.
func (s *Service) notifyChange(ctx context.Context, userID uuid.UUID, templateID string) {
	contact, err := s.users.Contact(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("cannot resolve contact for 2FA notice")
		return
	}
	settings, err := s.userSettings(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("cannot load settings for 2FA notice")
		return
	}

	channel, dest, method := notification.ChannelEmail, contact.Email, MethodEmail
	if settings != nil && settings.Method == MethodSMS && settings.phone() != "" {
		channel, dest, method = notification.ChannelSMS, settings.phone(), MethodSMS
	}
	_, err = s.notifier.Dispatch(ctx, notification.Message{
		Channel:    channel,
		To:         dest,
		TemplateID: templateID,
		Data:       map[string]string{"method": method},
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID.String()).Str("template", templateID).Msg("2FA notice not delivered")
	}
}

// GetUserSettings returns userID's settings with the phone masked, or
// defaults when the user never enrolled.
func (s *Service) GetUserSettings(ctx context.Context, userID uuid.UUID) (*UserSettings, error) {
	settings, err := s.userSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return &UserSettings{UserID: userID, Method: MethodEmail}, nil
	}
	if p := settings.phone(); p != "" {
		settings.PhoneNumberMasked = notification.MaskPhone(p)
	}
	return settings, nil
}

func (s *Service) GetGlobalSettings(ctx context.Context, orgID string) (*GlobalSettings, error) {
	g, err := s.repo.GetGlobalSettings(ctx, orgID)
	if errors.Is(err, ErrSettingsNotFound) {
		return defaultGlobalSettings(orgID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load org 2FA settings: %w", err)
	}
	return g, nil
}

// UpdateGlobalSettings validates and stores orgID's policy.
func (s *Service) UpdateGlobalSettings(ctx context.Context, orgID string, in GlobalSettings, updatedBy string) (*GlobalSettings, error) {
	switch in.EnforcementLevel {
	case EnforcementDisabled, EnforcementOptional, EnforcementMandatory:
	default:
		return nil, fmt.Errorf("%w: enforcement_level must be disabled, optional or mandatory", ErrInvalidSettings)
	}
	if in.GracePeriodDays < 0 {
		return nil, fmt.Errorf("%w: grace_period_days must not be negative", ErrInvalidSettings)
	}
	methods := make([]string, 0, len(in.AllowedMethods))
	seen := make(map[string]bool)
	for _, m := range in.AllowedMethods {
		if !validMethod(m) {
			return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidSettings, m)
		}
		if !seen[m] {
			seen[m] = true
			methods = append(methods, m)
		}
	}
	if len(methods) == 0 {
		methods = []string{MethodEmail}
	}

	g := &GlobalSettings{
		OrgID:            orgID,
		Enabled:          in.Enabled,
		EnforcementLevel: in.EnforcementLevel,
		AllowedMethods:   methods,
		GracePeriodDays:  in.GracePeriodDays,
		UpdatedBy:        optional(updatedBy),
	}
	if err := s.repo.UpsertGlobalSettings(ctx, g); err != nil {
		return nil, fmt.Errorf("save org 2FA settings: %w", err)
	}
	s.logger.Info().
		Str("org_id", orgID).
		Str("enforcement_level", g.EnforcementLevel).
		Bool("enabled", g.Enabled).
		Str("updated_by", updatedBy).
		Msg("org 2FA settings updated")
	return g, nil
}

// CleanupExpiredCodes deletes codes that expired more than a day ago or were
// verified more than a week ago.
func (s *Service) CleanupExpiredCodes(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.repo.DeleteExpired(ctx, now.Add(-expiredRetention), now.Add(-verifiedRetention))
	if err != nil {
		return 0, fmt.Errorf("cleanup mfa codes: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Msg("expired mfa codes removed")
	}
	return n, nil
}

// GetUserMFAStats summarizes the last 30 days of codes for userID.
func (s *Service) GetUserMFAStats(ctx context.Context, userID uuid.UUID) (*Stats, error) {
	now := s.now()
	stats, err := s.repo.CodeStats(ctx, userID, now.Add(-statsWindow), now)
	if err != nil {
		return nil, fmt.Errorf("load mfa stats: %w", err)
	}
	settings, err := s.userSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if settings != nil {
		stats.LastUsedAt = settings.LastUsedAt
	}
	return stats, nil
}

// userSettings returns nil, nil when the user has no row.
func (s *Service) userSettings(ctx context.Context, userID uuid.UUID) (*UserSettings, error) {
	settings, err := s.repo.GetUserSettings(ctx, userID)
	if errors.Is(err, ErrSettingsNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user 2FA settings: %w", err)
	}
	return settings, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
