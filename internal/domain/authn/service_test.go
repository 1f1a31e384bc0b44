package authn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/ehr/ehr-auth/internal/domain/mfa"
	"github.com/ehr/ehr-auth/internal/domain/session"
	"github.com/ehr/ehr-auth/internal/platform/auth"
)

// -- Mock UserRepository --

type mockUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*User
}

func newMockUsers() *mockUsers {
	return &mockUsers{users: make(map[uuid.UUID]*User)}
}

func (m *mockUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrEmailTaken
		}
	}
	u.ID = uuid.New()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *mockUsers) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockUsers) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *mockUsers) SetStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Status = status
	return nil
}

// -- Fake session issuer --

type fakeSessions struct {
	mu        sync.Mutex
	created   []*session.Session
	revoked   []uuid.UUID
	refresh   *session.RefreshResult
	refreshEr error
}

func (f *fakeSessions) GenerateTokens() (*session.Tokens, error) {
	access, _ := auth.GenerateToken(auth.AccessTokenBytes)
	refresh, _ := auth.GenerateToken(auth.RefreshTokenBytes)
	return &session.Tokens{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessTokenHash:  auth.HashToken(access),
		RefreshTokenHash: auth.HashToken(refresh),
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       7 * 24 * time.Hour,
	}, nil
}

func (f *fakeSessions) CreateSession(_ context.Context, userID uuid.UUID, orgID string, tokens *session.Tokens, meta session.Metadata) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &session.Session{ID: uuid.New(), UserID: userID, OrgID: orgID, AccessTokenHash: tokens.AccessTokenHash, IsActive: true}
	if meta.IPAddress != "" {
		ip := meta.IPAddress
		s.IPAddress = &ip
	}
	f.created = append(f.created, s)
	return s, nil
}

func (f *fakeSessions) RefreshAccessToken(_ context.Context, _ string) (*session.RefreshResult, error) {
	return f.refresh, f.refreshEr
}

func (f *fakeSessions) RevokeSession(_ context.Context, sessionID, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, sessionID)
	return nil
}

func (f *fakeSessions) RevokeAllSessions(_ context.Context, _, except uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.created {
		if s.ID != except {
			f.revoked = append(f.revoked, s.ID)
			n++
		}
	}
	return n, nil
}

// -- Fake gate --

const goodCode = "424242"

type fakeGate struct {
	requirement *mfa.Requirement
	sendErr     error
	sent        []string
	enabled     map[uuid.UUID]string
	verified    map[uuid.UUID]bool
}

func newFakeGate(req *mfa.Requirement) *fakeGate {
	return &fakeGate{requirement: req, enabled: make(map[uuid.UUID]string), verified: make(map[uuid.UUID]bool)}
}

func (g *fakeGate) Is2FARequired(context.Context, uuid.UUID, string) (*mfa.Requirement, error) {
	if g.requirement == nil {
		return &mfa.Requirement{Reason: mfa.ReasonNotConfigured}, nil
	}
	r := *g.requirement
	return &r, nil
}

func (g *fakeGate) GenerateAndSendCode(_ context.Context, _ uuid.UUID, purpose string, _ mfa.RequestMeta) (*mfa.IssuedCode, error) {
	g.sent = append(g.sent, purpose)
	issued := &mfa.IssuedCode{CodeID: uuid.New(), Method: mfa.MethodEmail, SentTo: "j***e@example.com", ExpiresAt: time.Now().Add(10 * time.Minute), DeliveryStatus: mfa.DeliverySent}
	if g.sendErr != nil {
		issued.DeliveryStatus = mfa.DeliveryFailed
		return issued, g.sendErr
	}
	return issued, nil
}

func (g *fakeGate) ResendCode(ctx context.Context, userID uuid.UUID, purpose string, meta mfa.RequestMeta) (*mfa.IssuedCode, error) {
	return g.GenerateAndSendCode(ctx, userID, purpose, meta)
}

func (g *fakeGate) VerifyCode(_ context.Context, _ uuid.UUID, code, _ string) (*mfa.VerifyOutcome, error) {
	if code == goodCode {
		return &mfa.VerifyOutcome{Success: true}, nil
	}
	remaining := 2
	return &mfa.VerifyOutcome{Reason: mfa.ReasonIncorrectCode, RemainingAttempts: &remaining}, nil
}

func (g *fakeGate) Enable2FA(ctx context.Context, userID uuid.UUID, method, _ string, meta mfa.RequestMeta) (*mfa.IssuedCode, error) {
	g.enabled[userID] = method
	return g.GenerateAndSendCode(ctx, userID, mfa.PurposeSetup, meta)
}

func (g *fakeGate) Verify2FASetup(ctx context.Context, userID uuid.UUID, code string) (*mfa.VerifyOutcome, error) {
	out, _ := g.VerifyCode(ctx, userID, code, mfa.PurposeSetup)
	if out.Success {
		g.verified[userID] = true
	}
	return out, nil
}

// -- Fixture --

type fixture struct {
	svc      *Service
	users    *mockUsers
	sessions *fakeSessions
	gate     *fakeGate
	claims   *auth.ClaimsCodec
	user     *User
}

const password = "correct horse battery"

func newFixture(t *testing.T, req *mfa.Requirement) *fixture {
	t.Helper()
	hasher, err := NewHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	f := &fixture{
		users:    newMockUsers(),
		sessions: &fakeSessions{},
		gate:     newFakeGate(req),
		claims:   auth.NewClaimsCodec([]byte("test-secret-0123456789abcdef0123456789"), "ehr-auth-test"),
	}
	f.svc = NewService(f.users, f.sessions, f.gate, f.claims, hasher, Options{}, zerolog.Nop())
	f.user, err = f.svc.CreateUser(context.Background(), NewUser{
		OrgID:    "clinic-a",
		Email:    "Jane.Doe@Example.com",
		Name:     "Jane",
		Password: password,
		Roles:    []string{"physician"},
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return f
}

func (f *fixture) login(t *testing.T) *LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), LoginRequest{Email: "jane.doe@example.com", Password: password, IPAddress: "10.0.0.5"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

// -- Tests --

func TestCreateUser(t *testing.T) {
	f := newFixture(t, nil)
	if f.user.Email != "jane.doe@example.com" || f.user.Status != StatusActive {
		t.Errorf("user = %+v", f.user)
	}
	if f.user.PasswordHash == password {
		t.Fatal("password stored in clear")
	}

	tests := []struct {
		name string
		in   NewUser
		want error
	}{
		{"bad email", NewUser{OrgID: "o", Email: "nope", Password: password}, ErrInvalidUser},
		{"short password", NewUser{OrgID: "o", Email: "a@b.co", Password: "short"}, ErrInvalidUser},
		{"missing org", NewUser{Email: "a@b.co", Password: password}, ErrInvalidUser},
		{"duplicate", NewUser{OrgID: "o", Email: "JANE.DOE@example.com", Password: password}, ErrEmailTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.CreateUser(context.Background(), tt.in); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLogin_NoMFA(t *testing.T) {
	f := newFixture(t, nil)
	res := f.login(t)
	if res.RequiresMFA || res.Session == nil {
		t.Fatalf("result = %+v", res)
	}
	tokens := res.Session
	if len(tokens.AccessToken) != 43 || len(tokens.RefreshToken) != 64 {
		t.Errorf("token lengths %d/%d", len(tokens.AccessToken), len(tokens.RefreshToken))
	}
	if tokens.ExpiresIn != 900 {
		t.Errorf("expires_in = %d", tokens.ExpiresIn)
	}

	claims, err := f.claims.VerifyIdentity(tokens.IdentityToken)
	if err != nil {
		t.Fatalf("identity token: %v", err)
	}
	if claims.SessionID != tokens.SessionID.String() || claims.Subject != f.user.ID.String() || claims.OrgID != "clinic-a" {
		t.Errorf("claims = %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "physician" {
		t.Errorf("roles = %v", claims.Roles)
	}
	if s := f.sessions.created[0]; s.IPAddress == nil || *s.IPAddress != "10.0.0.5" {
		t.Errorf("session metadata lost")
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := newFixture(t, nil)
	cases := []LoginRequest{
		{Email: "jane.doe@example.com", Password: "wrong password!"},
		{Email: "nobody@example.com", Password: password},
	}
	for _, req := range cases {
		if _, err := f.svc.Login(context.Background(), req); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("%s: expected ErrInvalidCredentials, got %v", req.Email, err)
		}
	}

	f.users.SetStatus(context.Background(), f.user.ID, StatusDisabled)
	if _, err := f.svc.Login(context.Background(), LoginRequest{Email: "jane.doe@example.com", Password: password}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("disabled account: %v", err)
	}
	if len(f.sessions.created) != 0 {
		t.Error("session created for rejected login")
	}
}

func TestLogin_MFAChallenge(t *testing.T) {
	f := newFixture(t, &mfa.Requirement{Required: true, Reason: mfa.ReasonUserEnabled, Method: mfa.MethodEmail})
	res := f.login(t)
	if !res.RequiresMFA || res.NeedsSetup || res.Session != nil {
		t.Fatalf("result = %+v", res)
	}
	if res.ChallengeToken == "" || res.SentTo == "" || res.DeliveryStatus != mfa.DeliverySent {
		t.Errorf("result = %+v", res)
	}
	if len(f.gate.sent) != 1 || f.gate.sent[0] != mfa.PurposeLogin {
		t.Errorf("codes sent = %v", f.gate.sent)
	}
	if len(f.sessions.created) != 0 {
		t.Fatal("session opened before MFA")
	}

	_, err := f.svc.VerifyMFA(context.Background(), res.ChallengeToken, "000000", ClientMeta{})
	var rejected *CodeRejectedError
	if !errors.As(err, &rejected) || rejected.Outcome.Reason != mfa.ReasonIncorrectCode {
		t.Fatalf("expected rejected code, got %v", err)
	}

	tokens, err := f.svc.VerifyMFA(context.Background(), res.ChallengeToken, goodCode, ClientMeta{IPAddress: "10.0.0.5"})
	if err != nil {
		t.Fatalf("VerifyMFA: %v", err)
	}
	if tokens.AccessToken == "" || len(f.sessions.created) != 1 {
		t.Error("session not opened after MFA")
	}
}

func TestLogin_DeliveryFailureKeepsChallenge(t *testing.T) {
	f := newFixture(t, &mfa.Requirement{Required: true, Reason: mfa.ReasonMandatory, Method: mfa.MethodEmail})
	f.gate.sendErr = mfa.ErrDeliveryFailed

	res := f.login(t)
	if res.ChallengeToken == "" || res.DeliveryStatus != mfa.DeliveryFailed {
		t.Fatalf("result = %+v", res)
	}

	f.gate.sendErr = nil
	issued, err := f.svc.ResendMFA(context.Background(), res.ChallengeToken, ClientMeta{})
	if err != nil || issued.DeliveryStatus != mfa.DeliverySent {
		t.Fatalf("resend: %+v %v", issued, err)
	}
}

func TestLogin_MandatorySetup(t *testing.T) {
	f := newFixture(t, &mfa.Requirement{Required: true, NeedsSetup: true, Reason: mfa.ReasonMandatory, Method: mfa.MethodEmail})
	res := f.login(t)
	if !res.RequiresMFA || !res.NeedsSetup || res.ChallengeToken == "" {
		t.Fatalf("result = %+v", res)
	}
	if len(f.gate.sent) != 0 {
		t.Error("login code sent to a user without enrolment")
	}

	// A setup challenge cannot finish a login directly.
	if _, err := f.svc.VerifyMFA(context.Background(), res.ChallengeToken, goodCode, ClientMeta{}); !errors.Is(err, ErrInvalidChallenge) {
		t.Fatalf("setup challenge accepted for login: %v", err)
	}

	if _, err := f.svc.SetupMFA(context.Background(), res.ChallengeToken, mfa.MethodEmail, "", ClientMeta{}); err != nil {
		t.Fatalf("SetupMFA: %v", err)
	}
	if f.gate.enabled[f.user.ID] != mfa.MethodEmail {
		t.Error("enrolment not started")
	}

	tokens, err := f.svc.CompleteSetup(context.Background(), res.ChallengeToken, goodCode, ClientMeta{})
	if err != nil {
		t.Fatalf("CompleteSetup: %v", err)
	}
	if !f.gate.verified[f.user.ID] || tokens.SessionID == uuid.Nil {
		t.Error("setup did not complete")
	}
}

func TestVerifyMFA_BadChallenge(t *testing.T) {
	f := newFixture(t, nil)
	other := auth.NewClaimsCodec([]byte("another-secret-0123456789abcdef012345"), "ehr-auth-test")
	forged, _, _ := other.IssueChallenge(f.user.ID.String(), "clinic-a", mfa.PurposeLogin, time.Minute)
	expired, _, _ := f.claims.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }).
		IssueChallenge(f.user.ID.String(), "clinic-a", mfa.PurposeLogin, time.Minute)
	unknown, _, _ := f.claims.IssueChallenge(uuid.NewString(), "clinic-a", mfa.PurposeLogin, time.Minute)

	for name, token := range map[string]string{"forged": forged, "expired": expired, "unknown user": unknown, "garbage": "abc"} {
		if _, err := f.svc.VerifyMFA(context.Background(), token, goodCode, ClientMeta{}); !errors.Is(err, ErrInvalidChallenge) {
			t.Errorf("%s: expected ErrInvalidChallenge, got %v", name, err)
		}
	}
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, nil)
	tokens := f.login(t).Session
	f.sessions.refresh = &session.RefreshResult{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresIn:    900,
		SessionID:    tokens.SessionID,
		UserID:       f.user.ID,
		OrgID:        "clinic-a",
	}

	res, err := f.svc.Refresh(context.Background(), tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	claims, err := f.claims.VerifyIdentity(res.IdentityToken)
	if err != nil || claims.SessionID != tokens.SessionID.String() {
		t.Fatalf("identity = %+v %v", claims, err)
	}
	if res.AccessToken != "new-access" || res.TokenType != "Bearer" {
		t.Errorf("res = %+v", res)
	}
}

func TestRefresh_DisabledAccountLosesSession(t *testing.T) {
	f := newFixture(t, nil)
	tokens := f.login(t).Session
	f.sessions.refresh = &session.RefreshResult{SessionID: tokens.SessionID, UserID: f.user.ID}
	f.users.SetStatus(context.Background(), f.user.ID, StatusDisabled)

	if _, err := f.svc.Refresh(context.Background(), tokens.RefreshToken); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
	if len(f.sessions.revoked) != 1 || f.sessions.revoked[0] != tokens.SessionID {
		t.Errorf("revoked = %v", f.sessions.revoked)
	}
}

func TestRefresh_PassesRejection(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.refreshEr = &session.RejectedError{Reason: session.ReasonRefreshTokenReused}
	_, err := f.svc.Refresh(context.Background(), "whatever")
	if session.RejectionReason(err) != session.ReasonRefreshTokenReused {
		t.Fatalf("got %v", err)
	}
}

func TestLogoutAndLogoutAll(t *testing.T) {
	f := newFixture(t, nil)
	f.login(t)
	f.login(t)
	third := f.login(t).Session

	p := &auth.Principal{ID: f.user.ID.String(), SessionID: third.SessionID.String()}
	n, err := f.svc.LogoutAll(context.Background(), p)
	if err != nil || n != 2 {
		t.Fatalf("LogoutAll = %d, %v", n, err)
	}
	for _, id := range f.sessions.revoked {
		if id == third.SessionID {
			t.Fatal("current session revoked by logout-all")
		}
	}

	if err := f.svc.Logout(context.Background(), p); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if last := f.sessions.revoked[len(f.sessions.revoked)-1]; last != third.SessionID {
		t.Errorf("logout revoked %s", last)
	}

	if err := f.svc.Logout(context.Background(), nil); !errors.Is(err, session.ErrUnauthorized) {
		t.Errorf("nil principal: %v", err)
	}
}

func TestDirectory(t *testing.T) {
	f := newFixture(t, nil)
	d := NewDirectory(f.users)

	c, err := d.Contact(context.Background(), f.user.ID)
	if err != nil {
		t.Fatalf("Contact: %v", err)
	}
	if c.Email != "jane.doe@example.com" || c.OrgID != "clinic-a" {
		t.Errorf("contact = %+v", c)
	}
	if _, err := d.Contact(context.Background(), uuid.New()); !errors.Is(err, mfa.ErrUserNotFound) {
		t.Errorf("expected mfa.ErrUserNotFound, got %v", err)
	}
}

func TestHasher(t *testing.T) {
	h, err := NewHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	hash, err := h.Hash("s3cret-passphrase")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if ok, _ := h.Verify(hash, "s3cret-passphrase"); !ok {
		t.Error("matching password rejected")
	}
	if ok, err := h.Verify(hash, "other"); ok || err != nil {
		t.Errorf("mismatch = %v, %v", ok, err)
	}
	if _, err := h.Verify("not-a-hash", "x"); err == nil {
		t.Error("malformed hash accepted")
	}
}
