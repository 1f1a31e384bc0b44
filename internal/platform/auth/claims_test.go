package auth

import (
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("test-secret-key-for-unit-tests-only-0123")

func TestIdentityRoundTrip(t *testing.T) {
	codec := NewClaimsCodec(testSecret, "ehr-auth")
	p := Principal{ID: "u1", OrgID: "org1", Roles: []string{"physician"}, Permissions: []string{"patients:read"}, SessionID: "s1"}

	tok, exp, err := codec.IssueIdentity(p, 15*time.Minute)
	if err != nil {
		t.Fatalf("IssueIdentity: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Error("expiry should be in the future")
	}

	claims, err := codec.VerifyIdentity(tok)
	if err != nil {
		t.Fatalf("VerifyIdentity: %v", err)
	}
	if claims.Subject != "u1" || claims.OrgID != "org1" || claims.SessionID != "s1" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "physician" {
		t.Errorf("unexpected roles: %v", claims.Roles)
	}
}

func TestVerifyIdentity_Expired(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	codec := NewClaimsCodec(testSecret, "ehr-auth").WithClock(func() time.Time { return now })
	tok, _, _ := codec.IssueIdentity(Principal{ID: "u1", SessionID: "s1"}, time.Minute)

	later := codec.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	if _, err := later.VerifyIdentity(tok); !errors.Is(err, ErrInvalidClaims) {
		t.Errorf("expected ErrInvalidClaims for expired token, got %v", err)
	}
}

func TestVerifyIdentity_WrongSecret(t *testing.T) {
	tok, _, _ := NewClaimsCodec(testSecret, "ehr-auth").IssueIdentity(Principal{ID: "u1", SessionID: "s1"}, time.Minute)
	other := NewClaimsCodec([]byte("another-secret-another-secret-0000"), "ehr-auth")
	if _, err := other.VerifyIdentity(tok); err == nil {
		t.Fatal("expected signature failure")
	}
}

func TestVerifyIdentity_WrongIssuer(t *testing.T) {
	tok, _, _ := NewClaimsCodec(testSecret, "someone-else").IssueIdentity(Principal{ID: "u1", SessionID: "s1"}, time.Minute)
	if _, err := NewClaimsCodec(testSecret, "ehr-auth").VerifyIdentity(tok); err == nil {
		t.Fatal("expected issuer failure")
	}
}

func TestVerifyIdentity_RequiresSessionID(t *testing.T) {
	codec := NewClaimsCodec(testSecret, "ehr-auth")
	tok, _, _ := codec.IssueIdentity(Principal{ID: "u1"}, time.Minute)
	if _, err := codec.VerifyIdentity(tok); err == nil {
		t.Fatal("expected error for identity without session id")
	}
}

func TestChallengeIsNotAnIdentity(t *testing.T) {
	codec := NewClaimsCodec(testSecret, "ehr-auth")
	ch, _, err := codec.IssueChallenge("u1", "org1", "login", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := codec.VerifyIdentity(ch); err == nil {
		t.Fatal("challenge token must not verify as identity")
	}

	id, _, _ := codec.IssueIdentity(Principal{ID: "u1", SessionID: "s1"}, time.Minute)
	if _, err := codec.VerifyChallenge(id, "login"); err == nil {
		t.Fatal("identity token must not verify as challenge")
	}
}

func TestVerifyChallenge_Purpose(t *testing.T) {
	codec := NewClaimsCodec(testSecret, "ehr-auth")
	ch, _, _ := codec.IssueChallenge("u1", "org1", "setup", 10*time.Minute)

	claims, err := codec.VerifyChallenge(ch, "setup")
	if err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if claims.Subject != "u1" || claims.OrgID != "org1" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if _, err := codec.VerifyChallenge(ch, "login"); !errors.Is(err, ErrPurposeMismatch) {
		t.Errorf("expected ErrPurposeMismatch, got %v", err)
	}
}
