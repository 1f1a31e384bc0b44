package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	identityAudience  = "ehr-api"
	challengeAudience = "mfa-challenge"
)

var (
	ErrInvalidClaims   = errors.New("invalid signed claims")
	ErrPurposeMismatch = errors.New("challenge purpose mismatch")
)

// IdentityClaims is the signed payload that carries authorization data next
// to the opaque access token. SessionID binds it to exactly one session.
type IdentityClaims struct {
	jwt.RegisteredClaims
	OrgID       string   `json:"org"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	SessionID   string   `json:"sid"`
}

// ChallengeClaims authorizes the MFA steps of a login that has passed the
// password check but holds no session yet.
type ChallengeClaims struct {
	jwt.RegisteredClaims
	OrgID   string `json:"org"`
	Purpose string `json:"purpose"`
}

// ClaimsCodec signs and verifies HS256 tokens with a shared secret.
type ClaimsCodec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewClaimsCodec(secret []byte, issuer string) *ClaimsCodec {
	return &ClaimsCodec{secret: secret, issuer: issuer, now: time.Now}
}

// WithClock returns a copy of the codec using now as its time source.
func (c *ClaimsCodec) WithClock(now func() time.Time) *ClaimsCodec {
	cp := *c
	cp.now = now
	return &cp
}

// IssueIdentity signs p's authorization data for ttl.
func (c *ClaimsCodec) IssueIdentity(p Principal, ttl time.Duration) (string, time.Time, error) {
	now := c.now()
	exp := now.Add(ttl)
	claims := IdentityClaims{
		RegisteredClaims: c.registered(p.ID, identityAudience, now, exp),
		OrgID:            p.OrgID,
		Roles:            p.Roles,
		Permissions:      p.Permissions,
		SessionID:        p.SessionID,
	}
	s, err := c.sign(claims)
	return s, exp, err
}

// VerifyIdentity checks signature, issuer, audience and expiry.
func (c *ClaimsCodec) VerifyIdentity(token string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	if err := c.parse(token, claims, identityAudience); err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrInvalidClaims)
	}
	return claims, nil
}

// IssueChallenge signs a short-lived MFA challenge for userID.
func (c *ClaimsCodec) IssueChallenge(userID, orgID, purpose string, ttl time.Duration) (string, time.Time, error) {
	now := c.now()
	exp := now.Add(ttl)
	claims := ChallengeClaims{
		RegisteredClaims: c.registered(userID, challengeAudience, now, exp),
		OrgID:            orgID,
		Purpose:          purpose,
	}
	s, err := c.sign(claims)
	return s, exp, err
}

// VerifyChallenge checks the token and that it was issued for purpose.
func (c *ClaimsCodec) VerifyChallenge(token, purpose string) (*ChallengeClaims, error) {
	claims := &ChallengeClaims{}
	if err := c.parse(token, claims, challengeAudience); err != nil {
		return nil, err
	}
	if claims.Purpose != purpose {
		return nil, ErrPurposeMismatch
	}
	return claims, nil
}

func (c *ClaimsCodec) registered(subject, audience string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    c.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
}

func (c *ClaimsCodec) sign(claims jwt.Claims) (string, error) {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign claims: %w", err)
	}
	return s, nil
}

func (c *ClaimsCodec) parse(token string, claims jwt.Claims, audience string) error {
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}
	return nil
}
