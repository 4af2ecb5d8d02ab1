package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

const defaultTokenTTL = time.Hour

// LocalTokens issues and verifies HS256 access tokens for payers who log in with a password.
type LocalTokens struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

type accessClaims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// NewLocalTokens builds a signer. The key must be at least 32 bytes.
func NewLocalTokens(signingKey, issuer string, ttl time.Duration, clock func() time.Time) (*LocalTokens, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("auth: signing key must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &LocalTokens{
		key:    []byte(signingKey),
		issuer: strings.TrimSpace(issuer),
		ttl:    ttl,
		now:    func() time.Time { return clock().UTC() },
	}, nil
}

// IssueAccessToken signs a token for payerID.
func (t *LocalTokens) IssueAccessToken(payerID, email string, roles []string) (string, time.Time, error) {
	if strings.TrimSpace(payerID) == "" {
		return "", time.Time{}, errors.New("auth: payer id is required")
	}
	now := t.now()
	expires := now.Add(t.ttl)
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   payerID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Email: email,
		Roles: normaliseRoles(roles),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify implements Verifier.
func (t *LocalTokens) Verify(_ context.Context, token string) (*Identity, error) {
	claims := &accessClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) { return t.key, nil }); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := t.now()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now, false) {
		return nil, fmt.Errorf("%w: token not yet valid", ErrTokenInvalid)
	}
	if t.issuer != "" && !claims.VerifyIssuer(t.issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return &Identity{
		PayerID: claims.Subject,
		Email:   claims.Email,
		Roles:   claims.Roles,
		Source:  "local",
	}, nil
}
