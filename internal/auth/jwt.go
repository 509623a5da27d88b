package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"report-pipeline/internal/models"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrForbidden    = errors.New("tenant access denied")
)

// RoleAdmin may act on every tenant.
const RoleAdmin = "admin"

// Claims are the caller identity claims issued by the external auth service.
type Claims struct {
	jwt.RegisteredClaims
	Orgs []string `json:"orgs,omitempty"`
	Role string   `json:"role,omitempty"`
}

// CanAccessTenant reports whether the caller may read or act on tenantID.
func (c *Claims) CanAccessTenant(tenantID string) bool {
	if c == nil || models.ValidateTenantID(tenantID) != nil {
		return false
	}
	return c.Role == RoleAdmin || slices.Contains(c.Orgs, tenantID)
}

// Verifier validates HS256 tokens signed with the shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier builds a verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// WithClock overrides the time used for expiry checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify parses and validates a token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
}

// AuthorizeTenant verifies token and checks it grants access to tenantID.
func (v *Verifier) AuthorizeTenant(_ context.Context, token, tenantID string) error {
	claims, err := v.Verify(token)
	if err != nil {
		return err
	}
	if !claims.CanAccessTenant(tenantID) {
		return ErrForbidden
	}
	return nil
}

// Issue signs a token; used by the CLI for local development and by tests.
func (v *Verifier) Issue(subject string, orgs []string, role string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Orgs: orgs,
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
