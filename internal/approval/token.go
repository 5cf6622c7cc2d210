// Package approval issues and verifies signed approval tokens for
// remediation executions awaiting approval.
package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lvonguyen/ato-compliance/internal/errs"
)

const (
	defaultIssuer = "ato-compliance"
	defaultTTL    = time.Hour
	leeway        = 30 * time.Second
	minSecretLen  = 32
)

// Claims identify the approver and the execution being approved.
type Claims struct {
	ExecutionID string `json:"execution_id"`
	jwt.RegisteredClaims
}

// Config configures token signing.
type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Authority signs and verifies approval tokens with HMAC-SHA256.
type Authority struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option customizes an Authority.
type Option func(*Authority)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(a *Authority) { a.now = now } }

// NewAuthority validates config and creates an Authority.
func NewAuthority(cfg Config, opts ...Option) (*Authority, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, errs.Invalid("approval secret", "", fmt.Sprintf("must be at least %d characters", minSecretLen))
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	a := &Authority{secret: []byte(cfg.Secret), issuer: cfg.Issuer, ttl: cfg.TTL, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Issue signs a token allowing approver to approve executionID.
func (a *Authority) Issue(executionID, approver string) (string, error) {
	if strings.TrimSpace(executionID) == "" {
		return "", errs.Invalid("executionId", "", "execution id is required")
	}
	if strings.TrimSpace(approver) == "" {
		return "", errs.Invalid("approver", "", "approver is required")
	}
	now := a.now()
	claims := Claims{
		ExecutionID: executionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   approver,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign approval token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature, issuer, validity window and execution
// binding, and returns the approver.
func (a *Authority) Verify(token, executionID string) (string, error) {
	if token == "" {
		return "", errs.Invalid("token", "", "approval token is required")
	}
	keyFn := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, keyFn,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", errs.Invalid("token", "", "approval token has expired")
	case err != nil:
		return "", errs.Invalid("token", "", fmt.Sprintf("approval token rejected: %v", err))
	}
	if claims.ExecutionID != executionID {
		return "", errs.Invalid("token", "", fmt.Sprintf("approval token was issued for execution %s", claims.ExecutionID))
	}
	if claims.Subject == "" {
		return "", errs.Invalid("token", "", "approval token has no approver")
	}
	return claims.Subject, nil
}
