// Package authn issues and validates the gateway's bearer tokens and
// tracks revoked tokens in redis.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for token validation.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
)

// Claims are the gateway's JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// Identity is the validated caller attached to the request context.
type Identity struct {
	Subject   string
	Scopes    []string
	ExpiresAt time.Time
}

// Service signs and verifies HS256 bearer tokens.
type Service struct {
	secret      []byte
	expiry      time.Duration
	revocations *RevocationStore
	now         func() time.Time
	logger      *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNow overrides the token clock, for tests.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithServiceLogger sets the service's logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a token service. revocations may be nil, in which
// case revocation checks are skipped.
func NewService(secret string, expiry time.Duration, revocations *RevocationStore, opts ...ServiceOption) *Service {
	s := &Service{
		secret:      []byte(secret),
		expiry:      expiry,
		revocations: revocations,
		now:         time.Now,
		logger:      slog.Default().WithGroup("authn"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints a signed token for the subject. Returns the compact token
// and its lifetime.
func (s *Service) Issue(subject string, scopes []string) (string, time.Duration, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, s.expiry, nil
}

// Verify parses and validates a compact token, including the revocation
// check, and returns the caller identity.
func (s *Service) Verify(ctx context.Context, tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	if s.revocations != nil && s.revocations.IsRevoked(ctx, tokenString) {
		return Identity{}, ErrTokenRevoked
	}

	return Identity{
		Subject:   claims.Subject,
		Scopes:    claims.Scopes,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke adds the token to the revocation set for its remaining lifetime.
// An already-expired token is a no-op.
func (s *Service) Revoke(ctx context.Context, tokenString string) error {
	identity, err := s.Verify(ctx, tokenString)
	if err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			return nil
		}
		return err
	}

	remaining := identity.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return nil
	}
	if s.revocations == nil {
		return nil
	}
	return s.revocations.Revoke(ctx, tokenString, remaining)
}
