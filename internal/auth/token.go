package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cwphosting.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

// TokenKind distinguishes access from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Claims are the verified contents of a signed token.
type Claims struct {
	TokenType TokenKind `json:"token_type"`
	Roles     []string  `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// IssuedToken is a freshly signed token with its lifetime.
type IssuedToken struct {
	Token     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec signs and verifies HS256 tokens with one shared secret.
type Codec struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithIssuer sets the iss claim; tokens from another issuer are rejected.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) { c.issuer = strings.TrimSpace(issuer) }
}

// WithTTLs configures access and refresh lifetimes. Non-positive values keep the defaults.
func WithTTLs(access, refresh time.Duration) CodecOption {
	return func(c *Codec) {
		if access > 0 {
			c.accessTTL = access
		}
		if refresh > 0 {
			c.refreshTTL = refresh
		}
	}
}

// NewCodec constructs a Codec. The secret must not be empty.
func NewCodec(secret string, opts ...CodecOption) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is empty")
	}
	c := &Codec{
		secret:     []byte(secret),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the configured lifetime of kind.
func (c *Codec) TTL(kind TokenKind) time.Duration {
	if kind == KindRefresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

// Issue signs a token for subject. Roles are only embedded in access tokens.
func (c *Codec) Issue(subject string, roles []string, kind TokenKind) (IssuedToken, error) {
	if strings.TrimSpace(subject) == "" {
		return IssuedToken{}, errors.New("auth: token subject is empty")
	}
	if kind != KindAccess && kind != KindRefresh {
		return IssuedToken{}, fmt.Errorf("auth: unknown token kind %q", kind)
	}
	now := c.now().Truncate(time.Second)
	exp := now.Add(c.TTL(kind))
	claims := Claims{
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.New(),
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	if kind == KindAccess {
		claims.Roles = normalizeRoles(roles)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return IssuedToken{Token: signed, ID: claims.ID, IssuedAt: now, ExpiresAt: exp}, nil
}

// Verify checks signature and expiry and returns the claims.
func (c *Codec) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// VerifyKind verifies token and requires it to be of the given kind.
func (c *Codec) VerifyKind(token string, kind TokenKind) (*Claims, error) {
	claims, err := c.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != kind {
		return nil, fmt.Errorf("%w: expected %s token", ErrTokenMalformed, kind)
	}
	return claims, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenSignatureInvalid
	default:
		return ErrTokenMalformed
	}
}
