// Package token issues and verifies the HS256 bearer tokens handed to API
// clients after they authenticate.
package token

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/tunnelca/internal/uuid"
	"github.com/jmcleod/tunnelca/signingkey"
)

const (
	// DefaultAccessTTL is the lifetime of an access token.
	DefaultAccessTTL = 60 * time.Minute
	// DefaultRefreshDelta is how long a refresh token outlives its access
	// token.
	DefaultRefreshDelta = 30 * time.Minute
)

// Token kinds carried in the "kind" claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// ErrInvalidToken is returned for tokens that fail signature, algorithm or
// expiry checks.
var ErrInvalidToken = errors.New("invalid token")

// KeySource supplies the signing secret. *signingkey.Cache satisfies it.
type KeySource interface {
	SigningKey() (*signingkey.Secret, error)
}

// Claims is the token payload.
type Claims struct {
	User   string   `json:"user"`
	Kind   string   `json:"kind"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Token is a signed token and its expiry.
type Token struct {
	Value   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// Pair is an access token and the refresh token that outlives it.
type Pair struct {
	Access  Token `json:"access"`
	Refresh Token `json:"refresh"`
}

// Issuer signs and verifies tokens.
type Issuer struct {
	keys         KeySource
	accessTTL    time.Duration
	refreshDelta time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithAccessTTL overrides DefaultAccessTTL. Non-positive values keep the
// default.
func WithAccessTTL(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.accessTTL = d
		}
	}
}

// WithRefreshDelta overrides DefaultRefreshDelta. Non-positive values keep
// the default.
func WithRefreshDelta(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.refreshDelta = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Issuer) { i.logger = logger }
}

// NewIssuer returns an Issuer signing with keys.
func NewIssuer(keys KeySource, opts ...Option) *Issuer {
	i := &Issuer{
		keys:         keys,
		accessTTL:    DefaultAccessTTL,
		refreshDelta: DefaultRefreshDelta,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue returns an access and refresh token for user.
func (i *Issuer) Issue(user string, scopes ...string) (*Pair, error) {
	if user == "" {
		return nil, fmt.Errorf("%w: empty user", ErrInvalidToken)
	}
	secret, err := i.keys.SigningKey()
	if err != nil {
		return nil, err
	}

	now := i.now()
	accessExpires := now.Add(i.accessTTL)
	refreshExpires := accessExpires.Add(i.refreshDelta)

	var pair Pair
	err = secret.Use(func(key []byte) error {
		access, err := i.sign(key, user, KindAccess, scopes, now, accessExpires)
		if err != nil {
			return err
		}
		refresh, err := i.sign(key, user, KindRefresh, scopes, now, refreshExpires)
		if err != nil {
			return err
		}
		pair = Pair{Access: access, Refresh: refresh}
		return nil
	})
	if err != nil {
		return nil, err
	}
	i.logger.Debug("token issued", "user", user, "expires", pair.Access.Expires)
	return &pair, nil
}

func (i *Issuer) sign(key []byte, user, kind string, scopes []string, now, expires time.Time) (Token, error) {
	claims := Claims{
		User:   user,
		Kind:   kind,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New(),
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return Token{}, fmt.Errorf("signing %s token: %w", kind, err)
	}
	return Token{Value: signed, Expires: claims.ExpiresAt.Time}, nil
}

// Verify checks the signature, algorithm and expiry of raw and returns its
// claims. Only HS256 is accepted.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	secret, err := i.keys.SigningKey()
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	err = secret.Use(func(key []byte) error {
		_, err := jwt.ParseWithClaims(raw, claims,
			func(*jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(i.now),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// VerifyAccess is Verify restricted to access tokens.
func (i *Issuer) VerifyAccess(raw string) (*Claims, error) {
	claims, err := i.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Kind != KindAccess {
		return nil, fmt.Errorf("%w: expected an access token, got %q", ErrInvalidToken, claims.Kind)
	}
	return claims, nil
}
