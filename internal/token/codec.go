// Package token signs and verifies the access and refresh artifacts issued
// to clients. Tokens are symmetric HS256 JWTs; the payload is self-describing
// so the embedded client validator can gate features offline.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keyline-io/keyline/internal/ids"
	"github.com/keyline-io/keyline/internal/license"
)

// Kind discriminates access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

const (
	// Issuer is the iss claim stamped on every token.
	Issuer = "keyline"

	// VerifyLeeway is the clock-skew tolerance applied on verification.
	// Issuance uses no leeway.
	VerifyLeeway = 30 * time.Second
)

var (
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrMalformedClaims  = errors.New("token claims malformed")
	ErrExpired          = errors.New("token expired")
	ErrWrongKind        = errors.New("unexpected token kind")
	ErrInvalidRefresh   = errors.New("invalid refresh token")
)

// Claims is the payload carried by both token kinds. Refresh tokens carry no
// module list.
type Claims struct {
	ClientID string       `json:"client_id"`
	Plan     license.Plan `json:"plan"`
	Modules  []string     `json:"modules,omitempty"`
	Kind     Kind         `json:"kind"`
	jwt.RegisteredClaims
}

// RefreshSet is the server-side registry of live refresh token ids, so a
// single refresh token can be revoked ahead of its expiry.
type RefreshSet interface {
	AddRefreshToken(tokenID, clientID string, expiresAt time.Time) error
	HasRefreshToken(tokenID string, now time.Time) (bool, error)
	DeleteRefreshToken(tokenID string) error
}

// Codec signs and verifies tokens with a shared server secret.
type Codec struct {
	secret     []byte
	clock      ids.Clock
	refreshSet RefreshSet
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// Config configures a Codec.
type Config struct {
	Secret     string
	Clock      ids.Clock
	RefreshSet RefreshSet
	AccessTTL  time.Duration // default 24h
	RefreshTTL time.Duration // default 365d
}

// NewCodec creates a token codec. The secret is required.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Secret == "" {
		return nil, errors.New("signing secret is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = ids.SystemClock{}
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 24 * time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 365 * 24 * time.Hour
	}
	return &Codec{
		secret:     []byte(cfg.Secret),
		clock:      cfg.Clock,
		refreshSet: cfg.RefreshSet,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
	}, nil
}

// AccessTTL returns the configured access-token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// Sign produces a signed token for the given claims and kind. The token id,
// iat, exp, and kind are stamped here; everything else is carried verbatim.
func (c *Codec) Sign(clientID string, plan license.Plan, modules []string, kind Kind, ttl time.Duration) (string, string, error) {
	now := c.clock.Now()
	tokenID := ids.NewTokenID()

	claims := Claims{
		ClientID: clientID,
		Plan:     plan,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if kind == KindAccess {
		claims.Modules = modules
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, tokenID, nil
}

// Verify checks the signature and claim shape of a token and returns its
// claims. Expiry is evaluated against the codec clock with VerifyLeeway of
// tolerated skew.
func (c *Codec) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		tokenStr,
		claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return c.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithLeeway(VerifyLeeway),
		jwt.WithTimeFunc(func() time.Time { return c.clock.Now() }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedClaims, err)
		}
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}
	if claims.ClientID == "" || claims.ID == "" {
		return nil, ErrMalformedClaims
	}
	switch claims.Kind {
	case KindAccess, KindRefresh:
	default:
		return nil, ErrMalformedClaims
	}
	return claims, nil
}

// Pair bundles a freshly issued access/refresh pair.
type Pair struct {
	Access    string
	Refresh   string
	AccessID  string
	RefreshID string
	ExpiresIn time.Duration
}

// IssuePair mints an access/refresh pair for a license and records the
// refresh id in the server-side set.
func (c *Codec) IssuePair(clientID string, plan license.Plan, modules []string) (*Pair, error) {
	access, accessID, err := c.Sign(clientID, plan, modules, KindAccess, c.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshID, err := c.Sign(clientID, plan, nil, KindRefresh, c.refreshTTL)
	if err != nil {
		return nil, err
	}
	if c.refreshSet != nil {
		if err := c.refreshSet.AddRefreshToken(refreshID, clientID, c.clock.Now().Add(c.refreshTTL)); err != nil {
			return nil, err
		}
	}
	return &Pair{
		Access:    access,
		Refresh:   refresh,
		AccessID:  accessID,
		RefreshID: refreshID,
		ExpiresIn: c.accessTTL,
	}, nil
}

// RefreshToAccess exchanges a live refresh token for a fresh access token
// carrying the supplied plan and modules (the server record, not the refresh
// token, is authoritative for entitlements).
func (c *Codec) RefreshToAccess(refreshToken string, plan license.Plan, modules []string) (string, string, error) {
	claims, err := c.Verify(refreshToken)
	if err != nil {
		return "", "", ErrInvalidRefresh
	}
	if claims.Kind != KindRefresh {
		return "", "", ErrInvalidRefresh
	}
	if c.refreshSet != nil {
		live, err := c.refreshSet.HasRefreshToken(claims.ID, c.clock.Now())
		if err != nil {
			return "", "", err
		}
		if !live {
			return "", "", ErrInvalidRefresh
		}
	}
	return c.Sign(claims.ClientID, plan, modules, KindAccess, c.accessTTL)
}

// RevokeRefresh removes a refresh token from the live set. The token itself
// must still verify; revoking an unknown or expired token reports
// ErrInvalidRefresh.
func (c *Codec) RevokeRefresh(refreshToken string) (string, error) {
	claims, err := c.Verify(refreshToken)
	if err != nil || claims.Kind != KindRefresh {
		return "", ErrInvalidRefresh
	}
	if c.refreshSet != nil {
		live, err := c.refreshSet.HasRefreshToken(claims.ID, c.clock.Now())
		if err != nil {
			return "", err
		}
		if !live {
			return "", ErrInvalidRefresh
		}
		if err := c.refreshSet.DeleteRefreshToken(claims.ID); err != nil {
			return "", err
		}
	}
	return claims.ClientID, nil
}
