// Package clientcheck is the validator embedded in installed applications.
// It gates features from the license token between server checks: signature
// and expiry locally, entitlements from the same plan table the server uses,
// and a bounded grace window for offline operation.
package clientcheck

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keyline-io/keyline/internal/license"
	"github.com/keyline-io/keyline/internal/token"
)

// DefaultGrace is how long past expiry (or since the last successful server
// check) the client keeps features unlocked while offline.
const DefaultGrace = 24 * time.Hour

// Result is the outcome of an offline validation.
type Result struct {
	Valid       bool
	WithinGrace bool // valid only because the grace window is still open

	ClientID      string
	Plan          license.Plan
	Modules       []string
	ExpiresAt     time.Time
	DaysRemaining int

	Reason string // why validation failed, empty when Valid
}

// Validator checks tokens without contacting the server.
type Validator struct {
	secret []byte
	grace  time.Duration
	now    func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithGrace overrides the offline grace window.
func WithGrace(d time.Duration) Option {
	return func(v *Validator) { v.grace = d }
}

// WithNow overrides the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New creates an offline validator sharing the server's signing secret.
func New(secret string, opts ...Option) *Validator {
	v := &Validator{
		secret: []byte(secret),
		grace:  DefaultGrace,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RecordServerCheck notes a successful online validation, opening a fresh
// grace window.
func (v *Validator) RecordServerCheck(at time.Time) {
	v.mu.Lock()
	v.lastCheck = at
	v.mu.Unlock()
}

// LastServerCheck returns the most recent successful online validation.
func (v *Validator) LastServerCheck() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastCheck
}

// Validate checks an access token offline. A token past its expiry stays
// valid (flagged WithinGrace) until the grace window closes; everything
// else fails closed.
func (v *Validator) Validate(tokenStr string) Result {
	now := v.now()

	claims := &token.Claims{}
	parsed, err := jwt.ParseWithClaims(
		tokenStr,
		claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, errors.New("unexpected signing method")
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(token.Issuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	expired := errors.Is(err, jwt.ErrTokenExpired)
	if err != nil && !expired {
		return Result{Reason: "token is not valid"}
	}
	if !expired && !parsed.Valid {
		return Result{Reason: "token is not valid"}
	}
	if claims.Kind != token.KindAccess || claims.ClientID == "" {
		return Result{Reason: "not an access token"}
	}
	if !license.ValidPlan(claims.Plan) {
		return Result{Reason: "unknown plan"}
	}

	res := Result{
		ClientID:  claims.ClientID,
		Plan:      claims.Plan,
		Modules:   v.effectiveModules(claims),
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if remaining := res.ExpiresAt.Sub(now); remaining > 0 {
		res.DaysRemaining = int(remaining.Hours() / 24)
	}

	if expired {
		if now.Sub(res.ExpiresAt) <= v.grace {
			res.Valid = true
			res.WithinGrace = true
			return res
		}
		res.Reason = "license expired"
		return res
	}

	res.Valid = true
	return res
}

// HasModule reports whether the token grants module name right now.
func (v *Validator) HasModule(tokenStr, name string) bool {
	res := v.Validate(tokenStr)
	if !res.Valid {
		return false
	}
	for _, m := range res.Modules {
		if m == name {
			return true
		}
	}
	return false
}

// effectiveModules prefers the token's module list, falling back to the plan
// table so a token minted before modules were stamped still unlocks the plan.
func (v *Validator) effectiveModules(claims *token.Claims) []string {
	if len(claims.Modules) > 0 {
		out := make([]string, len(claims.Modules))
		copy(out, claims.Modules)
		return out
	}
	return license.ModulesForPlan(claims.Plan)
}
