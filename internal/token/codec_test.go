package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyline-io/keyline/internal/ids"
	"github.com/keyline-io/keyline/internal/license"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// memRefreshSet is an in-memory RefreshSet for codec tests.
type memRefreshSet struct {
	tokens map[string]time.Time
}

func newMemRefreshSet() *memRefreshSet {
	return &memRefreshSet{tokens: make(map[string]time.Time)}
}

func (m *memRefreshSet) AddRefreshToken(tokenID, clientID string, expiresAt time.Time) error {
	m.tokens[tokenID] = expiresAt
	return nil
}

func (m *memRefreshSet) HasRefreshToken(tokenID string, now time.Time) (bool, error) {
	exp, ok := m.tokens[tokenID]
	return ok && now.Before(exp), nil
}

func (m *memRefreshSet) DeleteRefreshToken(tokenID string) error {
	delete(m.tokens, tokenID)
	return nil
}

func newTestCodec(t *testing.T, clock ids.Clock, set RefreshSet) *Codec {
	t.Helper()
	c, err := NewCodec(Config{
		Secret:     testSecret,
		Clock:      clock,
		RefreshSet: set,
		AccessTTL:  24 * time.Hour,
		RefreshTTL: 365 * 24 * time.Hour,
	})
	require.NoError(t, err)
	return c
}

func TestNewCodecRequiresSecret(t *testing.T) {
	_, err := NewCodec(Config{})
	assert.Error(t, err)
}

func TestSignVerifyRoundtrip(t *testing.T) {
	clock := ids.NewManualClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCodec(t, clock, nil)

	modules := license.ModulesForPlan(license.PlanPremium)
	signed, tokenID, err := c.Sign("client-1", license.PlanPremium, modules, KindAccess, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tokenID)

	claims, err := c.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, license.PlanPremium, claims.Plan)
	assert.Equal(t, KindAccess, claims.Kind)
	assert.Equal(t, tokenID, claims.ID)
	assert.ElementsMatch(t, modules, claims.Modules)
	assert.Equal(t, Issuer, claims.Issuer)
}

func TestRefreshTokensCarryNoModules(t *testing.T) {
	clock := ids.NewManualClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCodec(t, clock, nil)

	signed, _, err := c.Sign("client-1", license.PlanPremium, license.ModulesForPlan(license.PlanPremium), KindRefresh, time.Hour)
	require.NoError(t, err)

	claims, err := c.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, KindRefresh, claims.Kind)
	assert.Empty(t, claims.Modules)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	clock := ids.NewManualClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCodec(t, clock, nil)

	other, err := NewCodec(Config{Secret: "another-secret-another-secret-32", Clock: clock})
	require.NoError(t, err)

	signed, _, err := other.Sign("client-1", license.PlanBasic, nil, KindAccess, time.Hour)
	require.NoError(t, err)

	_, err = c.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyExpiredWithLeeway(t *testing.T) {
	clock := ids.NewManualClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCodec(t, clock, nil)

	signed, _, err := c.Sign("client-1", license.PlanBasic, nil, KindAccess, time.Hour)
	require.NoError(t, err)

	// Just past expiry but inside the leeway window: still verifies.
	clock.Advance(time.Hour + VerifyLeeway/2)
	_, err = c.Verify(signed)
	assert.NoError(t, err)

	// Past the leeway: expired.
	clock.Advance(VerifyLeeway)
	_, err = c.Verify(signed)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	clock := ids.NewManualClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCodec(t, clock, nil)

	_, err := c.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrMalformedClaims)
}

func TestIssuePairRecordsRefreshID(t *testing.T) {
	clock := ids.NewManualClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	set := newMemRefreshSet()
	c := newTestCodec(t, clock, set)

	pair, err := c.IssuePair("client-1", license.PlanPremium, license.ModulesForPlan(license.PlanPremium))
	require.NoError(t, err)
	assert.NotEmpty(t, pair.Access)
	assert.NotEmpty(t, pair.Refresh)
	assert.NotEqual(t, pair.AccessID, pair.RefreshID)
	assert.Equal(t, 24*time.Hour, pair.ExpiresIn)

	live, err := set.HasRefreshToken(pair.RefreshID, clock.Now())
	require.NoError(t, err)
	assert.True(t, live)
}

func TestRefreshToAccessUsesServerEntitlements(t *testing.T) {
	clock := ids.NewManualClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	set := newMemRefreshSet()
	c := newTestCodec(t, clock, set)

	pair, err := c.IssuePair("client-1", license.PlanBasic, license.ModulesForPlan(license.PlanBasic))
	require.NoError(t, err)

	// The server record has moved to premium since the refresh was minted.
	access, accessID, err := c.RefreshToAccess(pair.Refresh, license.PlanPremium, license.ModulesForPlan(license.PlanPremium))
	require.NoError(t, err)
	require.NotEmpty(t, accessID)

	claims, err := c.Verify(access)
	require.NoError(t, err)
	assert.Equal(t, license.PlanPremium, claims.Plan)
	assert.ElementsMatch(t, license.ModulesForPlan(license.PlanPremium), claims.Modules)
}

func TestRefreshToAccessRejectsAccessToken(t *testing.T) {
	clock := ids.NewManualClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCodec(t, clock, newMemRefreshSet())

	pair, err := c.IssuePair("client-1", license.PlanBasic, nil)
	require.NoError(t, err)

	_, _, err = c.RefreshToAccess(pair.Access, license.PlanBasic, nil)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRefreshToAccessRejectsUntrackedToken(t *testing.T) {
	clock := ids.NewManualClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	set := newMemRefreshSet()
	c := newTestCodec(t, clock, set)

	pair, err := c.IssuePair("client-1", license.PlanBasic, nil)
	require.NoError(t, err)

	require.NoError(t, set.DeleteRefreshToken(pair.RefreshID))
	_, _, err = c.RefreshToAccess(pair.Refresh, license.PlanBasic, nil)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRevokeRefresh(t *testing.T) {
	clock := ids.NewManualClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	set := newMemRefreshSet()
	c := newTestCodec(t, clock, set)

	pair, err := c.IssuePair("client-1", license.PlanBasic, nil)
	require.NoError(t, err)

	clientID, err := c.RevokeRefresh(pair.Refresh)
	require.NoError(t, err)
	assert.Equal(t, "client-1", clientID)

	// Second revoke reports invalid: the token is no longer live.
	_, err = c.RevokeRefresh(pair.Refresh)
	assert.ErrorIs(t, err, ErrInvalidRefresh)

	_, _, err = c.RefreshToAccess(pair.Refresh, license.PlanBasic, nil)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}
