package licensing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyline-io/keyline/internal/bus"
	"github.com/keyline-io/keyline/internal/ids"
	"github.com/keyline-io/keyline/internal/license"
	"github.com/keyline-io/keyline/internal/store"
	"github.com/keyline-io/keyline/internal/token"
	"github.com/keyline-io/keyline/pkg/audit"
)

// memAudit captures audit events in memory for assertions.
type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) Log(ev audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memAudit) Query(filter audit.QueryFilter) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for i := len(m.events) - 1; i >= 0; i-- { // newest first
		ev := m.events[i]
		if filter.StartTime != nil && ev.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if filter.ClientID != "" && ev.ClientID != filter.ClientID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *memAudit) Count(filter audit.QueryFilter) (int, error) {
	events, _ := m.Query(filter)
	return len(events), nil
}

func (m *memAudit) Close() error { return nil }

func (m *memAudit) byKind(kind string) []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, ev := range m.events {
		if ev.EventType == kind {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	svc   *Service
	store *store.Store
	codec *token.Codec
	bus   *bus.Bus
	clock *ids.ManualClock
	audit *memAudit
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := ids.NewManualClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	codec, err := token.NewCodec(token.Config{
		Secret:     "test-secret-test-secret-test-secret!",
		Clock:      clock,
		RefreshSet: st,
		AccessTTL:  24 * time.Hour,
		RefreshTTL: 365 * 24 * time.Hour,
	})
	require.NoError(t, err)

	b := bus.New(16)
	logger := &memAudit{}
	return &harness{
		svc:   NewService(st, codec, b, clock, logger),
		store: st,
		codec: codec,
		bus:   b,
		clock: clock,
		audit: logger,
	}
}

func (h *harness) create(t *testing.T, plan license.Plan, ttlDays int) (*license.License, *token.Pair) {
	t.Helper()
	lic, pair, err := h.svc.Create(CreateParams{Plan: plan, TTLDays: ttlDays}, Actor{Name: "tester"})
	require.NoError(t, err)
	require.NotNil(t, pair)
	return lic, pair
}

func drainEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bus event")
		return bus.Event{}
	}
}

func TestCreateProvisionsActiveLicense(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe("test", bus.TopicAdmin)

	lic, pair := h.create(t, license.PlanPremium, 30)

	assert.NotEmpty(t, lic.ClientID)
	assert.Equal(t, license.StatusActive, lic.Status)
	assert.ElementsMatch(t, license.ModulesForPlan(license.PlanPremium), lic.ActiveModules)
	assert.Equal(t, license.PlanMaxUsers[license.PlanPremium], lic.MaxUsers)
	assert.True(t, lic.ExpiresAt.Equal(h.clock.Now().Add(30*24*time.Hour)))
	assert.Equal(t, pair.AccessID, lic.CurrentTokenID)

	claims, err := h.codec.Verify(pair.Access)
	require.NoError(t, err)
	assert.Equal(t, lic.ClientID, claims.ClientID)
	assert.ElementsMatch(t, lic.ActiveModules, claims.Modules)

	ev := drainEvent(t, sub)
	assert.Equal(t, bus.TypeLicenseUpdate, ev.Type)
	assert.Equal(t, ActionCreated, ev.Action)
	assert.Equal(t, lic.ClientID, ev.ClientID)

	created := h.audit.byKind(audit.KindCreation)
	require.Len(t, created, 1)
	assert.Equal(t, lic.ClientID, created[0].ClientID)
	assert.Equal(t, "tester", created[0].Actor)
}

func TestCreateRejectsDuplicateClientID(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 0)

	_, _, err := h.svc.Create(CreateParams{ClientID: lic.ClientID, Plan: license.PlanBasic}, SystemActor)
	assert.ErrorIs(t, err, license.ErrAlreadyExists)
}

func TestCreateRejectsUnknownPlan(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.Create(CreateParams{Plan: "platinum"}, SystemActor)
	assert.ErrorIs(t, err, license.ErrInvalidPlan)
}

func TestCreateDefaultsTTLToOneYear(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanDemo, 0)
	assert.True(t, lic.ExpiresAt.Equal(h.clock.Now().Add(365*24*time.Hour)))
}

func TestToggleDeactivatesAndReactivates(t *testing.T) {
	h := newHarness(t)
	lic, pair := h.create(t, license.PlanBasic, 30)
	originalModules := append([]string{}, lic.ActiveModules...)

	inactive, deactivatedPair, err := h.svc.Toggle(lic.ClientID, SystemActor)
	require.NoError(t, err)
	assert.Nil(t, deactivatedPair)
	assert.Equal(t, license.StatusInactive, inactive.Status)
	assert.Empty(t, inactive.ActiveModules)
	assert.Empty(t, inactive.CurrentTokenID)

	// Deactivation revokes the outstanding access token and the refresh set.
	_, revoked := h.store.IsRevoked(pair.AccessID)
	assert.True(t, revoked)
	live, err := h.store.HasRefreshToken(pair.RefreshID, h.clock.Now())
	require.NoError(t, err)
	assert.False(t, live)

	active, newPair, err := h.svc.Toggle(lic.ClientID, SystemActor)
	require.NoError(t, err)
	require.NotNil(t, newPair)
	assert.Equal(t, license.StatusActive, active.Status)
	assert.ElementsMatch(t, originalModules, active.ActiveModules)
	assert.NotEqual(t, pair.AccessID, newPair.AccessID)
	assert.Equal(t, newPair.AccessID, active.CurrentTokenID)
}

func TestToggleRevokedRejected(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 30)
	_, err := h.svc.Revoke(lic.ClientID, "policy", "", SystemActor)
	require.NoError(t, err)

	_, _, err = h.svc.Toggle(lic.ClientID, SystemActor)
	assert.ErrorIs(t, err, license.ErrIllegalTransition)
}

func TestToggleNotFound(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.Toggle("missing", SystemActor)
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestExtendPushesExpiryForward(t *testing.T) {
	h := newHarness(t)
	lic, firstPair := h.create(t, license.PlanBasic, 30)
	before := lic.ExpiresAt

	extended, pair, err := h.svc.Extend(lic.ClientID, 60, SystemActor)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.True(t, extended.ExpiresAt.Equal(before.Add(60*24*time.Hour)))
	assert.True(t, extended.ExpiresAt.After(before))
	assert.NotEqual(t, firstPair.AccessID, pair.AccessID)
}

func TestExtendRejectsNonPositiveDays(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 30)

	_, _, err := h.svc.Extend(lic.ClientID, 0, SystemActor)
	assert.ErrorIs(t, err, license.ErrNonPositiveDays)
	_, _, err = h.svc.Extend(lic.ClientID, -3, SystemActor)
	assert.ErrorIs(t, err, license.ErrNonPositiveDays)
}

func TestExtendRevivesExpiredLicense(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanPremium, 10)

	h.clock.Advance(11 * 24 * time.Hour)
	_, err := h.svc.Expire(lic.ClientID)
	require.NoError(t, err)

	revived, pair, err := h.svc.Extend(lic.ClientID, 30, SystemActor)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, license.StatusActive, revived.Status)
	assert.ElementsMatch(t, license.ModulesForPlan(license.PlanPremium), revived.ActiveModules)
	assert.True(t, revived.ExpiresAt.After(h.clock.Now()))
}

func TestExtendClearsWarnFlags(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 5)
	require.NoError(t, h.store.SetWarnFlag(lic.ClientID, 7, h.clock.Now()))

	_, _, err := h.svc.Extend(lic.ClientID, 30, SystemActor)
	require.NoError(t, err)

	flagged, err := h.store.HasWarnFlag(lic.ClientID, 7)
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestExtendRevokedRejected(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 30)
	_, err := h.svc.Revoke(lic.ClientID, "policy", "", SystemActor)
	require.NoError(t, err)

	_, _, err = h.svc.Extend(lic.ClientID, 30, SystemActor)
	assert.ErrorIs(t, err, license.ErrIllegalTransition)
}

func TestUpdatePlanResetsModulesAndReissues(t *testing.T) {
	h := newHarness(t)
	lic, firstPair := h.create(t, license.PlanBasic, 30)

	updated, pair, err := h.svc.UpdatePlan(lic.ClientID, license.PlanEnterprise, SystemActor)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, license.PlanEnterprise, updated.Plan)
	assert.ElementsMatch(t, license.ModulesForPlan(license.PlanEnterprise), updated.ActiveModules)
	assert.Equal(t, license.PlanMaxUsers[license.PlanEnterprise], updated.MaxUsers)
	assert.NotEqual(t, firstPair.AccessID, pair.AccessID)

	claims, err := h.codec.Verify(pair.Access)
	require.NoError(t, err)
	assert.Equal(t, license.PlanEnterprise, claims.Plan)
}

func TestUpdatePlanOnInactiveSkipsReissue(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 30)
	_, _, err := h.svc.Toggle(lic.ClientID, SystemActor)
	require.NoError(t, err)

	updated, pair, err := h.svc.UpdatePlan(lic.ClientID, license.PlanPremium, SystemActor)
	require.NoError(t, err)
	assert.Nil(t, pair)
	assert.Equal(t, license.PlanPremium, updated.Plan)
	assert.Empty(t, updated.ActiveModules)
}

func TestSetModuleOverride(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 30)

	updated, pair, err := h.svc.SetModule(lic.ClientID, license.ModuleSSO, true, SystemActor)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.True(t, updated.HasModule(license.ModuleSSO))

	claims, err := h.codec.Verify(pair.Access)
	require.NoError(t, err)
	assert.Contains(t, claims.Modules, license.ModuleSSO)

	updated, _, err = h.svc.SetModule(lic.ClientID, license.ModuleSSO, false, SystemActor)
	require.NoError(t, err)
	assert.False(t, updated.HasModule(license.ModuleSSO))
}

func TestSetModuleUnknownRejected(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 30)
	_, _, err := h.svc.SetModule(lic.ClientID, "time_travel", true, SystemActor)
	assert.ErrorIs(t, err, license.ErrUnknownModule)
}

func TestIssueTokenPairRequiresActive(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 30)

	pair, err := h.svc.IssueTokenPair(lic.ClientID, SystemActor)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.Access)

	got, err := h.store.Get(lic.ClientID)
	require.NoError(t, err)
	assert.Equal(t, pair.AccessID, got.CurrentTokenID)

	_, _, err = h.svc.Toggle(lic.ClientID, SystemActor)
	require.NoError(t, err)
	_, err = h.svc.IssueTokenPair(lic.ClientID, SystemActor)
	assert.ErrorIs(t, err, license.ErrInactive)
}

func TestRefreshAccessCarriesCurrentEntitlements(t *testing.T) {
	h := newHarness(t)
	lic, pair := h.create(t, license.PlanBasic, 30)

	// Plan upgraded after the refresh token was minted; the new access token
	// reflects the record, not the old claims.
	_, _, err := h.svc.UpdatePlan(lic.ClientID, license.PlanPremium, SystemActor)
	require.NoError(t, err)

	access, ttl, err := h.svc.RefreshAccess(pair.Refresh)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, ttl)

	claims, err := h.codec.Verify(access)
	require.NoError(t, err)
	assert.Equal(t, license.PlanPremium, claims.Plan)
	assert.ElementsMatch(t, license.ModulesForPlan(license.PlanPremium), claims.Modules)

	got, err := h.store.Get(lic.ClientID)
	require.NoError(t, err)
	assert.Equal(t, claims.ID, got.CurrentTokenID)
}

func TestRefreshAccessRejectsInactiveLicense(t *testing.T) {
	h := newHarness(t)
	lic, pair := h.create(t, license.PlanBasic, 30)
	_, _, err := h.svc.Toggle(lic.ClientID, SystemActor)
	require.NoError(t, err)

	_, _, err = h.svc.RefreshAccess(pair.Refresh)
	assert.ErrorIs(t, err, token.ErrInvalidRefresh)

	// The refresh token itself was dropped on deactivation, so reactivating
	// still leaves the old refresh dead.
	_, _, err = h.svc.Toggle(lic.ClientID, SystemActor)
	require.NoError(t, err)
	_, _, err = h.svc.RefreshAccess(pair.Refresh)
	assert.ErrorIs(t, err, token.ErrInvalidRefresh)
}

func TestRefreshAccessRejectsAccessToken(t *testing.T) {
	h := newHarness(t)
	_, pair := h.create(t, license.PlanBasic, 30)
	_, _, err := h.svc.RefreshAccess(pair.Access)
	assert.ErrorIs(t, err, token.ErrInvalidRefresh)
}

func TestRevokeRefreshToken(t *testing.T) {
	h := newHarness(t)
	_, pair := h.create(t, license.PlanBasic, 30)

	require.NoError(t, h.svc.RevokeRefresh(pair.Refresh, SystemActor))
	_, _, err := h.svc.RefreshAccess(pair.Refresh)
	assert.ErrorIs(t, err, token.ErrInvalidRefresh)

	err = h.svc.RevokeRefresh(pair.Refresh, SystemActor)
	assert.ErrorIs(t, err, token.ErrInvalidRefresh)
}

func TestRevokeIsTerminal(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe("test", bus.TopicAdmin)
	lic, pair := h.create(t, license.PlanPremium, 30)
	drainEvent(t, sub) // created

	revoked, err := h.svc.Revoke(lic.ClientID, "policy", "terms breach", Actor{Name: "admin"})
	require.NoError(t, err)
	assert.Equal(t, license.StatusRevoked, revoked.Status)
	assert.Empty(t, revoked.ActiveModules)

	entry, onList := h.store.IsRevoked(pair.AccessID)
	require.True(t, onList)
	assert.Equal(t, "policy", entry.Reason)
	assert.Equal(t, "terms breach", entry.Description)

	ev := drainEvent(t, sub)
	assert.Equal(t, ActionRevoked, ev.Action)

	// Revoked is terminal.
	_, err = h.svc.Revoke(lic.ClientID, "again", "", SystemActor)
	assert.ErrorIs(t, err, license.ErrIllegalTransition)
}

func TestDeleteRemovesRecord(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 30)

	require.NoError(t, h.svc.Delete(lic.ClientID, SystemActor))
	_, err := h.store.Get(lic.ClientID)
	assert.ErrorIs(t, err, license.ErrNotFound)

	assert.ErrorIs(t, h.svc.Delete(lic.ClientID, SystemActor), license.ErrNotFound)
}

func TestExpireReducesModulesAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe("test", bus.TopicAdmin)
	lic, _ := h.create(t, license.PlanEnterprise, 10)
	drainEvent(t, sub) // created

	h.clock.Advance(11 * 24 * time.Hour)

	expired, err := h.svc.Expire(lic.ClientID)
	require.NoError(t, err)
	assert.Equal(t, license.StatusExpired, expired.Status)
	assert.Equal(t, []string{license.ModuleBasicFeatures}, expired.ActiveModules)

	ev := drainEvent(t, sub)
	assert.Equal(t, ActionExpired, ev.Action)

	// Second expire is a no-op: no further event, no change.
	again, err := h.svc.Expire(lic.ClientID)
	require.NoError(t, err)
	assert.Equal(t, license.StatusExpired, again.Status)
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %s/%s after idempotent expire", ev.Type, ev.Action)
	case <-time.After(50 * time.Millisecond):
	}

	schedulerEvents := h.audit.byKind(audit.KindScheduler)
	assert.Len(t, schedulerEvents, 1)
}

func TestTouchCheckRecordsTimestamps(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 30)

	h.clock.Advance(time.Hour)
	h.svc.TouchCheck(lic.ClientID, "10.0.0.1")

	got, err := h.store.Get(lic.ClientID)
	require.NoError(t, err)
	assert.True(t, got.LastCheck.Equal(h.clock.Now()))
	assert.True(t, got.LastActivity.Equal(h.clock.Now()))

	activity, err := h.store.Activity(lic.ClientID, 1)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, "check", activity[0].Kind)
	assert.Equal(t, "10.0.0.1", activity[0].IP)
}

func TestEveryMutationAuditedExactlyOnce(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 30)
	_, _, err := h.svc.Extend(lic.ClientID, 30, SystemActor)
	require.NoError(t, err)
	_, _, err = h.svc.UpdatePlan(lic.ClientID, license.PlanPremium, SystemActor)
	require.NoError(t, err)
	_, err = h.svc.Revoke(lic.ClientID, "policy", "", SystemActor)
	require.NoError(t, err)

	for _, kind := range []string{audit.KindCreation, audit.KindExtension, audit.KindPlanChange, audit.KindRevocation} {
		assert.Len(t, h.audit.byKind(kind), 1, kind)
	}
}

func TestRecoverEventsReplaysAuditTail(t *testing.T) {
	h := newHarness(t)
	lic, _ := h.create(t, license.PlanBasic, 30)
	_, _, err := h.svc.Extend(lic.ClientID, 30, SystemActor)
	require.NoError(t, err)

	// A subscriber that connected after the mutations (e.g. post-crash).
	sub := h.bus.Subscribe("late", bus.TopicAdmin)
	h.svc.RecoverEvents(time.Hour)

	first := drainEvent(t, sub)
	second := drainEvent(t, sub)
	assert.Equal(t, ActionCreated, first.Action)
	assert.Equal(t, ActionExtended, second.Action)
	assert.Equal(t, lic.ClientID, first.ClientID)
}
