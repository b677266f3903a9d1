// Package licensing implements the license lifecycle: the single-writer
// service that owns every mutation, and the validator consulted on every
// check. State lives in internal/store; this package owns the transitions.
package licensing

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keyline-io/keyline/internal/bus"
	"github.com/keyline-io/keyline/internal/ids"
	"github.com/keyline-io/keyline/internal/license"
	"github.com/keyline-io/keyline/internal/store"
	"github.com/keyline-io/keyline/internal/token"
	"github.com/keyline-io/keyline/pkg/audit"
)

// Actions published on the bus alongside license_update events.
const (
	ActionCreated        = "created"
	ActionToggled        = "toggled"
	ActionExtended       = "extended"
	ActionPlanChanged    = "plan_changed"
	ActionModulesUpdated = "modules_updated"
	ActionRevoked        = "revoked"
	ActionDeleted        = "deleted"
	ActionExpired        = "expired"
)

// Actor identifies who performed a mutation, for the audit trail.
type Actor struct {
	Name string
	IP   string
}

// SystemActor is used for scheduler and validator-reactive transitions.
var SystemActor = Actor{Name: "system"}

// Service is the single writer for license and revocation state. Every
// mutation is serialized per client_id, audited exactly once, and published
// to the bus after commit.
type Service struct {
	store  *store.Store
	codec  *token.Codec
	bus    *bus.Bus
	clock  ids.Clock
	logger audit.Logger
}

// NewService wires the service to its collaborators.
func NewService(st *store.Store, codec *token.Codec, b *bus.Bus, clock ids.Clock, logger audit.Logger) *Service {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	if logger == nil {
		logger = audit.GetLogger()
	}
	return &Service{store: st, codec: codec, bus: b, clock: clock, logger: logger}
}

// Store exposes the underlying store for read-only collaborators.
func (s *Service) Store() *store.Store { return s.store }

// Codec exposes the token codec for the API layer.
func (s *Service) Codec() *token.Codec { return s.codec }

// Clock exposes the service clock.
func (s *Service) Clock() ids.Clock { return s.clock }

// legalTransitions encodes the status state machine. Revoked is terminal;
// expired returns to active only through Extend.
var legalTransitions = map[license.Status][]license.Status{
	license.StatusActive:   {license.StatusInactive, license.StatusExpired, license.StatusRevoked},
	license.StatusInactive: {license.StatusActive, license.StatusRevoked},
	license.StatusExpired:  {license.StatusActive, license.StatusRevoked},
	license.StatusRevoked:  {},
}

func transitionAllowed(from, to license.Status) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	ClientID     string // generated when empty
	Plan         license.Plan
	CompanyName  string
	ContactEmail string
	TTLDays      int // default 365
}

// Create provisions a new license and issues its first token pair.
func (s *Service) Create(p CreateParams, actor Actor) (*license.License, *token.Pair, error) {
	if !license.ValidPlan(p.Plan) {
		return nil, nil, license.ErrInvalidPlan
	}
	clientID := strings.TrimSpace(p.ClientID)
	if clientID == "" {
		clientID = ids.NewClientID()
	}
	ttlDays := p.TTLDays
	if ttlDays <= 0 {
		ttlDays = 365
	}

	unlock := s.store.LockClient(clientID)
	defer unlock()

	if _, err := s.store.Get(clientID); err == nil {
		return nil, nil, license.ErrAlreadyExists
	}

	now := s.clock.Now()
	lic := &license.License{
		ClientID:      clientID,
		Plan:          p.Plan,
		Status:        license.StatusActive,
		ActiveModules: license.ModulesForPlan(p.Plan),
		ExpiresAt:     now.Add(time.Duration(ttlDays) * 24 * time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxUsers:      license.PlanMaxUsers[p.Plan],
		CompanyName:   strings.TrimSpace(p.CompanyName),
		ContactEmail:  strings.TrimSpace(p.ContactEmail),
	}

	pair, err := s.codec.IssuePair(clientID, lic.Plan, lic.ActiveModules)
	if err != nil {
		return nil, nil, fmt.Errorf("issue token pair: %w", err)
	}
	lic.CurrentTokenID = pair.AccessID

	if err := s.store.Put(lic); err != nil {
		return nil, nil, err
	}

	s.recordActivity(lic.ClientID, "created", actor.IP, string(p.Plan))
	s.auditMutation(audit.KindCreation, lic.ClientID, actor, true, fmt.Sprintf("plan=%s ttl_days=%d", p.Plan, ttlDays))
	s.publish(lic, ActionCreated)
	return lic.Clone(), pair, nil
}

// Toggle flips a license between active and inactive. Deactivation revokes
// the current token; reactivation restores the plan's modules and reissues.
func (s *Service) Toggle(clientID string, actor Actor) (*license.License, *token.Pair, error) {
	unlock := s.store.LockClient(clientID)
	defer unlock()

	lic, err := s.store.Get(clientID)
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	var pair *token.Pair

	switch lic.Status {
	case license.StatusActive:
		lic.Status = license.StatusInactive
		lic.ActiveModules = []string{}
		if lic.CurrentTokenID != "" {
			if err := s.store.Revoke(lic.CurrentTokenID, clientID, "deactivated", "license toggled inactive", now); err != nil {
				return nil, nil, err
			}
		}
		if err := s.store.DeleteRefreshTokensForClient(clientID); err != nil {
			return nil, nil, err
		}
		lic.CurrentTokenID = ""
	case license.StatusInactive:
		lic.Status = license.StatusActive
		lic.ActiveModules = license.ModulesForPlan(lic.Plan)
		pair, err = s.codec.IssuePair(clientID, lic.Plan, lic.ActiveModules)
		if err != nil {
			return nil, nil, fmt.Errorf("issue token pair: %w", err)
		}
		lic.CurrentTokenID = pair.AccessID
	default:
		return nil, nil, license.ErrIllegalTransition
	}

	lic.UpdatedAt = now
	if err := s.store.Put(lic); err != nil {
		return nil, nil, err
	}

	s.recordActivity(clientID, "toggled", actor.IP, string(lic.Status))
	s.auditMutation(audit.KindToggle, clientID, actor, true, "status="+string(lic.Status))
	s.publish(lic, ActionToggled)
	return lic.Clone(), pair, nil
}

// Extend pushes the expiry forward by days. An expired license returns to
// active with its plan's modules restored; warn flags are cleared so the new
// window can warn again.
func (s *Service) Extend(clientID string, days int, actor Actor) (*license.License, *token.Pair, error) {
	if days <= 0 {
		return nil, nil, license.ErrNonPositiveDays
	}

	unlock := s.store.LockClient(clientID)
	defer unlock()

	lic, err := s.store.Get(clientID)
	if err != nil {
		return nil, nil, err
	}
	if lic.Status == license.StatusRevoked {
		return nil, nil, license.ErrIllegalTransition
	}

	now := s.clock.Now()
	lic.ExpiresAt = lic.ExpiresAt.Add(time.Duration(days) * 24 * time.Hour)
	if lic.Status == license.StatusExpired && lic.ExpiresAt.After(now) {
		lic.Status = license.StatusActive
		lic.ActiveModules = license.ModulesForPlan(lic.Plan)
	}

	pair, err := s.codec.IssuePair(clientID, lic.Plan, lic.ActiveModules)
	if err != nil {
		return nil, nil, fmt.Errorf("issue token pair: %w", err)
	}
	lic.CurrentTokenID = pair.AccessID
	lic.UpdatedAt = now

	if err := s.store.Put(lic); err != nil {
		return nil, nil, err
	}
	if err := s.store.ClearWarnFlags(clientID); err != nil {
		return nil, nil, err
	}

	s.recordActivity(clientID, "extended", actor.IP, fmt.Sprintf("days=%d", days))
	s.auditMutation(audit.KindExtension, clientID, actor, true, fmt.Sprintf("days=%d expires_at=%s", days, lic.ExpiresAt.Format(time.RFC3339)))
	s.publish(lic, ActionExtended)
	return lic.Clone(), pair, nil
}

// UpdatePlan changes the plan and resets modules to the plan's set.
func (s *Service) UpdatePlan(clientID string, plan license.Plan, actor Actor) (*license.License, *token.Pair, error) {
	if !license.ValidPlan(plan) {
		return nil, nil, license.ErrInvalidPlan
	}

	unlock := s.store.LockClient(clientID)
	defer unlock()

	lic, err := s.store.Get(clientID)
	if err != nil {
		return nil, nil, err
	}

	oldPlan := lic.Plan
	lic.Plan = plan
	lic.MaxUsers = license.PlanMaxUsers[plan]

	var pair *token.Pair
	if lic.Status == license.StatusActive {
		lic.ActiveModules = license.ModulesForPlan(plan)
		pair, err = s.codec.IssuePair(clientID, lic.Plan, lic.ActiveModules)
		if err != nil {
			return nil, nil, fmt.Errorf("issue token pair: %w", err)
		}
		lic.CurrentTokenID = pair.AccessID
	}
	lic.UpdatedAt = s.clock.Now()

	if err := s.store.Put(lic); err != nil {
		return nil, nil, err
	}

	s.recordActivity(clientID, "plan_changed", actor.IP, fmt.Sprintf("%s->%s", oldPlan, plan))
	s.auditMutation(audit.KindPlanChange, clientID, actor, true, fmt.Sprintf("from=%s to=%s", oldPlan, plan))
	s.publish(lic, ActionPlanChanged)
	return lic.Clone(), pair, nil
}

// SetModule adds or removes a single module as an administrative override,
// without changing the plan. The current token is reissued so the token
// payload never lags the server record.
func (s *Service) SetModule(clientID, module string, enabled bool, actor Actor) (*license.License, *token.Pair, error) {
	if !license.ValidModule(module) {
		return nil, nil, license.ErrUnknownModule
	}

	unlock := s.store.LockClient(clientID)
	defer unlock()

	lic, err := s.store.Get(clientID)
	if err != nil {
		return nil, nil, err
	}

	modules := make([]string, 0, len(lic.ActiveModules)+1)
	for _, m := range lic.ActiveModules {
		if m != module {
			modules = append(modules, m)
		}
	}
	if enabled {
		modules = append(modules, module)
	}
	lic.ActiveModules = modules

	var pair *token.Pair
	if lic.Status == license.StatusActive {
		pair, err = s.codec.IssuePair(clientID, lic.Plan, lic.ActiveModules)
		if err != nil {
			return nil, nil, fmt.Errorf("issue token pair: %w", err)
		}
		lic.CurrentTokenID = pair.AccessID
	}
	lic.UpdatedAt = s.clock.Now()

	if err := s.store.Put(lic); err != nil {
		return nil, nil, err
	}

	s.recordActivity(clientID, "modules_updated", actor.IP, fmt.Sprintf("%s=%t", module, enabled))
	s.auditMutation(audit.KindModulesUpdate, clientID, actor, true, fmt.Sprintf("module=%s enabled=%t", module, enabled))
	s.publish(lic, ActionModulesUpdated)
	return lic.Clone(), pair, nil
}

// IssueTokenPair mints a fresh access/refresh pair for an active license.
// The record's current token id follows the newest access token. Not a
// lifecycle mutation: audited, but no bus event.
func (s *Service) IssueTokenPair(clientID string, actor Actor) (*token.Pair, error) {
	unlock := s.store.LockClient(clientID)
	defer unlock()

	lic, err := s.store.Get(clientID)
	if err != nil {
		return nil, err
	}
	if lic.Status != license.StatusActive {
		return nil, license.ErrInactive
	}

	pair, err := s.codec.IssuePair(clientID, lic.Plan, lic.ActiveModules)
	if err != nil {
		return nil, fmt.Errorf("issue token pair: %w", err)
	}
	lic.CurrentTokenID = pair.AccessID
	lic.UpdatedAt = s.clock.Now()

	if err := s.store.Put(lic); err != nil {
		return nil, err
	}

	s.auditMutation(audit.KindTokenIssue, clientID, actor, true, "token pair issued")
	return pair, nil
}

// RefreshAccess exchanges a live refresh token for a fresh access token
// carrying the server record's current entitlements.
func (s *Service) RefreshAccess(refreshToken string) (string, time.Duration, error) {
	claims, err := s.codec.Verify(refreshToken)
	if err != nil || claims.Kind != token.KindRefresh {
		return "", 0, token.ErrInvalidRefresh
	}

	unlock := s.store.LockClient(claims.ClientID)
	defer unlock()

	lic, err := s.store.Get(claims.ClientID)
	if err != nil {
		return "", 0, token.ErrInvalidRefresh
	}
	if lic.Status != license.StatusActive {
		return "", 0, token.ErrInvalidRefresh
	}

	access, accessID, err := s.codec.RefreshToAccess(refreshToken, lic.Plan, lic.ActiveModules)
	if err != nil {
		return "", 0, err
	}
	lic.CurrentTokenID = accessID
	lic.UpdatedAt = s.clock.Now()
	if err := s.store.Put(lic); err != nil {
		return "", 0, err
	}

	s.auditMutation(audit.KindTokenRefresh, claims.ClientID, Actor{Name: "client"}, true, "access token refreshed")
	return access, s.codec.AccessTTL(), nil
}

// RevokeRefresh removes a refresh token from the live set.
func (s *Service) RevokeRefresh(refreshToken string, actor Actor) error {
	clientID, err := s.codec.RevokeRefresh(refreshToken)
	if err != nil {
		return err
	}
	s.auditMutation(audit.KindTokenRefresh, clientID, actor, true, "refresh token revoked")
	return nil
}

// Revoke invalidates the current token for the remainder of its lifetime and
// moves the license to its terminal state.
func (s *Service) Revoke(clientID, reason, description string, actor Actor) (*license.License, error) {
	unlock := s.store.LockClient(clientID)
	defer unlock()

	lic, err := s.store.Get(clientID)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(lic.Status, license.StatusRevoked) {
		return nil, license.ErrIllegalTransition
	}

	now := s.clock.Now()
	if lic.CurrentTokenID != "" {
		if err := s.store.Revoke(lic.CurrentTokenID, clientID, reason, description, now); err != nil {
			return nil, err
		}
	}
	if err := s.store.DeleteRefreshTokensForClient(clientID); err != nil {
		return nil, err
	}

	lic.Status = license.StatusRevoked
	lic.ActiveModules = []string{}
	lic.UpdatedAt = now

	if err := s.store.Put(lic); err != nil {
		return nil, err
	}

	s.recordActivity(clientID, "revoked", actor.IP, reason)
	s.auditMutation(audit.KindRevocation, clientID, actor, true, "reason="+reason)
	s.publish(lic, ActionRevoked)
	return lic.Clone(), nil
}

// Delete removes the license record entirely.
func (s *Service) Delete(clientID string, actor Actor) error {
	unlock := s.store.LockClient(clientID)
	defer unlock()

	lic, err := s.store.Get(clientID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(clientID); err != nil {
		return err
	}

	s.auditMutation(audit.KindDeletion, clientID, actor, true, "")
	s.publish(lic, ActionDeleted)
	return nil
}

// Expire forces an active license past its deadline into expired status,
// reducing modules to the basic tag. Token reissue is suppressed: the old
// token dies with the expiry. Idempotent; a non-active license is untouched.
func (s *Service) Expire(clientID string) (*license.License, error) {
	unlock := s.store.LockClient(clientID)
	defer unlock()

	lic, err := s.store.Get(clientID)
	if err != nil {
		return nil, err
	}
	if lic.Status != license.StatusActive {
		return lic.Clone(), nil
	}

	lic.Status = license.StatusExpired
	lic.ActiveModules = []string{license.ModuleBasicFeatures}
	lic.UpdatedAt = s.clock.Now()

	if err := s.store.Put(lic); err != nil {
		return nil, err
	}

	s.auditMutation(audit.KindScheduler, clientID, SystemActor, true, "transition=expired")
	s.publish(lic, ActionExpired)
	return lic.Clone(), nil
}

// ReconcileRevoked aligns a license whose current token appears on the
// revocation list but whose status never transitioned. This is a reactive
// mutation triggered from the validation read path.
func (s *Service) ReconcileRevoked(clientID string) {
	unlock := s.store.LockClient(clientID)
	defer unlock()

	lic, err := s.store.Get(clientID)
	if err != nil || lic.Status == license.StatusRevoked {
		return
	}

	lic.Status = license.StatusRevoked
	lic.ActiveModules = []string{}
	lic.UpdatedAt = s.clock.Now()

	if err := s.store.Put(lic); err != nil {
		log.Error().Err(err).Str("client", clientID).Msg("Failed to reconcile revoked license")
		return
	}
	s.auditMutation(audit.KindRevocation, clientID, SystemActor, true, "reconciled from revocation list")
	s.publish(lic, ActionRevoked)
}

// RepairModules restores active_modules to the plan's set when drift is
// detected on the read path. Auto-repair, not an error to the caller.
func (s *Service) RepairModules(clientID string) (*license.License, error) {
	unlock := s.store.LockClient(clientID)
	defer unlock()

	lic, err := s.store.Get(clientID)
	if err != nil {
		return nil, err
	}
	if lic.Status != license.StatusActive || license.ModulesEqual(lic.ActiveModules, license.PlanModules[lic.Plan]) {
		return lic.Clone(), nil
	}

	lic.ActiveModules = license.ModulesForPlan(lic.Plan)
	pair, err := s.codec.IssuePair(clientID, lic.Plan, lic.ActiveModules)
	if err != nil {
		return nil, fmt.Errorf("issue token pair: %w", err)
	}
	lic.CurrentTokenID = pair.AccessID
	lic.UpdatedAt = s.clock.Now()

	if err := s.store.Put(lic); err != nil {
		return nil, err
	}

	s.auditMutation(audit.KindModulesUpdate, clientID, SystemActor, true, "auto-repaired module drift")
	s.publish(lic, ActionModulesUpdated)
	return lic.Clone(), nil
}

// TouchCheck records a successful validation on the license record and its
// activity ring. Not a lifecycle mutation: no event, no token reissue.
func (s *Service) TouchCheck(clientID, ip string) {
	unlock := s.store.LockClient(clientID)
	defer unlock()

	lic, err := s.store.Get(clientID)
	if err != nil {
		return
	}
	now := s.clock.Now()
	lic.LastCheck = now
	lic.LastActivity = now
	if err := s.store.Put(lic); err != nil {
		log.Error().Err(err).Str("client", clientID).Msg("Failed to record license check")
		return
	}
	s.recordActivity(clientID, "check", ip, "")
}

func (s *Service) recordActivity(clientID, kind, ip, meta string) {
	entry := license.ActivityEntry{Timestamp: s.clock.Now(), Kind: kind, IP: ip, Meta: meta}
	if err := s.store.AppendActivity(clientID, entry); err != nil {
		log.Error().Err(err).Str("client", clientID).Msg("Failed to append activity entry")
	}
}

func (s *Service) auditMutation(kind, clientID string, actor Actor, success bool, payload string) {
	ev := audit.Event{
		ID:        ids.NewAuditID(s.clock.Now()),
		Timestamp: s.clock.Now(),
		EventType: kind,
		ClientID:  clientID,
		Actor:     actor.Name,
		IP:        actor.IP,
		Success:   success,
		Severity:  audit.SeverityLow,
		Payload:   payload,
	}
	if err := s.logger.Log(ev); err != nil {
		log.Error().Err(err).Str("event", kind).Msg("Failed to write audit event")
	}
}

// publish emits the post-commit license_update event for a mutation.
func (s *Service) publish(lic *license.License, action string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Type:     bus.TypeLicenseUpdate,
		Action:   action,
		ClientID: lic.ClientID,
		Payload:  NewView(lic, s.clock.Now()),
		Topics: []string{
			bus.TopicLicense(lic.ClientID),
			bus.TopicPlan(string(lic.Plan)),
			bus.TopicAdmin,
		},
		Timestamp: s.clock.Now(),
	})
}

// RecoverEvents replays the audit tail as bus events at startup, covering a
// crash between commit and publish. Subscribers reconcile via check anyway;
// the replay just shortens the window.
func (s *Service) RecoverEvents(since time.Duration) {
	start := s.clock.Now().Add(-since)
	events, err := s.logger.Query(audit.QueryFilter{StartTime: &start})
	if err != nil {
		log.Error().Err(err).Msg("Failed to query audit tail for event recovery")
		return
	}

	kinds := map[string]string{
		audit.KindCreation:      ActionCreated,
		audit.KindToggle:        ActionToggled,
		audit.KindExtension:     ActionExtended,
		audit.KindPlanChange:    ActionPlanChanged,
		audit.KindModulesUpdate: ActionModulesUpdated,
		audit.KindRevocation:    ActionRevoked,
	}

	replayed := 0
	for i := len(events) - 1; i >= 0; i-- { // oldest first
		ev := events[i]
		action, ok := kinds[ev.EventType]
		if !ok || ev.ClientID == "" {
			continue
		}
		lic, err := s.store.Get(ev.ClientID)
		if err != nil {
			continue
		}
		s.publish(lic, action)
		replayed++
	}
	if replayed > 0 {
		log.Info().Int("events", replayed).Msg("Replayed audit tail to bus subscribers")
	}
}
