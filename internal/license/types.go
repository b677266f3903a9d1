// Package license holds the authoritative license record and the
// compile-time plan and module tables shared by the server and the embedded
// client validator.
package license

import (
	"sort"
	"time"
)

// Plan is a license plan tier.
type Plan string

const (
	PlanDemo       Plan = "demo"
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// Status is a license lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// Module constants name the feature units gated by licenses.
const (
	ModuleBasicFeatures   = "basic_features"
	ModuleAdvancedSearch  = "advanced_search"
	ModuleAnalytics       = "analytics"
	ModuleAPIAccess       = "api_access"
	ModulePrioritySupport = "priority_support"
	ModuleSSO             = "sso"
	ModuleAuditExport     = "audit_export"
)

// PlanModules maps each plan to its included modules. This table is the single
// source of truth for both the server and the embedded client validator.
var PlanModules = map[Plan][]string{
	PlanDemo:  {ModuleBasicFeatures},
	PlanBasic: {ModuleBasicFeatures, ModuleAdvancedSearch},
	PlanPremium: {
		ModuleBasicFeatures, ModuleAdvancedSearch, ModuleAnalytics,
		ModuleAPIAccess, ModulePrioritySupport,
	},
	PlanEnterprise: {
		ModuleBasicFeatures, ModuleAdvancedSearch, ModuleAnalytics,
		ModuleAPIAccess, ModulePrioritySupport, ModuleSSO, ModuleAuditExport,
	},
}

// PlanMaxUsers maps each plan to its seat limit. Zero means unlimited.
var PlanMaxUsers = map[Plan]int{
	PlanDemo:       1,
	PlanBasic:      5,
	PlanPremium:    50,
	PlanEnterprise: 0,
}

// ValidPlan reports whether p is a known plan.
func ValidPlan(p Plan) bool {
	_, ok := PlanModules[p]
	return ok
}

// ValidModule reports whether name is a known module tag.
func ValidModule(name string) bool {
	for _, m := range PlanModules[PlanEnterprise] {
		if m == name {
			return true
		}
	}
	return false
}

// ModulesForPlan returns a sorted copy of the module set for plan.
func ModulesForPlan(p Plan) []string {
	src := PlanModules[p]
	out := make([]string, len(src))
	copy(out, src)
	sort.Strings(out)
	return out
}

// ModulesEqual compares two module sets ignoring order.
func ModulesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, m := range a {
		seen[m]++
	}
	for _, m := range b {
		seen[m]--
		if seen[m] < 0 {
			return false
		}
	}
	return true
}

// MaxActivityEntries bounds the per-license activity ring.
const MaxActivityEntries = 200

// ActivityEntry is one entry in a license's bounded activity ring.
type ActivityEntry struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	IP        string    `json:"ip,omitempty"`
	Meta      string    `json:"meta,omitempty"`
}

// License is the authoritative record entitling one installation to a plan's
// modules until an expiry. One record per client_id.
type License struct {
	ClientID       string    `json:"client_id"`
	Plan           Plan      `json:"plan"`
	Status         Status    `json:"status"`
	ActiveModules  []string  `json:"active_modules"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastCheck      time.Time `json:"last_check,omitzero"`
	LastActivity   time.Time `json:"last_activity,omitzero"`
	MaxUsers       int       `json:"max_users"`
	CompanyName    string    `json:"company_name,omitempty"`
	ContactEmail   string    `json:"contact_email,omitempty"`
	CurrentTokenID string    `json:"current_token_id"`
}

// DaysRemaining returns whole days until expiry, floored at zero.
func (l *License) DaysRemaining(now time.Time) int {
	remaining := l.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Hours() / 24)
}

// HasModule reports whether the license currently grants module name.
func (l *License) HasModule(name string) bool {
	for _, m := range l.ActiveModules {
		if m == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (l *License) Clone() *License {
	cp := *l
	cp.ActiveModules = make([]string, len(l.ActiveModules))
	copy(cp.ActiveModules, l.ActiveModules)
	return &cp
}

// CheckInvariants verifies the record-level invariants that must hold after
// every committed mutation. The store re-checks these as defense in depth.
func (l *License) CheckInvariants() error {
	if !ValidPlan(l.Plan) {
		return ErrInvalidPlan
	}
	switch l.Status {
	case StatusActive:
		// Module membership may diverge from the plan table through an
		// administrative override; the validator repairs drift on the read
		// path. Every granted module must still be a known tag.
		for _, m := range l.ActiveModules {
			if !ValidModule(m) {
				return ErrUnknownModule
			}
		}
	case StatusInactive, StatusRevoked:
		if len(l.ActiveModules) != 0 {
			return ErrModulesDrift
		}
	case StatusExpired:
		// Expired licenses keep only the basic feature tag.
	default:
		return ErrInvalidStatus
	}
	if l.ExpiresAt.Before(l.CreatedAt) {
		return ErrExpiryBeforeCreation
	}
	return nil
}
