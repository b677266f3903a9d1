package licensing

import (
	"time"

	"github.com/keyline-io/keyline/internal/license"
)

// View is the client-facing projection of a license record. It is the payload
// of license_update bus events and the license object in API responses.
type View struct {
	ClientID      string         `json:"client_id"`
	Plan          license.Plan   `json:"plan"`
	Status        license.Status `json:"status"`
	Modules       []string       `json:"modules"`
	ExpiresAt     time.Time      `json:"expires_at"`
	DaysRemaining int            `json:"days_remaining"`
	MaxUsers      int            `json:"max_users"`
	LastCheck     *time.Time     `json:"last_check,omitempty"`
}

// NewView projects a license record for responses and bus payloads.
func NewView(l *license.License, now time.Time) View {
	v := View{
		ClientID:      l.ClientID,
		Plan:          l.Plan,
		Status:        l.Status,
		Modules:       append([]string{}, l.ActiveModules...),
		ExpiresAt:     l.ExpiresAt,
		DaysRemaining: l.DaysRemaining(now),
		MaxUsers:      l.MaxUsers,
	}
	if !l.LastCheck.IsZero() {
		lc := l.LastCheck
		v.LastCheck = &lc
	}
	return v
}
