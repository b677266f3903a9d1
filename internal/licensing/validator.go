package licensing

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keyline-io/keyline/internal/ids"
	"github.com/keyline-io/keyline/internal/license"
	"github.com/keyline-io/keyline/internal/store"
	"github.com/keyline-io/keyline/internal/token"
	"github.com/keyline-io/keyline/pkg/audit"
)

// Validation outcome codes, as they appear on the wire.
const (
	CodeLicenseNotFound = "LICENSE_NOT_FOUND"
	CodeInvalidToken    = "INVALID_TOKEN"
	CodeLicenseExpired  = "LICENSE_EXPIRED"
	CodeLicenseRevoked  = "LICENSE_REVOKED"
	CodeLicenseInactive = "LICENSE_INACTIVE"
)

// CheckResult is the outcome of validating a presented token against the
// authoritative record.
type CheckResult struct {
	Valid   bool
	Code    string // empty when Valid
	License *license.License

	// Populated for the expired and revoked outcomes.
	ExpiresAt time.Time
	RevokedAt time.Time
	Reason    string

	// ClientMismatch marks a verified token presented for a client_id other
	// than the one in its claims. Audited as a security violation.
	ClientMismatch bool
}

// Reaction names the single mutation a validation outcome may trigger on the
// record. The classifier itself never mutates; the caller applies these.
type Reaction int

const (
	ReactNone Reaction = iota
	ReactExpire
	ReactReconcileRevoked
	ReactRepairModules
)

// ValidationInput carries everything the classifier needs, already fetched.
type ValidationInput struct {
	ClientID   string
	License    *license.License // nil when no record exists
	Claims     *token.Claims // nil when verification failed
	VerifyErr  error
	Revocation *store.RevocationEntry // non-nil when the token id is on the list
	Now        time.Time
}

// Validate classifies a check. Pure: no I/O, no mutation, deterministic in
// its inputs. Outcomes are ordered; the first match wins:
//
//	not found, invalid token, revoked, expired, inactive, drift, valid.
//
// Module drift auto-repairs rather than failing the check, so it reports
// Valid plus ReactRepairModules.
func Validate(in ValidationInput) (CheckResult, Reaction) {
	if in.License == nil {
		return CheckResult{Code: CodeLicenseNotFound}, ReactNone
	}
	lic := in.License

	if in.VerifyErr != nil && !errors.Is(in.VerifyErr, token.ErrExpired) {
		return CheckResult{Code: CodeInvalidToken, License: lic}, ReactNone
	}
	if in.Claims != nil {
		if in.Claims.ClientID != in.ClientID {
			return CheckResult{Code: CodeInvalidToken, License: lic, ClientMismatch: true}, ReactNone
		}
		if in.Claims.Kind != token.KindAccess {
			return CheckResult{Code: CodeInvalidToken, License: lic}, ReactNone
		}
	}

	if in.Revocation != nil || lic.Status == license.StatusRevoked {
		res := CheckResult{Code: CodeLicenseRevoked, License: lic, RevokedAt: lic.UpdatedAt}
		reaction := ReactNone
		if in.Revocation != nil {
			res.RevokedAt = in.Revocation.RevokedAt
			res.Reason = in.Revocation.Reason
			if lic.Status != license.StatusRevoked {
				reaction = ReactReconcileRevoked
			}
		}
		return res, reaction
	}

	if !lic.ExpiresAt.After(in.Now) || lic.Status == license.StatusExpired {
		reaction := ReactNone
		if lic.Status == license.StatusActive {
			reaction = ReactExpire
		}
		return CheckResult{Code: CodeLicenseExpired, License: lic, ExpiresAt: lic.ExpiresAt}, reaction
	}

	// The record is live; a token past its own exp is a superseded artifact
	// and the client must refresh.
	if in.VerifyErr != nil {
		return CheckResult{Code: CodeInvalidToken, License: lic}, ReactNone
	}

	if lic.Status == license.StatusInactive {
		return CheckResult{Code: CodeLicenseInactive, License: lic}, ReactNone
	}

	// Every reissue rotates current_token_id, so a verified token that no
	// longer matches it has been superseded and unlocks nothing.
	if in.Claims == nil || in.Claims.ID != lic.CurrentTokenID {
		return CheckResult{Code: CodeInvalidToken, License: lic}, ReactNone
	}

	if !license.ModulesEqual(lic.ActiveModules, license.PlanModules[lic.Plan]) {
		return CheckResult{Valid: true, License: lic}, ReactRepairModules
	}

	return CheckResult{Valid: true, License: lic}, ReactNone
}

// Check validates a presented token for clientID, applies any reactive
// transition the outcome calls for, and records the validation in the audit
// log. This is the single entry point behind the check endpoint and the
// gateway's check_license message.
func (s *Service) Check(clientID, tokenStr, ip string) CheckResult {
	now := s.clock.Now()

	in := ValidationInput{ClientID: clientID, Now: now}
	if lic, err := s.store.Get(clientID); err == nil {
		in.License = lic
	}
	in.Claims, in.VerifyErr = s.codec.Verify(tokenStr)
	if in.Claims != nil {
		if entry, ok := s.store.IsRevoked(in.Claims.ID); ok {
			in.Revocation = &entry
		}
	}

	res, reaction := Validate(in)

	switch reaction {
	case ReactExpire:
		if updated, err := s.Expire(clientID); err == nil {
			res.License = updated
		}
	case ReactReconcileRevoked:
		s.ReconcileRevoked(clientID)
		if updated, err := s.store.Get(clientID); err == nil {
			res.License = updated
		}
	case ReactRepairModules:
		if repaired, err := s.RepairModules(clientID); err == nil {
			res.License = repaired
		}
	}

	if res.Valid {
		s.TouchCheck(clientID, ip)
	}

	s.auditValidation(clientID, ip, res)
	return res
}

func (s *Service) auditValidation(clientID, ip string, res CheckResult) {
	kind := audit.KindValidation
	severity := audit.SeverityLow
	payload := "outcome=valid"
	if !res.Valid {
		severity = audit.SeverityMedium
		if res.Code == CodeLicenseRevoked {
			severity = audit.SeverityHigh
		}
		payload = "outcome=" + res.Code
		if res.ClientMismatch {
			kind = audit.KindSecurityViolation
			severity = audit.SeverityHigh
			payload += " token presented for foreign client_id"
		}
	}
	ev := audit.Event{
		ID:        ids.NewAuditID(s.clock.Now()),
		Timestamp: s.clock.Now(),
		EventType: kind,
		ClientID:  clientID,
		Actor:     "client",
		IP:        ip,
		Success:   res.Valid,
		Severity:  severity,
		Payload:   payload,
	}
	if err := s.logger.Log(ev); err != nil {
		log.Error().Err(err).Str("client", clientID).Msg("Failed to write validation audit event")
	}
}
