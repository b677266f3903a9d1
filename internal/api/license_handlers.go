package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/keyline-io/keyline/internal/license"
	"github.com/keyline-io/keyline/internal/licensing"
	"github.com/keyline-io/keyline/internal/store"
)

// LicenseHandlers serve the check endpoint and the admin lifecycle
// operations.
type LicenseHandlers struct {
	svc *licensing.Service
}

// NewLicenseHandlers creates the license handler set.
func NewLicenseHandlers(svc *licensing.Service) *LicenseHandlers {
	return &LicenseHandlers{svc: svc}
}

func mapServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, license.ErrNotFound):
		writeError(w, http.StatusNotFound, codeLicenseNotFound, "no license for that client_id")
	case errors.Is(err, license.ErrAlreadyExists):
		writeError(w, http.StatusConflict, codeLicenseExists, "a license already exists for that client_id")
	case errors.Is(err, license.ErrInvalidPlan):
		writeError(w, http.StatusBadRequest, codeInvalidPlan, "unknown plan")
	case errors.Is(err, license.ErrUnknownModule):
		writeError(w, http.StatusBadRequest, codeUnknownModule, "unknown module")
	case errors.Is(err, license.ErrNonPositiveDays):
		writeError(w, http.StatusBadRequest, codeInvalidDays, "days must be positive")
	case errors.Is(err, license.ErrIllegalTransition):
		writeError(w, http.StatusConflict, codeIllegalTransition, "the license status does not permit this operation")
	default:
		log.Error().Err(err).Msg("License operation failed")
		auditInternalError(err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}

// HandleCheck validates a presented token.
func (h *LicenseHandlers) HandleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, codeMissingParameters, "client_id and token are required")
		return
	}

	res := h.svc.Check(req.ClientID, req.Token, clientIP(r))
	now := h.svc.Clock().Now()

	if res.Valid {
		view := licensing.NewView(res.License, now)
		writeJSON(w, http.StatusOK, checkResponse{Valid: true, License: &view})
		return
	}

	resp := checkResponse{Valid: false, Error: res.Code}
	status := http.StatusForbidden
	switch res.Code {
	case licensing.CodeLicenseNotFound:
		status = http.StatusNotFound
	case licensing.CodeInvalidToken:
		status = http.StatusUnauthorized
	case licensing.CodeLicenseExpired:
		exp := res.ExpiresAt
		resp.ExpiresAt = &exp
	case licensing.CodeLicenseRevoked:
		rev := res.RevokedAt
		resp.RevokedAt = &rev
		resp.Reason = res.Reason
	}
	writeJSON(w, status, resp)
}

// HandleCreate provisions a new license.
func (h *LicenseHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Plan) == "" {
		writeError(w, http.StatusBadRequest, codeMissingPlan, "plan is required")
		return
	}

	lic, pair, err := h.svc.Create(licensing.CreateParams{
		ClientID:     req.ClientID,
		Plan:         license.Plan(req.Plan),
		CompanyName:  req.Company,
		ContactEmail: req.Email,
		TTLDays:      req.TTLDays,
	}, actorFrom(r))
	if err != nil {
		mapServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, licenseResponse{
		License: licensing.NewView(lic, h.svc.Clock().Now()),
		Token:   pair.Access,
		Refresh: pair.Refresh,
	})
}

// HandleToggle flips a license between active and inactive.
func (h *LicenseHandlers) HandleToggle(w http.ResponseWriter, r *http.Request) {
	var req clientIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, codeMissingClientID, "client_id is required")
		return
	}

	lic, pair, err := h.svc.Toggle(req.ClientID, actorFrom(r))
	if err != nil {
		mapServiceError(w, err)
		return
	}

	resp := licenseResponse{License: licensing.NewView(lic, h.svc.Clock().Now())}
	if pair != nil {
		resp.Token = pair.Access
		resp.Refresh = pair.Refresh
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleExtend pushes the expiry forward.
func (h *LicenseHandlers) HandleExtend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.Days == nil {
		writeError(w, http.StatusBadRequest, codeMissingParameters, "client_id and days are required")
		return
	}

	lic, pair, err := h.svc.Extend(req.ClientID, *req.Days, actorFrom(r))
	if err != nil {
		mapServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, licenseResponse{
		License: licensing.NewView(lic, h.svc.Clock().Now()),
		Token:   pair.Access,
		Refresh: pair.Refresh,
	})
}

// HandleUpdatePlan changes the plan tier.
func (h *LicenseHandlers) HandleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		Plan     string `json:"plan"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.Plan == "" {
		writeError(w, http.StatusBadRequest, codeMissingParameters, "client_id and plan are required")
		return
	}

	lic, pair, err := h.svc.UpdatePlan(req.ClientID, license.Plan(req.Plan), actorFrom(r))
	if err != nil {
		mapServiceError(w, err)
		return
	}

	resp := licenseResponse{License: licensing.NewView(lic, h.svc.Clock().Now())}
	if pair != nil {
		resp.Token = pair.Access
		resp.Refresh = pair.Refresh
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleUpdateModules applies a single-module administrative override.
func (h *LicenseHandlers) HandleUpdateModules(w http.ResponseWriter, r *http.Request) {
	var req modulesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.Module == "" {
		writeError(w, http.StatusBadRequest, codeMissingParameters, "client_id and module are required")
		return
	}

	lic, _, err := h.svc.SetModule(req.ClientID, req.Module, req.Enabled, actorFrom(r))
	if err != nil {
		mapServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_modules": lic.ActiveModules,
	})
}

// HandleRevoke moves a license to its terminal state.
func (h *LicenseHandlers) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, codeMissingClientID, "client_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	lic, err := h.svc.Revoke(req.ClientID, req.Reason, req.Description, actorFrom(r))
	if err != nil {
		mapServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"revoked_at": lic.UpdatedAt,
	})
}

// HandleDelete removes a license record entirely.
func (h *LicenseHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var req clientIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, codeMissingClientID, "client_id is required")
		return
	}

	if err := h.svc.Delete(req.ClientID, actorFrom(r)); err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleList returns a page of licenses with filters.
func (h *LicenseHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Status: license.Status(q.Get("status")),
		Plan:   license.Plan(q.Get("plan")),
		Page:   atoiDefault(q.Get("page"), 1),
		Limit:  atoiDefault(q.Get("limit"), 50),
	}

	items, total, err := h.svc.Store().List(filter)
	if err != nil {
		log.Error().Err(err).Msg("License list failed")
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	now := h.svc.Clock().Now()
	views := make([]licensing.View, 0, len(items))
	for _, lic := range items {
		views = append(views, licensing.NewView(lic, now))
	}

	writeJSON(w, http.StatusOK, listResponse{
		Items: views,
		Pagination: paginationInfo{
			Page:  filter.Page,
			Limit: filter.Limit,
			Total: total,
		},
	})
}

// HandleStats returns aggregate license counts.
func (h *LicenseHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Store().Stats()
	if err != nil {
		log.Error().Err(err).Msg("License stats failed")
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}
	stats.RevokedTokens = h.svc.Store().RevocationCount()
	writeJSON(w, http.StatusOK, stats)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return def
	}
	return n
}
