package api

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/keyline-io/keyline/internal/licensing"
)

// Error codes surfaced to callers.
const (
	codeMissingPlan       = "MISSING_PLAN"
	codeInvalidPlan       = "INVALID_PLAN"
	codeLicenseExists     = "LICENSE_EXISTS"
	codeMissingClientID   = "MISSING_CLIENT_ID"
	codeMissingParameters = "MISSING_PARAMETERS"
	codeInvalidDays       = "INVALID_DAYS"
	codeLicenseNotFound   = "LICENSE_NOT_FOUND"
	codeUnknownModule     = "UNKNOWN_MODULE"
	codeLicenseInactive   = "LICENSE_INACTIVE"
	codeInvalidRefresh    = "INVALID_REFRESH"
	codeInvalidToken      = "INVALID_TOKEN"
	codeIllegalTransition = "ILLEGAL_TRANSITION"
	codeUnauthorized      = "UNAUTHORIZED"
	codeRateLimited       = "RATE_LIMITED"
	codeMalformedRequest  = "MALFORMED_REQUEST"
	codeInternalError     = "INTERNAL_ERROR"
)

// errorBody is the structured error envelope.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type checkRequest struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token"`
}

// checkResponse carries the validation verdict plus the debug context for
// valid results and the outcome-specific fields for failures.
type checkResponse struct {
	Valid     bool            `json:"valid"`
	License   *licensing.View `json:"license,omitempty"`
	Error     string          `json:"error,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	RevokedAt *time.Time      `json:"revoked_at,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

type createRequest struct {
	Plan     string `json:"plan"`
	ClientID string `json:"client_id,omitempty"`
	Company  string `json:"company,omitempty"`
	Email    string `json:"email,omitempty"`
	TTLDays  int    `json:"ttl_days,omitempty"`
}

type clientIDRequest struct {
	ClientID string `json:"client_id"`
}

// extendRequest carries days as a pointer so an omitted field maps to
// MISSING_PARAMETERS rather than INVALID_DAYS.
type extendRequest struct {
	ClientID string `json:"client_id"`
	Days     *int   `json:"days"`
}

type revokeRequest struct {
	ClientID    string `json:"client_id"`
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

type modulesRequest struct {
	ClientID string `json:"client_id"`
	Module   string `json:"module"`
	Enabled  bool   `json:"enabled"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// licenseResponse is the common mutation response: the updated record view
// plus the reissued access token when one was minted.
type licenseResponse struct {
	License licensing.View `json:"license"`
	Token   string         `json:"token,omitempty"`
	Refresh string         `json:"refresh,omitempty"`
}

type tokenPairResponse struct {
	Access    string `json:"access"`
	Refresh   string `json:"refresh"`
	ExpiresIn int64  `json:"expires_in"` // seconds
}

type accessResponse struct {
	Access    string `json:"access"`
	ExpiresIn int64  `json:"expires_in"` // seconds
}

type paginationInfo struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

type listResponse struct {
	Items      []licensing.View `json:"items"`
	Pagination paginationInfo   `json:"pagination"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, codeMalformedRequest, "request body is not valid JSON")
		return false
	}
	return true
}

// clientIP extracts the source IP from the connection. Forwarding headers
// are deliberately ignored: the service fronts installed applications, not
// a trusted reverse-proxy chain.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
