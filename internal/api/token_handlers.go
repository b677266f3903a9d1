package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/keyline-io/keyline/internal/license"
	"github.com/keyline-io/keyline/internal/licensing"
	"github.com/keyline-io/keyline/internal/token"
)

// TokenHandlers serve the self-service token endpoints.
type TokenHandlers struct {
	svc *licensing.Service
}

// NewTokenHandlers creates the token handler set.
func NewTokenHandlers(svc *licensing.Service) *TokenHandlers {
	return &TokenHandlers{svc: svc}
}

// HandleTokenPair issues a fresh access/refresh pair. A client proves
// possession of a valid access token for the same client_id via the bearer
// header; admin sessions may mint for any client.
func (h *TokenHandlers) HandleTokenPair(w http.ResponseWriter, r *http.Request) {
	var req clientIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, codeMissingClientID, "client_id is required")
		return
	}

	if !isAdmin(r) {
		claims, err := h.svc.Codec().Verify(bearerToken(r))
		if err != nil || claims.ClientID != req.ClientID || claims.Kind != token.KindAccess {
			writeError(w, http.StatusUnauthorized, codeInvalidToken, "a valid access token for this client_id is required")
			return
		}
		if _, revoked := h.svc.Store().IsRevoked(claims.ID); revoked {
			writeError(w, http.StatusUnauthorized, codeInvalidToken, "a valid access token for this client_id is required")
			return
		}
	}

	pair, err := h.svc.IssueTokenPair(req.ClientID, actorFrom(r))
	if err != nil {
		switch {
		case errors.Is(err, license.ErrNotFound):
			writeError(w, http.StatusNotFound, codeLicenseNotFound, "no license for that client_id")
		case errors.Is(err, license.ErrInactive):
			writeError(w, http.StatusConflict, codeLicenseInactive, "license is not active")
		default:
			log.Error().Err(err).Msg("Token pair issuance failed")
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, tokenPairResponse{
		Access:    pair.Access,
		Refresh:   pair.Refresh,
		ExpiresIn: int64(pair.ExpiresIn.Seconds()),
	})
}

// HandleRefresh exchanges a refresh token for a fresh access token.
func (h *TokenHandlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Refresh == "" {
		writeError(w, http.StatusBadRequest, codeMissingParameters, "refresh token is required")
		return
	}

	access, ttl, err := h.svc.RefreshAccess(req.Refresh)
	if err != nil {
		if errors.Is(err, token.ErrInvalidRefresh) {
			writeError(w, http.StatusUnauthorized, codeInvalidRefresh, "refresh token is not valid")
			return
		}
		log.Error().Err(err).Msg("Token refresh failed")
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, accessResponse{
		Access:    access,
		ExpiresIn: int64(ttl.Seconds()),
	})
}

// HandleRevokeRefresh removes a refresh token from the live set.
func (h *TokenHandlers) HandleRevokeRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Refresh == "" {
		writeError(w, http.StatusBadRequest, codeMissingParameters, "refresh token is required")
		return
	}

	if err := h.svc.RevokeRefresh(req.Refresh, actorFrom(r)); err != nil {
		if errors.Is(err, token.ErrInvalidRefresh) {
			writeError(w, http.StatusUnauthorized, codeInvalidRefresh, "refresh token is not valid")
			return
		}
		log.Error().Err(err).Msg("Refresh revocation failed")
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
