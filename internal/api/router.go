package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/keyline-io/keyline/internal/auth"
	"github.com/keyline-io/keyline/internal/config"
	"github.com/keyline-io/keyline/internal/gateway"
	"github.com/keyline-io/keyline/internal/ids"
	"github.com/keyline-io/keyline/internal/licensing"
	"github.com/keyline-io/keyline/pkg/audit"
)

type ctxKey string

const (
	ctxAdmin ctxKey = "api_admin_user"
)

// Router wires the HTTP surface: client endpoints, admin endpoints, the
// WebSocket gateway, and operational endpoints.
type Router struct {
	mux   *http.ServeMux
	cfg   *config.Config
	svc   *licensing.Service
	gw    *gateway.Gateway
	creds *auth.CredentialStore
	rl    *RateLimiter
}

// NewRouter creates the router. Callers own the rate limiter lifecycle via
// Close.
func NewRouter(cfg *config.Config, svc *licensing.Service, gw *gateway.Gateway) *Router {
	r := &Router{
		mux:   http.NewServeMux(),
		cfg:   cfg,
		svc:   svc,
		gw:    gw,
		creds: auth.NewCredentialStore(cfg.AdminUser, cfg.AdminPassHash),
		rl:    NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
	}
	r.setupRoutes()
	return r
}

// Close stops background routines owned by the router.
func (r *Router) Close() {
	r.rl.Stop()
}

func (r *Router) setupRoutes() {
	lh := NewLicenseHandlers(r.svc)
	th := NewTokenHandlers(r.svc)

	// Client surface.
	r.mux.HandleFunc("POST /api/check", lh.HandleCheck)
	r.mux.HandleFunc("POST /api/token-pair", th.HandleTokenPair)
	r.mux.HandleFunc("POST /api/refresh", th.HandleRefresh)
	r.mux.HandleFunc("POST /api/revoke-refresh", th.HandleRevokeRefresh)
	r.mux.HandleFunc("GET /api/health", r.handleHealth)

	// Admin surface.
	r.mux.HandleFunc("POST /api/licenses", r.requireAdmin(lh.HandleCreate))
	r.mux.HandleFunc("GET /api/licenses", r.requireAdmin(lh.HandleList))
	r.mux.HandleFunc("POST /api/licenses/toggle", r.requireAdmin(lh.HandleToggle))
	r.mux.HandleFunc("POST /api/licenses/extend", r.requireAdmin(lh.HandleExtend))
	r.mux.HandleFunc("POST /api/licenses/plan", r.requireAdmin(lh.HandleUpdatePlan))
	r.mux.HandleFunc("POST /api/licenses/modules", r.requireAdmin(lh.HandleUpdateModules))
	r.mux.HandleFunc("POST /api/licenses/revoke", r.requireAdmin(lh.HandleRevoke))
	r.mux.HandleFunc("POST /api/licenses/delete", r.requireAdmin(lh.HandleDelete))
	r.mux.HandleFunc("GET /api/stats", r.requireAdmin(lh.HandleStats))
	r.mux.HandleFunc("GET /api/audit", r.requireAdmin(r.handleAuditQuery))

	// Real-time gateway.
	r.mux.HandleFunc("/ws", r.gw.HandleClient)
	r.mux.HandleFunc("/ws/admin", r.requireAdmin(r.gw.HandleAdmin))

	// Operational.
	r.mux.Handle("GET /metrics", promhttp.Handler())
}

// ServeHTTP applies the cross-cutting middleware, then dispatches.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	addSecurityHeaders(w)

	// Validation and health stay reachable for clients even under a noisy
	// neighbour; everything else is rate limited per source IP.
	if !rateLimitExempt(req.URL.Path) {
		if ip := clientIP(req); !r.rl.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
	}

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	r.mux.ServeHTTP(sw, req)

	elapsed := time.Since(start)
	recordAPIRequest(req.Method, normalizeRoute(req.URL.Path), sw.status, elapsed)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", sw.status).
		Dur("duration", elapsed).
		Msg("Request handled")
}

func rateLimitExempt(path string) bool {
	switch path {
	case "/api/check", "/api/health", "/metrics":
		return true
	}
	return false
}

func addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Cache-Control", "no-store")
}

// requireAdmin gates a handler behind basic auth against the configured
// admin credentials. Failures are audited as probing.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		if !ok || !r.creds.Verify(user, pass) {
			r.auditAuthFailure(user, clientIP(req))
			w.Header().Set("WWW-Authenticate", `Basic realm="keyline admin"`)
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "admin credentials required")
			return
		}
		ctx := context.WithValue(req.Context(), ctxAdmin, user)
		next(w, req.WithContext(ctx))
	}
}

func (r *Router) auditAuthFailure(user, ip string) {
	now := r.svc.Clock().Now()
	ev := audit.Event{
		ID:        ids.NewAuditID(now),
		Timestamp: now,
		EventType: audit.KindAdminLogin,
		Actor:     user,
		IP:        ip,
		Success:   false,
		Severity:  audit.SeverityMedium,
		Payload:   "admin authentication failed",
	}
	if err := audit.GetLogger().Log(ev); err != nil {
		log.Error().Err(err).Msg("Failed to write auth failure audit event")
	}
}

// auditInternalError records an unexpected failure as a system error.
func auditInternalError(err error) {
	now := time.Now()
	ev := audit.Event{
		ID:        ids.NewAuditID(now),
		Timestamp: now,
		EventType: audit.KindSystemError,
		Actor:     "system",
		Success:   false,
		Severity:  audit.SeverityHigh,
		Payload:   err.Error(),
	}
	if logErr := audit.GetLogger().Log(ev); logErr != nil {
		log.Error().Err(logErr).Msg("Failed to write system error audit event")
	}
}

// isAdmin reports whether the request passed admin authentication.
func isAdmin(r *http.Request) bool {
	_, ok := r.Context().Value(ctxAdmin).(string)
	return ok
}

// actorFrom identifies the caller for the audit trail.
func actorFrom(r *http.Request) licensing.Actor {
	actor := licensing.Actor{Name: "client", IP: clientIP(r)}
	if user, ok := r.Context().Value(ctxAdmin).(string); ok {
		actor.Name = user
	}
	return actor
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   r.svc.Clock().Now(),
	})
}

// handleAuditQuery exposes the audit log to operators.
func (r *Router) handleAuditQuery(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := audit.QueryFilter{
		ClientID:  q.Get("client_id"),
		EventType: q.Get("event"),
		Actor:     q.Get("actor"),
		Limit:     atoiDefault(q.Get("limit"), 100),
		Offset:    (atoiDefault(q.Get("page"), 1) - 1) * atoiDefault(q.Get("limit"), 100),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartTime = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndTime = &t
		}
	}

	events, err := audit.GetLogger().Query(filter)
	if err != nil {
		log.Error().Err(err).Msg("Audit query failed")
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}
	total, err := audit.GetLogger().Count(filter)
	if err != nil {
		log.Error().Err(err).Msg("Audit count failed")
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": events,
		"total": total,
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so the WebSocket upgrade works behind the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
