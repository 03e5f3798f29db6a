// Package httpapi is the HTTP surface of the identity service: auth and
// session endpoints, MFA management, role administration and operational
// probes. It translates the auth error taxonomy into status codes and never
// leaks password material, raw secrets or raw tokens into logs.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"medrelay.org/internal/auth"
	"medrelay.org/internal/fingerprint"
	"medrelay.org/internal/mfa"
	"medrelay.org/internal/obs"
	"medrelay.org/internal/session"
)

// ReadyProbe is a readiness check, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	accounts   *auth.Service
	sessions   *session.Manager
	mfa        *mfa.Engine
	authority  *auth.Authority
	readyProbe ReadyProbe
	version    string
}

// New wires the routes. All collaborators are injected; the API holds no
// state of its own.
func New(accounts *auth.Service, sessions *session.Manager, engine *mfa.Engine, authority *auth.Authority, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		accounts:   accounts,
		sessions:   sessions,
		mfa:        engine,
		authority:  authority,
		readyProbe: rp,
		version:    version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)
	a.mux.HandleFunc("/v1/auth/password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/auth/sessions", a.handleSessions)
	a.mux.HandleFunc("/v1/auth/sessions/revoke", a.handleRevokeSessions)

	a.mux.HandleFunc("/v1/mfa/setup", a.handleMfaSetup)
	a.mux.HandleFunc("/v1/mfa/enable", a.handleMfaEnable)
	a.mux.HandleFunc("/v1/mfa/disable", a.handleMfaDisable)
	a.mux.HandleFunc("/v1/mfa/recovery", a.handleMfaRecoveryRequest)
	a.mux.HandleFunc("/v1/mfa/recover", a.handleMfaRecover)
	a.mux.HandleFunc("/v1/mfa/devices", a.handleTrustedDevices)
	a.mux.HandleFunc("/v1/mfa/devices/revoke", a.handleRevokeTrustedDevice)

	a.mux.HandleFunc("/v1/roles/assign", a.handleAssignRole)
	a.mux.HandleFunc("/v1/roles/remove", a.handleRemoveRole)
	a.mux.HandleFunc("/v1/roles", a.handleGetRoles)
	a.mux.HandleFunc("/v1/permissions", a.handleGetPermissions)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = SecurityHeaders(h)
	h = RateLimit(h, 20, 10)
	h = MaxBodyBytes(h, 1<<20)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- operational handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "medrelay-identity",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "medrelay-identity",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

// clientContext extracts fingerprint signals from the request. Clients may
// send optional hints; absent headers are simply omitted.
func clientContext(r *http.Request) fingerprint.ClientContext {
	return fingerprint.ClientContext{
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		Platform:       r.Header.Get("Sec-CH-UA-Platform"),
		ScreenHint:     r.Header.Get("X-Screen-Hint"),
		TimezoneHint:   r.Header.Get("X-Timezone"),
		RemoteAddr:     clientIP(r),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]string{"code": errCode, "message": message},
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// writeAuthError maps the error taxonomy to HTTP. Store outages are 503,
// never 401: an infrastructure failure must not read as bad credentials.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token_expired", "token expired")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
	case errors.Is(err, auth.ErrSessionRevoked):
		writeError(w, http.StatusUnauthorized, "session_revoked", "session revoked")
	case errors.Is(err, auth.ErrInactivityTimeout):
		writeError(w, http.StatusUnauthorized, "inactivity_timeout", "session timed out due to inactivity")
	case errors.Is(err, auth.ErrSecurityValidation):
		writeError(w, http.StatusUnauthorized, "security_validation_failed", "security validation failed")
	case errors.Is(err, auth.ErrInvalidMfaCode):
		writeError(w, http.StatusUnauthorized, "invalid_mfa_code", "invalid mfa code")
	case errors.Is(err, auth.ErrMfaNotEnabled):
		writeError(w, http.StatusBadRequest, "mfa_not_enabled", "mfa is not enabled")
	case errors.Is(err, auth.ErrRecoveryCode):
		writeError(w, http.StatusBadRequest, "invalid_recovery_code", "recovery code invalid or expired")
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission_denied", "permission denied")
	case errors.Is(err, auth.ErrRoleNotFound):
		writeError(w, http.StatusNotFound, "role_not_found", "role not found")
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", "resource already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", strings.TrimPrefix(err.Error(), "auth: "))
	case errors.Is(err, auth.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "storage temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
