package httpapi

import (
	"net/http"
	"strings"
	"time"

	"medrelay.org/internal/auth"
	"medrelay.org/internal/obs"
)

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type accountResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toAccountResponse(a *auth.Account) accountResponse {
	return accountResponse{
		ID:          a.ID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Role:        a.Role,
		Active:      a.Active,
		CreatedAt:   a.CreatedAt,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	account, err := a.accounts.Register(r.Context(), req.Email, req.Password, req.DisplayName, auth.RoleUser)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

type loginRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	MfaCode         string `json:"mfaCode,omitempty"`
	TrustedDeviceID string `json:"trustedDeviceId,omitempty"`
	TrustDevice     bool   `json:"trustDevice,omitempty"`
}

type loginResponse struct {
	Token           string `json:"token,omitempty"`
	RefreshToken    string `json:"refreshToken,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	ExpiresIn       int64  `json:"expiresIn,omitempty"`
	MfaRequired     bool   `json:"mfaRequired,omitempty"`
	MfaMethod       string `json:"mfaMethod,omitempty"`
	TrustedDeviceID string `json:"trustedDeviceId,omitempty"`
}

// handleLogin authenticates, challenges for a second factor when one is
// enabled (a trusted device substitutes within its window), then opens a
// session. A missing MFA code is a signal, not a hard failure.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	account, err := a.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		obs.ObserveLogin("failure")
		writeAuthError(w, err)
		return
	}

	client := clientContext(r)
	resp := loginResponse{}

	enabled, err := a.mfa.Enabled(r.Context(), account.ID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if enabled {
		trusted := false
		if req.TrustedDeviceID != "" {
			trusted, err = a.mfa.VerifyTrustedDevice(r.Context(), account.ID, req.TrustedDeviceID, client)
			if err != nil {
				writeAuthError(w, err)
				return
			}
		}
		switch {
		case trusted:
			resp.MfaMethod = "trusted_device"
		case strings.TrimSpace(req.MfaCode) == "":
			writeJSON(w, http.StatusOK, loginResponse{MfaRequired: true})
			return
		default:
			method, err := a.mfa.Verify(r.Context(), account.ID, req.MfaCode)
			if err != nil {
				obs.ObserveLogin("mfa_failure")
				writeAuthError(w, err)
				return
			}
			resp.MfaMethod = method
		}
	}

	grant, err := a.sessions.Create(r.Context(), account, client)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	resp.Token = grant.Token
	resp.RefreshToken = grant.RefreshToken
	resp.SessionID = grant.SessionID
	resp.ExpiresIn = grant.ExpiresIn

	if req.TrustDevice && enabled {
		deviceID, _, err := a.mfa.RegisterTrustedDevice(r.Context(), account.ID, client)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		resp.TrustedDeviceID = deviceID
	}

	obs.ObserveLogin("success")
	writeJSON(w, http.StatusOK, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	grant, err := a.sessions.Refresh(r.Context(), req.RefreshToken, clientContext(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     grant.Token,
		"expiresIn": grant.ExpiresIn,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	if err := a.sessions.Revoke(r.Context(), claims.SessionID, "logout"); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	account, err := a.accounts.Account(r.Context(), claims.Subject)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// handleChangePassword rotates the password and revokes every other
// session of the account.
func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := a.accounts.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword); err != nil {
		writeAuthError(w, err)
		return
	}
	revoked, err := a.sessions.RevokeAll(r.Context(), claims.Subject, claims.SessionID, "password_change")
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "password_changed",
		"sessionsRevoked": revoked,
	})
}

type sessionResponse struct {
	SessionID      string    `json:"sessionId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Current        bool      `json:"current,omitempty"`
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	active, err := a.sessions.Active(r.Context(), claims.Subject)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(active))
	for _, s := range active {
		out = append(out, sessionResponse{
			SessionID:      s.ID,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			ExpiresAt:      s.ExpiresAt,
			Current:        s.ID == claims.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type revokeSessionsRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	All       bool   `json:"all,omitempty"`
}

func (a *API) handleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req revokeSessionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	if req.All {
		revoked, err := a.sessions.RevokeAll(r.Context(), claims.Subject, claims.SessionID, "manual")
		if err != nil {
			writeAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessionsRevoked": revoked})
		return
	}

	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "sessionId or all is required")
		return
	}
	// An account may only revoke its own sessions.
	active, err := a.sessions.Active(r.Context(), claims.Subject)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	owned := false
	for _, s := range active {
		if s.ID == req.SessionID {
			owned = true
			break
		}
	}
	if !owned {
		writeAuthError(w, auth.ErrNotFound)
		return
	}
	if err := a.sessions.Revoke(r.Context(), req.SessionID, "manual"); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionsRevoked": 1})
}
