package httpapi

import (
	"net/http"
	"time"
)

func (a *API) handleMfaSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	enrollment, err := a.mfa.GenerateTotpSecret(r.Context(), claims.Subject)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"secret":          enrollment.Secret,
		"provisioningUri": enrollment.ProvisioningURI,
	})
}

type mfaCodeRequest struct {
	Code string `json:"code"`
}

// handleMfaEnable confirms the authenticator with one code and returns the
// backup codes. They are shown exactly once.
func (a *API) handleMfaEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req mfaCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	backupCodes, err := a.mfa.VerifyAndEnable(r.Context(), claims.Subject, req.Code)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":     true,
		"backupCodes": backupCodes,
	})
}

type mfaDisableRequest struct {
	Password string `json:"password"`
}

func (a *API) handleMfaDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req mfaDisableRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := a.mfa.Disable(r.Context(), claims.Subject, req.Password); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

type recoveryRequest struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
}

// handleMfaRecoveryRequest issues a recovery code out-of-band. The response
// never includes the code.
func (a *API) handleMfaRecoveryRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req recoveryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	expiresAt, err := a.mfa.GenerateRecoveryCode(r.Context(), req.AccountID, req.Email)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"expiresAt": expiresAt.Format(time.RFC3339),
	})
}

type recoverRequest struct {
	AccountID    string `json:"accountId"`
	RecoveryCode string `json:"recoveryCode"`
}

func (a *API) handleMfaRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req recoverRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	backupCodes, err := a.mfa.RecoverAccess(r.Context(), req.AccountID, req.RecoveryCode)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	// Re-establishing access from an unknown device: existing sessions may
	// be compromised, so they all go.
	if _, err := a.sessions.RevokeAll(r.Context(), req.AccountID, "", "mfa_recovery"); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backupCodes": backupCodes})
}

func (a *API) handleTrustedDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	deviceID, expiresAt, err := a.mfa.RegisterTrustedDevice(r.Context(), claims.Subject, clientContext(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"deviceId":  deviceID,
		"expiresAt": expiresAt.Format(time.RFC3339),
	})
}

type revokeDeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func (a *API) handleRevokeTrustedDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req revokeDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := a.mfa.RevokeTrustedDevice(r.Context(), claims.Subject, req.DeviceID); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
