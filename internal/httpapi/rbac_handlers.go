package httpapi

import (
	"net/http"
	"strings"
	"time"

	"medrelay.org/internal/auth"
)

type assignRoleRequest struct {
	AccountID string     `json:"accountId"`
	Role      string     `json:"role"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := a.requirePermission(w, r, auth.PermRoleManage, "")
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if strings.TrimSpace(req.AccountID) == "" || strings.TrimSpace(req.Role) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "accountId and role are required")
		return
	}
	if err := a.authority.AssignRole(r.Context(), claims.Subject, req.AccountID, req.Role, req.ExpiresAt); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

type removeRoleRequest struct {
	AccountID string `json:"accountId"`
	Role      string `json:"role"`
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := a.requirePermission(w, r, auth.PermRoleManage, "")
	if !ok {
		return
	}
	var req removeRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := a.authority.RemoveRole(r.Context(), claims.Subject, req.AccountID, req.Role); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type roleResponse struct {
	Name        string   `json:"name"`
	Level       int      `json:"level"`
	Permissions []string `json:"permissions"`
}

// handleGetRoles returns role assignments. Accounts may read their own;
// reading another account's requires role management permission.
func (a *API) handleGetRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		accountID = claims.Subject
	}
	if accountID != claims.Subject {
		if _, ok := a.requirePermission(w, r, auth.PermRoleManage, ""); !ok {
			return
		}
	}
	roles, err := a.authority.RolesFor(r.Context(), accountID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleResponse{
			Name:        role.Name,
			Level:       role.Level,
			Permissions: role.Permissions,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (a *API) handleGetPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		accountID = claims.Subject
	}
	if accountID != claims.Subject {
		if _, ok := a.requirePermission(w, r, auth.PermRoleManage, ""); !ok {
			return
		}
	}
	permissions, err := a.authority.PermissionsFor(r.Context(), accountID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": permissions})
}
