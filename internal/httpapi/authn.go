package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"medrelay.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Paths reachable without a bearer token. Recovery endpoints are public:
// their callers are locked out by definition.
var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/mfa/recovery",
	"/v1/mfa/recover",
	"/",
}

// withAuth validates the bearer token and its session against the client
// context of this very request, then injects the claims.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing_token", err.Error())
			return
		}

		claims, err := a.sessions.Validate(r.Context(), token, clientContext(r))
		if err != nil {
			writeAuthError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithClaims(r.Context(), claims)))
	})
}

// requireClaims fetches the verified claims or writes a 401.
func requireClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token", "authentication required")
		return nil, false
	}
	return claims, true
}

// requirePermission enforces an RBAC check for the calling account.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, permission, resource string) (*auth.Claims, bool) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return nil, false
	}
	allowed, err := a.authority.HasPermission(r.Context(), claims.Subject, permission, resource)
	if err != nil {
		writeAuthError(w, err)
		return nil, false
	}
	if !allowed {
		writeAuthError(w, auth.ErrPermissionDenied)
		return nil, false
	}
	return claims, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
