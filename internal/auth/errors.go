package auth

import "errors"

// Error taxonomy shared across the identity core. Components return these
// sentinels (possibly wrapped); they never panic past a package boundary.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrSessionRevoked     = errors.New("auth: session revoked")
	ErrInactivityTimeout  = errors.New("auth: session inactivity timeout")
	ErrSecurityValidation = errors.New("auth: security validation failed")
	ErrInvalidMfaCode     = errors.New("auth: invalid mfa code")
	ErrMfaNotEnabled      = errors.New("auth: mfa not enabled")
	ErrRecoveryCode       = errors.New("auth: recovery code invalid or expired")
	ErrPermissionDenied   = errors.New("auth: permission denied")
	ErrRoleNotFound       = errors.New("auth: role or permission not found")
	ErrStoreUnavailable   = errors.New("auth: store unavailable")

	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
)
