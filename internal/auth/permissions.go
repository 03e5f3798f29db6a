package auth

// Built-in role names. The static graph is admin ⊇ provider ⊇ user with
// guest isolated; levels are display/precedence ordinals only and carry no
// security meaning.
const (
	RoleAdmin    = "admin"
	RoleProvider = "provider"
	RoleUser     = "user"
	RoleGuest    = "guest"
)

// Permission keys use a flat resource:action namespace.
const (
	PermTranslationInitiate = "translation:initiate"
	PermTranslationHistory  = "translation:history.read"
	PermTranslationReview   = "translation:review"
	PermProfileRead         = "profile:read"
	PermProfileUpdate       = "profile:update"
	PermMfaManage           = "mfa:manage"
	PermPatientRead         = "patient:read"
	PermPatientUpdate       = "patient:update"
	PermSessionMonitor      = "session:monitor"
	PermAccountManage       = "account:manage"
	PermRoleManage          = "role:manage"
	PermAuditRead           = "audit:read"
)

// BuiltinRoles is the static role graph loaded at startup. Cycle freedom is
// checked once by NewRoleGraph.
var BuiltinRoles = []RoleDef{
	{
		Name:        RoleGuest,
		Level:       0,
		Permissions: []string{PermTranslationInitiate},
	},
	{
		Name:  RoleUser,
		Level: 10,
		Permissions: []string{
			PermTranslationInitiate,
			PermTranslationHistory,
			PermProfileRead,
			PermProfileUpdate,
			PermMfaManage,
		},
	},
	{
		Name:     RoleProvider,
		Level:    50,
		Inherits: []string{RoleUser},
		Permissions: []string{
			PermTranslationReview,
			PermPatientRead,
			PermPatientUpdate,
			PermSessionMonitor,
		},
	},
	{
		Name:     RoleAdmin,
		Level:    100,
		Inherits: []string{RoleProvider},
		Permissions: []string{
			PermAccountManage,
			PermRoleManage,
			PermAuditRead,
		},
	},
}
