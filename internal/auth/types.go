package auth

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidRole        = errors.New("invalid role")
)

// Role grants a fixed set of actions on the project API.
type Role string

const (
	RoleViewer Role = "viewer" // read-only
	RoleAdmin  Role = "admin"  // read and write
)

// Action is what a route needs from the caller's role.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Allows reports whether r may perform a.
func (r Role) Allows(a Action) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleViewer:
		return a == ActionRead
	default:
		return false
	}
}

// Credential is one API token from [[server.auth.tokens]]. Exactly one of
// Token or TokenHash (bcrypt) is set.
type Credential struct {
	Name      string `toml:"name" mapstructure:"name"`
	Token     string `toml:"token" mapstructure:"token"`
	TokenHash string `toml:"token_hash" mapstructure:"token_hash"`
	Role      Role   `toml:"role" mapstructure:"role"`
}

// Result identifies an authenticated caller.
type Result struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}
