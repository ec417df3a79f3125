package auth

const (
	ScopeOpenID         = "openid"
	ScopeProfile        = "profile"
	ScopeEmail          = "email"
	ScopeAutopilotRead  = "autopilot:read"
	ScopeAutopilotWrite = "autopilot:write"
)

// AllScopes is the full set of scopes requested by API clients.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeAutopilotRead,
	ScopeAutopilotWrite,
}
