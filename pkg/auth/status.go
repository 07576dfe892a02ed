package auth

// StatusResponse is the structured broker state returned by the status
// endpoint.
type StatusResponse struct {
	// AgentAuth describes the agent's own authentication state, nil when
	// no agent identity is configured.
	AgentAuth *AgentAuthStatus `json:"agent_auth,omitempty"`

	// PendingAuthorizations is the number of consent round trips waiting
	// on a user.
	PendingAuthorizations int `json:"pending_authorizations"`

	// CachedTokens is the number of live entries in the token cache.
	CachedTokens int `json:"cached_tokens"`

	// DownstreamEnabled reports whether partner-resource token exchange
	// is configured.
	DownstreamEnabled bool `json:"downstream_enabled"`
}

// AgentAuthStatus describes the agent's authentication state.
type AgentAuthStatus struct {
	AgentID       string `json:"agent_id"`
	Authenticated bool   `json:"authenticated"`

	// ExpiresAt is the agent token's expiry in RFC 3339 form, empty while
	// unauthenticated.
	ExpiresAt string `json:"expires_at,omitempty"`
}
