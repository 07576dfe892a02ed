package broker

import (
	"context"
	"sort"
	"strings"
)

// GrantKind is the OAuth2 grant used to obtain a token.
type GrantKind string

const (
	// GrantClientCredentials is the plain client-credentials grant: the
	// broker's own registration, no end user involved.
	GrantClientCredentials GrantKind = "client_credentials"

	// GrantDelegated is the authorization-code grant with PKCE, acquired
	// on behalf of an end user via a consent redirect.
	GrantDelegated GrantKind = "authorization_code"

	// GrantAgentIdentity is the agent's own identity token, obtained via
	// the multi-step agent authentication flow.
	GrantAgentIdentity GrantKind = "agent_identity"
)

// AuthorizationConfig describes the capability a caller needs a token for.
// It is a value object: equality is by field value, with scopes compared as
// a set.
type AuthorizationConfig struct {
	Scopes   []string
	Grant    GrantKind
	Resource string
}

// ScopeString returns the scopes space-joined in their given order, as sent
// on the wire.
func (c AuthorizationConfig) ScopeString() string {
	return strings.Join(c.Scopes, " ")
}

// CacheKey identifies a cache slot. Two configurations with the same scope
// set (regardless of order), grant kind and resource share a slot.
type CacheKey struct {
	Scopes   string
	Grant    GrantKind
	Resource string
}

// CacheKey computes the cache key for this configuration.
func (c AuthorizationConfig) CacheKey() CacheKey {
	sorted := make([]string, len(c.Scopes))
	copy(sorted, c.Scopes)
	sort.Strings(sorted)

	return CacheKey{
		Scopes:   strings.Join(sorted, " "),
		Grant:    c.Grant,
		Resource: c.Resource,
	}
}

// String renders the key for use with singleflight and logging.
func (k CacheKey) String() string {
	return string(k.Grant) + "|" + k.Resource + "|" + k.Scopes
}

// ConsentRequest is the notification emitted when a delegated token request
// needs the user to complete a consent redirect. It carries everything the
// front end needs to present the flow.
type ConsentRequest struct {
	// AuthorizationURL is the ready-to-open authorization endpoint URL.
	AuthorizationURL string `json:"auth_url"`

	// State correlates the eventual callback with this request.
	State string `json:"state"`

	// Scopes being requested.
	Scopes []string `json:"scopes"`

	// Resource the token is requested for, if any.
	Resource string `json:"resource,omitempty"`
}

// NotifyFunc delivers a ConsentRequest to the consuming front end. It must
// be registered before any delegated flow can be used. Implementations may
// block briefly (e.g. a webhook POST) but must respect the context.
type NotifyFunc func(ctx context.Context, req ConsentRequest) error
