package config

import "time"

// Config is the top-level configuration structure for the broker daemon.
type Config struct {
	IdP        IdPConfig        `yaml:"idp"`
	Agent      AgentConfig      `yaml:"agent"`
	Cache      CacheConfig      `yaml:"cache"`
	HTTP       HTTPConfig       `yaml:"http"`
	Downstream DownstreamConfig `yaml:"downstream,omitempty"`

	Notifications NotificationsConfig `yaml:"notifications,omitempty"`

	// AuthorizationTimeoutSeconds bounds how long a delegated request waits
	// for the user to complete consent before giving up (default 300).
	AuthorizationTimeoutSeconds int `yaml:"authorizationTimeoutSeconds,omitempty"`

	// TrustedIssuerBoundary records the deployment assumption that a
	// validating gateway in front of this process has already verified
	// token signatures. Decoded-but-unverified claims may be used for
	// business context only when this is set; the broker itself never
	// treats them as trust-bearing.
	TrustedIssuerBoundary bool `yaml:"trustedIssuerBoundary,omitempty"`

	// LogLevel is one of debug, info, warn, error (default info).
	LogLevel string `yaml:"logLevel,omitempty"`
}

// IdPConfig identifies the identity provider and this client's registration.
type IdPConfig struct {
	// BaseURL is the identity provider base URL; the authorize, authn and
	// token endpoints are derived from it.
	BaseURL string `yaml:"baseURL"`

	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret,omitempty"`

	// RedirectURI is where the provider sends the browser after consent.
	// Required for delegated grants.
	RedirectURI string `yaml:"redirectURI,omitempty"`
}

// AgentConfig is the identity of the autonomous agent this broker acts for.
// When set, the broker authenticates the agent at construction and attaches
// its actor token to delegated exchanges.
type AgentConfig struct {
	ID     string `yaml:"id,omitempty"`
	Name   string `yaml:"name,omitempty"`
	Secret string `yaml:"secret,omitempty"`

	// Resource is the resource identifier the agent's own token is scoped
	// to (e.g. "pizza_api").
	Resource string `yaml:"resource,omitempty"`

	// Scopes requested for the agent's own token.
	Scopes []string `yaml:"scopes,omitempty"`
}

// Configured reports whether an agent identity is present.
func (a AgentConfig) Configured() bool {
	return a.ID != "" && a.Secret != ""
}

// CacheConfig bounds the token cache.
type CacheConfig struct {
	// MaxEntries caps the number of cached tokens (default 1000).
	MaxEntries int `yaml:"maxEntries,omitempty"`

	// TTLSeconds is the hard upper bound on cache residency per entry,
	// independent of token expiry (default 3600).
	TTLSeconds int `yaml:"ttlSeconds,omitempty"`
}

// HTTPConfig configures the inbound callback boundary.
type HTTPConfig struct {
	// Addr is the listen address (default "localhost:8085").
	Addr string `yaml:"addr,omitempty"`

	// CallbackPath is the path the IdP redirects to (default "/oauth/callback").
	CallbackPath string `yaml:"callbackPath,omitempty"`
}

// NotificationsConfig controls how consent requests reach the front end.
type NotificationsConfig struct {
	// WebhookURL, when set, receives each consent request as a JSON POST.
	// When empty, consent requests are written to the log.
	WebhookURL string `yaml:"webhookURL,omitempty"`
}

// DownstreamConfig enables RFC 8693 exchange of a delegated token for a
// token accepted by a partner resource server.
type DownstreamConfig struct {
	Enabled       bool   `yaml:"enabled,omitempty"`
	TokenEndpoint string `yaml:"tokenEndpoint,omitempty"`
	ConnectorID   string `yaml:"connectorID,omitempty"`
	ClientID      string `yaml:"clientID,omitempty"`
	ClientSecret  string `yaml:"clientSecret,omitempty"`
	Scopes        string `yaml:"scopes,omitempty"`

	// AllowPrivateIP permits token endpoints on private addresses.
	// Reduces SSRF protection; for internal/VPN deployments only.
	AllowPrivateIP bool `yaml:"allowPrivateIP,omitempty"`
}

// AuthorizationTimeout returns the consent wait bound as a duration.
func (c Config) AuthorizationTimeout() time.Duration {
	return time.Duration(c.AuthorizationTimeoutSeconds) * time.Second
}

// CacheTTL returns the cache residency bound as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
