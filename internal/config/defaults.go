package config

// Defaults mirrored from the broker's contract: cache residency one hour,
// up to a thousand cached tokens, five minutes for the user to complete
// consent.
const (
	DefaultCacheMaxEntries    = 1000
	DefaultCacheTTLSeconds    = 3600
	DefaultAuthTimeoutSeconds = 300
	DefaultHTTPAddr           = "localhost:8085"
	DefaultCallbackPath       = "/oauth/callback"
	DefaultLogLevel           = "info"
)

// GetDefaultConfig returns a configuration with all defaults applied and no
// identity provider wired; callers must fill in IdP settings.
func GetDefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			MaxEntries: DefaultCacheMaxEntries,
			TTLSeconds: DefaultCacheTTLSeconds,
		},
		HTTP: HTTPConfig{
			Addr:         DefaultHTTPAddr,
			CallbackPath: DefaultCallbackPath,
		},
		AuthorizationTimeoutSeconds: DefaultAuthTimeoutSeconds,
		LogLevel:                    DefaultLogLevel,
	}
}

// applyDefaults fills zero values with defaults after loading.
func applyDefaults(c *Config) {
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = DefaultCacheTTLSeconds
	}
	if c.AuthorizationTimeoutSeconds <= 0 {
		c.AuthorizationTimeoutSeconds = DefaultAuthTimeoutSeconds
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.CallbackPath == "" {
		c.HTTP.CallbackPath = DefaultCallbackPath
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}
