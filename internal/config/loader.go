package config

import (
	"errors"
	"fmt"
	"os"

	"agentbroker/pkg/logging"

	"gopkg.in/yaml.v3"
)

// Environment variable names for secret overrides. Secrets should come from
// the environment rather than config files checked into source control.
const (
	EnvIdPBaseURL   = "AGENTBROKER_IDP_BASE_URL"
	EnvClientID     = "AGENTBROKER_CLIENT_ID"
	EnvClientSecret = "AGENTBROKER_CLIENT_SECRET"
	EnvRedirectURI  = "AGENTBROKER_REDIRECT_URI"
	EnvAgentID      = "AGENTBROKER_AGENT_ID"
	EnvAgentName    = "AGENTBROKER_AGENT_NAME"
	EnvAgentSecret  = "AGENTBROKER_AGENT_SECRET"
)

// LoadConfig loads configuration from the given YAML file, applies defaults
// for unset values, and overlays environment overrides. A missing file is
// not an error: defaults plus environment are used.
func LoadConfig(path string) (Config, error) {
	cfg := GetDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config file at %s, using defaults and environment", path)
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error reading config from %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	logging.Info("ConfigLoader", "Loaded configuration from %s", path)
	return cfg, nil
}

// applyEnvOverrides overlays environment variables onto the config.
// Environment always wins over file values.
func applyEnvOverrides(c *Config) {
	setIfPresent(EnvIdPBaseURL, &c.IdP.BaseURL)
	setIfPresent(EnvClientID, &c.IdP.ClientID)
	setIfPresent(EnvClientSecret, &c.IdP.ClientSecret)
	setIfPresent(EnvRedirectURI, &c.IdP.RedirectURI)
	setIfPresent(EnvAgentID, &c.Agent.ID)
	setIfPresent(EnvAgentName, &c.Agent.Name)
	setIfPresent(EnvAgentSecret, &c.Agent.Secret)
}

func setIfPresent(env string, dst *string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
