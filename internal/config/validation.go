package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for structural problems that would make
// the broker unusable. It does not reach out to the network.
func (c Config) Validate() error {
	if c.IdP.BaseURL == "" {
		return fmt.Errorf("idp.baseURL is required")
	}
	if _, err := url.Parse(c.IdP.BaseURL); err != nil {
		return fmt.Errorf("idp.baseURL is not a valid URL: %w", err)
	}
	if c.IdP.ClientID == "" {
		return fmt.Errorf("idp.clientID is required")
	}

	// Delegated flows need somewhere to send the browser back to.
	if c.IdP.RedirectURI != "" {
		u, err := url.Parse(c.IdP.RedirectURI)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("idp.redirectURI is not a valid absolute URL: %q", c.IdP.RedirectURI)
		}
	}

	if c.Agent.ID != "" && c.Agent.Secret == "" {
		return fmt.Errorf("agent.secret is required when agent.id is set")
	}

	if !strings.HasPrefix(c.HTTP.CallbackPath, "/") {
		return fmt.Errorf("http.callbackPath must start with '/', got %q", c.HTTP.CallbackPath)
	}

	if c.Downstream.Enabled {
		if c.Downstream.TokenEndpoint == "" {
			return fmt.Errorf("downstream.tokenEndpoint is required when downstream exchange is enabled")
		}
		if !strings.HasPrefix(c.Downstream.TokenEndpoint, "https://") {
			return fmt.Errorf("downstream.tokenEndpoint must use HTTPS, got %q", c.Downstream.TokenEndpoint)
		}
		if c.Downstream.ConnectorID == "" {
			return fmt.Errorf("downstream.connectorID is required when downstream exchange is enabled")
		}
	}

	return nil
}
