package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"agentbroker/internal/config"
	"agentbroker/pkg/logging"
	"agentbroker/pkg/oauth"
)

// actorTokenType is the token type hint sent alongside an actor token on
// delegated code exchange.
const actorTokenType = "urn:ietf:params:oauth:token-type:access_token"

// IdPClient talks to the identity provider's OAuth2 endpoints on behalf of
// the broker: building authorization URLs, exchanging codes, refreshing,
// and the client-credentials grant.
type IdPClient struct {
	cfg        config.IdPConfig
	httpClient *http.Client
}

// NewIdPClient creates a client for the configured identity provider.
func NewIdPClient(cfg config.IdPConfig) *IdPClient {
	return &IdPClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *IdPClient) authorizeEndpoint() string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/oauth2/authorize"
}

func (c *IdPClient) tokenEndpoint() string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/oauth2/token"
}

func (c *IdPClient) authnEndpoint() string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/oauth2/authn"
}

// BuildAuthorizeURL assembles the consent redirect URL for a delegated
// authorization. requestedActor, when non-empty, asks the provider to bind
// the issued token to that agent as the acting party.
func (c *IdPClient) BuildAuthorizeURL(authz AuthorizationConfig, state, challenge, requestedActor string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", c.cfg.ClientID)
	params.Set("redirect_uri", c.cfg.RedirectURI)
	params.Set("state", state)
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", "S256")
	if len(authz.Scopes) > 0 {
		params.Set("scope", authz.ScopeString())
	}
	if authz.Resource != "" {
		params.Set("resource", authz.Resource)
	}
	if requestedActor != "" {
		params.Set("requested_actor", requestedActor)
	}
	return c.authorizeEndpoint() + "?" + params.Encode()
}

// Exchange redeems an authorization code for a token. actorToken, when
// non-empty, is attached so the provider issues a delegated token naming
// the agent as actor.
func (c *IdPClient) Exchange(ctx context.Context, code, verifier string, authz AuthorizationConfig, actorToken string) (*oauth.Token, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", c.cfg.RedirectURI)
	data.Set("client_id", c.cfg.ClientID)
	data.Set("code_verifier", verifier)
	if authz.Resource != "" {
		data.Set("resource", authz.Resource)
	}
	if actorToken != "" {
		data.Set("actor_token", actorToken)
		data.Set("actor_token_type", actorTokenType)
	}

	token, err := c.postToken(ctx, data, "exchange")
	if err != nil {
		return nil, err
	}
	return token, nil
}

// Refresh obtains a new token from a refresh token. It fails fast when no
// refresh token is at hand rather than sending a doomed request.
func (c *IdPClient) Refresh(ctx context.Context, refreshToken string, authz AuthorizationConfig) (*oauth.Token, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", c.cfg.ClientID)
	if len(authz.Scopes) > 0 {
		data.Set("scope", authz.ScopeString())
	}

	return c.postToken(ctx, data, "refresh")
}

// ClientCredentials acquires a token under the broker's own registration.
func (c *IdPClient) ClientCredentials(ctx context.Context, authz AuthorizationConfig) (*oauth.Token, error) {
	cc := &clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		TokenURL:     c.tokenEndpoint(),
		Scopes:       authz.Scopes,
	}
	if authz.Resource != "" {
		cc.EndpointParams = url.Values{"resource": {authz.Resource}}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, &TokenExchangeError{Op: "client_credentials", Err: err}
	}

	token := oauth.FromOAuth2Token(tok)
	logging.Debug("IdPClient", "Acquired client-credentials token scopes=%q expires_at=%s",
		authz.ScopeString(), token.ExpiresAt.Format(time.RFC3339))
	return token, nil
}

// postToken submits a form to the token endpoint and decodes the response.
// Request and response bodies are never logged whole.
func (c *IdPClient) postToken(ctx context.Context, data url.Values, op string) (*oauth.Token, error) {
	correlationID := uuid.NewString()
	logging.Debug("IdPClient", "Token endpoint request op=%s grant_type=%s correlation_id=%s",
		op, data.Get("grant_type"), correlationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &TokenExchangeError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TokenExchangeError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TokenExchangeError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
			return nil, &TokenExchangeError{Op: op, Err: fmt.Errorf("%s: %s", oauthErr.Error, oauthErr.Description)}
		}
		return nil, &TokenExchangeError{Op: op, Err: fmt.Errorf("token endpoint returned status %d", resp.StatusCode)}
	}

	var token oauth.Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, &TokenExchangeError{Op: op, Err: fmt.Errorf("decoding token response: %w", err)}
	}
	if token.AccessToken == "" {
		return nil, &TokenExchangeError{Op: op, Err: fmt.Errorf("token endpoint returned no access token")}
	}
	token.SetExpiry(time.Now())

	logging.Debug("IdPClient", "Token endpoint response op=%s correlation_id=%s token=%s expires_in=%d",
		op, correlationID, logging.Preview(token.AccessToken), token.ExpiresIn)
	return &token, nil
}
