package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"agentbroker/internal/config"
	"agentbroker/pkg/logging"
	"agentbroker/pkg/oauth"
)

// flowResponse is the identity provider's answer at each step of the
// direct-mode agent authentication flow.
type flowResponse struct {
	FlowID     string `json:"flowId"`
	FlowStatus string `json:"flowStatus"`

	NextStep struct {
		Authenticators []struct {
			AuthenticatorID string `json:"authenticatorId"`
		} `json:"authenticators"`
	} `json:"nextStep"`

	AuthData struct {
		Code string `json:"code"`
	} `json:"authData"`
}

// authnRequest is the body submitted to the authn endpoint for one step.
type authnRequest struct {
	FlowID                string                `json:"flowId"`
	SelectedAuthenticator selectedAuthenticator `json:"selectedAuthenticator"`
}

type selectedAuthenticator struct {
	AuthenticatorID string            `json:"authenticatorId"`
	Params          map[string]string `json:"params"`
}

// AgentAuthenticator obtains and holds the agent's own identity token via
// the provider's multi-step app-native authentication flow. The token is
// what delegated exchanges attach as the actor token.
type AgentAuthenticator struct {
	idp        config.IdPConfig
	agent      config.AgentConfig
	exchanger  *IdPClient
	httpClient *http.Client

	mu    sync.Mutex
	token *oauth.Token
}

// NewAgentAuthenticator wires an authenticator for the configured agent.
func NewAgentAuthenticator(idp config.IdPConfig, agent config.AgentConfig, exchanger *IdPClient) *AgentAuthenticator {
	return &AgentAuthenticator{
		idp:       idp,
		agent:     agent,
		exchanger: exchanger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Token returns a live agent access token, re-authenticating when the held
// one has expired. The empty string return on error lets callers degrade
// instead of aborting unrelated work.
func (a *AgentAuthenticator) Token(ctx context.Context) (string, error) {
	token, err := a.CurrentToken(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// CurrentToken returns the agent's identity token with its metadata,
// re-authenticating when the held one has expired.
func (a *AgentAuthenticator) CurrentToken(ctx context.Context) (*oauth.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != nil && !a.token.IsExpired() {
		return a.token, nil
	}

	token, err := a.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	a.token = token
	return token, nil
}

// Authenticated reports whether a live agent token is held, and its expiry.
func (a *AgentAuthenticator) Authenticated() (bool, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == nil || a.token.IsExpired() {
		return false, time.Time{}
	}
	return true, a.token.ExpiresAt
}

// Authenticate runs the full flow eagerly, priming the held token.
func (a *AgentAuthenticator) Authenticate(ctx context.Context) error {
	_, err := a.Token(ctx)
	return err
}

// authenticate walks the direct-mode flow: initiate, submit the agent ID,
// submit the agent secret, then redeem the issued code.
func (a *AgentAuthenticator) authenticate(ctx context.Context) (*oauth.Token, error) {
	verifier, challenge, err := oauth.GeneratePKCERaw()
	if err != nil {
		return nil, &AgentAuthenticationError{Step: "pkce", Err: err}
	}

	flow, err := a.initiateFlow(ctx, challenge)
	if err != nil {
		return nil, err
	}
	if len(flow.NextStep.Authenticators) == 0 {
		return nil, &AgentAuthenticationError{Step: "initiate", Err: fmt.Errorf("flow offered no authenticators")}
	}

	logging.Debug("AgentAuth", "Authentication flow started flow_id=%s", logging.Preview(flow.FlowID))

	flow, err = a.submitStep(ctx, "username", flow.FlowID, flow.NextStep.Authenticators[0].AuthenticatorID,
		map[string]string{"username": a.agent.ID})
	if err != nil {
		return nil, err
	}
	if len(flow.NextStep.Authenticators) == 0 {
		return nil, &AgentAuthenticationError{Step: "username", Err: fmt.Errorf("flow offered no next authenticator")}
	}

	flow, err = a.submitStep(ctx, "password", flow.FlowID, flow.NextStep.Authenticators[0].AuthenticatorID,
		map[string]string{"password": a.agent.Secret})
	if err != nil {
		return nil, err
	}
	if flow.AuthData.Code == "" {
		return nil, &AgentAuthenticationError{Step: "password", Err: fmt.Errorf("flow completed with status %q but no code", flow.FlowStatus)}
	}

	authz := AuthorizationConfig{
		Scopes:   a.agent.Scopes,
		Grant:    GrantAgentIdentity,
		Resource: a.agent.Resource,
	}
	token, err := a.exchanger.Exchange(ctx, flow.AuthData.Code, verifier, authz, "")
	if err != nil {
		return nil, &AgentAuthenticationError{Step: "exchange", Err: err}
	}

	logging.Info("AgentAuth", "Agent %s authenticated (expires: %s)",
		a.agent.ID, token.ExpiresAt.Format(time.RFC3339))
	return token, nil
}

// initiateFlow starts a direct-mode authorization, which returns the flow
// descriptor as JSON instead of redirecting a browser.
func (a *AgentAuthenticator) initiateFlow(ctx context.Context, challenge string) (*flowResponse, error) {
	data := url.Values{}
	data.Set("response_type", "code")
	data.Set("response_mode", "direct")
	data.Set("client_id", a.idp.ClientID)
	data.Set("redirect_uri", a.idp.RedirectURI)
	data.Set("code_challenge", challenge)
	data.Set("code_challenge_method", "S256")
	if len(a.agent.Scopes) > 0 {
		data.Set("scope", strings.Join(a.agent.Scopes, " "))
	}
	if a.agent.Resource != "" {
		data.Set("resource", a.agent.Resource)
	}

	endpoint := strings.TrimSuffix(a.idp.BaseURL, "/") + "/oauth2/authorize"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &AgentAuthenticationError{Step: "initiate", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	return a.doFlowRequest(req, "initiate")
}

// submitStep posts one authenticator's parameters to the authn endpoint.
func (a *AgentAuthenticator) submitStep(ctx context.Context, step, flowID, authenticatorID string, params map[string]string) (*flowResponse, error) {
	body, err := json.Marshal(authnRequest{
		FlowID: flowID,
		SelectedAuthenticator: selectedAuthenticator{
			AuthenticatorID: authenticatorID,
			Params:          params,
		},
	})
	if err != nil {
		return nil, &AgentAuthenticationError{Step: step, Err: err}
	}

	endpoint := strings.TrimSuffix(a.idp.BaseURL, "/") + "/oauth2/authn"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &AgentAuthenticationError{Step: step, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return a.doFlowRequest(req, step)
}

func (a *AgentAuthenticator) doFlowRequest(req *http.Request, step string) (*flowResponse, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &AgentAuthenticationError{Step: step, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &AgentAuthenticationError{Step: step, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AgentAuthenticationError{Step: step, Err: fmt.Errorf("authentication endpoint returned status %d", resp.StatusCode)}
	}

	var flow flowResponse
	if err := json.Unmarshal(body, &flow); err != nil {
		return nil, &AgentAuthenticationError{Step: step, Err: fmt.Errorf("decoding flow response: %w", err)}
	}
	return &flow, nil
}
