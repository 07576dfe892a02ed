package broker

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentbroker/internal/config"
	"agentbroker/pkg/oauth"
)

// brokerIdP is a scripted token endpoint for broker scenarios. It hands out
// tokens named after the grant type and records what it saw.
type brokerIdP struct {
	mu sync.Mutex

	// expectedChallenge, when set, must match the verifier presented on
	// code exchange.
	expectedChallenge string

	// agentFlow enables the direct-mode authentication endpoints so a
	// configured agent can obtain its identity token.
	agentFlow bool

	tokenCalls     map[string]int
	lastActorToken string
	lastResource   string
	refreshSeen    string
}

func newBrokerIdP() *brokerIdP {
	return &brokerIdP{tokenCalls: make(map[string]int)}
}

func (f *brokerIdP) setChallenge(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expectedChallenge = c
}

func (f *brokerIdP) calls(grantType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls[grantType]
}

func (f *brokerIdP) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		// The agent's own code exchange is kept apart from the brokered
		// grants so tests can count and inspect them independently.
		if r.Form.Get("code") == "agent-code" {
			f.mu.Lock()
			f.tokenCalls["agent_identity"]++
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "agent-token",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
			return
		}

		f.mu.Lock()
		grantType := r.Form.Get("grant_type")
		f.tokenCalls[grantType]++
		f.lastActorToken = r.Form.Get("actor_token")
		f.lastResource = r.Form.Get("resource")

		switch grantType {
		case "authorization_code":
			if f.expectedChallenge != "" {
				sum := sha256.Sum256([]byte(r.Form.Get("code_verifier")))
				if base64.RawURLEncoding.EncodeToString(sum[:]) != f.expectedChallenge {
					f.mu.Unlock()
					http.Error(w, "verifier mismatch", http.StatusBadRequest)
					return
				}
			}
		case "refresh_token":
			f.refreshSeen = r.Form.Get("refresh_token")
		}
		f.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "token-" + grantType,
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "refresh-" + grantType,
		})
	})

	if f.agentFlow {
		mux.HandleFunc("/oauth2/authorize", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"flowId":     "agent-flow",
				"flowStatus": "INCOMPLETE",
				"nextStep": map[string]any{
					"authenticators": []map[string]any{{"authenticatorId": "username-authenticator"}},
				},
			})
		})
		mux.HandleFunc("/oauth2/authn", func(w http.ResponseWriter, r *http.Request) {
			var req authnRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			switch req.SelectedAuthenticator.AuthenticatorID {
			case "username-authenticator":
				json.NewEncoder(w).Encode(map[string]any{
					"flowId":     "agent-flow",
					"flowStatus": "INCOMPLETE",
					"nextStep": map[string]any{
						"authenticators": []map[string]any{{"authenticatorId": "password-authenticator"}},
					},
				})
			case "password-authenticator":
				json.NewEncoder(w).Encode(map[string]any{
					"flowId":     "agent-flow",
					"flowStatus": "SUCCESS_COMPLETED",
					"authData":   map[string]any{"code": "agent-code"},
				})
			default:
				http.Error(w, "unknown authenticator", http.StatusBadRequest)
			}
		})
	}
	return mux
}

func testBrokerConfig(idpURL string) config.Config {
	cfg := config.GetDefaultConfig()
	cfg.IdP = config.IdPConfig{
		BaseURL:      idpURL,
		ClientID:     "broker-client",
		ClientSecret: "broker-secret",
		RedirectURI:  "https://chat.example.com/oauth/callback",
	}
	cfg.AuthorizationTimeoutSeconds = 2
	return cfg
}

// consentCollector captures consent notifications for the tests to react to.
type consentCollector struct {
	mu       sync.Mutex
	requests []ConsentRequest
}

func (c *consentCollector) notify(_ context.Context, req ConsentRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return nil
}

func (c *consentCollector) wait(t *testing.T) ConsentRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.requests) > 0 {
			req := c.requests[len(c.requests)-1]
			c.mu.Unlock()
			return req
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no consent request delivered")
	return ConsentRequest{}
}

func (c *consentCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func newTestBroker(t *testing.T, idp *brokerIdP, notify NotifyFunc) *Broker {
	t.Helper()
	srv := httptest.NewServer(idp.handler())
	t.Cleanup(srv.Close)

	cfg := testBrokerConfig(srv.URL)
	if notify == nil {
		cfg.IdP.RedirectURI = ""
	}
	b, err := New(context.Background(), cfg, notify)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

// newTestAgentBroker is newTestBroker with an agent identity configured.
func newTestAgentBroker(t *testing.T, idp *brokerIdP, notify NotifyFunc) *Broker {
	t.Helper()
	srv := httptest.NewServer(idp.handler())
	t.Cleanup(srv.Close)

	cfg := testBrokerConfig(srv.URL)
	cfg.Agent = config.AgentConfig{
		ID:       "agent-1",
		Name:     "ordering-agent",
		Secret:   "agent-secret",
		Resource: "orders_api",
		Scopes:   []string{"place_order"},
	}
	if notify == nil {
		cfg.IdP.RedirectURI = ""
	}
	b, err := New(context.Background(), cfg, notify)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func challengeFrom(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parsing authorization URL: %v", err)
	}
	return u.Query().Get("code_challenge")
}

func TestNew_DelegatedConfigRequiresNotifier(t *testing.T) {
	cfg := testBrokerConfig("https://idp.example.com")

	_, err := New(context.Background(), cfg, nil)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("New() error = %v, want ConfigurationError", err)
	}

	// Without a redirect URI the notifier is optional.
	cfg.IdP.RedirectURI = ""
	b, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New() without delegation error: %v", err)
	}
	b.Stop()
}

func TestBroker_ClientCredentials(t *testing.T) {
	idp := newBrokerIdP()
	b := newTestBroker(t, idp, nil)

	authz := AuthorizationConfig{
		Scopes:   []string{"inventory.read"},
		Grant:    GrantClientCredentials,
		Resource: "inventory_api",
	}

	tok, err := b.GetToken(context.Background(), authz)
	if err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}
	if tok.AccessToken != "token-client_credentials" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}

	// Second call is served from cache.
	if _, err := b.GetToken(context.Background(), authz); err != nil {
		t.Fatalf("second GetToken() error: %v", err)
	}
	if got := idp.calls("client_credentials"); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1", got)
	}
	if idp.lastResource != "inventory_api" {
		t.Errorf("resource = %q, want inventory_api", idp.lastResource)
	}
}

func TestBroker_DelegatedConsentRoundTrip(t *testing.T) {
	idp := newBrokerIdP()
	consents := &consentCollector{}
	b := newTestBroker(t, idp, consents.notify)

	authz := AuthorizationConfig{
		Scopes:   []string{"read_orders", "place_order"},
		Grant:    GrantDelegated,
		Resource: "orders_api",
	}

	type result struct {
		token *oauth.Token
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		tok, err := b.GetToken(context.Background(), authz)
		resultCh <- result{tok, err}
	}()

	req := consents.wait(t)
	if req.State == "" || req.AuthorizationURL == "" {
		t.Fatalf("incomplete consent request: %+v", req)
	}
	u, err := url.Parse(req.AuthorizationURL)
	if err != nil {
		t.Fatalf("parsing authorization URL: %v", err)
	}
	if got := u.Query().Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", got)
	}
	idp.setChallenge(challengeFrom(t, req.AuthorizationURL))

	// The user consents; the provider redirects to the callback.
	if _, err := b.Resolve(context.Background(), req.State, "auth-code-1"); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("GetToken() error: %v", res.err)
	}
	if res.token.AccessToken != "token-authorization_code" {
		t.Errorf("AccessToken = %q", res.token.AccessToken)
	}

	// The token is cached; a repeat request involves no new consent.
	if _, err := b.GetToken(context.Background(), authz); err != nil {
		t.Fatalf("cached GetToken() error: %v", err)
	}
	if consents.count() != 1 {
		t.Errorf("consent requested %d times, want 1", consents.count())
	}
}

func TestBroker_DuplicateCallback(t *testing.T) {
	idp := newBrokerIdP()
	consents := &consentCollector{}
	b := newTestBroker(t, idp, consents.notify)

	authz := AuthorizationConfig{Scopes: []string{"read"}, Grant: GrantDelegated}
	go b.GetToken(context.Background(), authz)

	req := consents.wait(t)
	if _, err := b.Resolve(context.Background(), req.State, "code"); err != nil {
		t.Fatalf("first Resolve() error: %v", err)
	}
	if _, err := b.Resolve(context.Background(), req.State, "code"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Resolve() = %v, want ErrAlreadyResolved", err)
	}
}

func TestBroker_UnknownState(t *testing.T) {
	b := newTestBroker(t, newBrokerIdP(), (&consentCollector{}).notify)

	_, err := b.Resolve(context.Background(), "forged-state", "code")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resolve(forged) = %v, want ErrInvalidState", err)
	}
}

func TestBroker_ConsentTimeoutAndLateRecovery(t *testing.T) {
	idp := newBrokerIdP()
	consents := &consentCollector{}
	b := newTestBroker(t, idp, consents.notify)
	b.timeout = 50 * time.Millisecond

	authz := AuthorizationConfig{Scopes: []string{"read_orders"}, Grant: GrantDelegated}

	_, err := b.GetToken(context.Background(), authz)
	if !errors.Is(err, ErrAuthorizationTimeout) {
		t.Fatalf("GetToken() = %v, want ErrAuthorizationTimeout", err)
	}

	// The user finishes consent after the waiter gave up. The retained
	// verifier lets the exchange complete and the token lands in the
	// cache for the retry.
	req := consents.wait(t)
	if _, err := b.Resolve(context.Background(), req.State, "late-code"); err != nil {
		t.Fatalf("late Resolve() error: %v", err)
	}

	tok, err := b.GetToken(context.Background(), authz)
	if err != nil {
		t.Fatalf("retry GetToken() error: %v", err)
	}
	if tok.AccessToken != "token-authorization_code" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	// The retry was a pure cache hit, no second consent.
	if consents.count() != 1 {
		t.Errorf("consent requested %d times, want 1", consents.count())
	}
}

func TestBroker_UserDeniesConsent(t *testing.T) {
	idp := newBrokerIdP()
	consents := &consentCollector{}
	b := newTestBroker(t, idp, consents.notify)

	authz := AuthorizationConfig{Scopes: []string{"read"}, Grant: GrantDelegated}

	errCh := make(chan error, 1)
	go func() {
		_, err := b.GetToken(context.Background(), authz)
		errCh <- err
	}()

	req := consents.wait(t)
	if err := b.ResolveError(req.State, "access_denied", "user denied the request"); err != nil {
		t.Fatalf("ResolveError() error: %v", err)
	}

	err := <-errCh
	var teErr *TokenExchangeError
	if !errors.As(err, &teErr) {
		t.Fatalf("GetToken() error = %v, want TokenExchangeError", err)
	}
	if idp.calls("authorization_code") != 0 {
		t.Error("code exchange attempted despite denial")
	}
}

func TestBroker_ConcurrentRequestsShareOneConsent(t *testing.T) {
	idp := newBrokerIdP()
	consents := &consentCollector{}
	b := newTestBroker(t, idp, consents.notify)

	authz := AuthorizationConfig{Scopes: []string{"read"}, Grant: GrantDelegated}

	const callers = 5
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.GetToken(context.Background(), authz); err != nil {
				failures.Add(1)
			}
		}()
	}

	req := consents.wait(t)
	// Give the remaining callers time to join the in-flight acquisition.
	time.Sleep(50 * time.Millisecond)
	if _, err := b.Resolve(context.Background(), req.State, "code"); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Errorf("%d callers failed", n)
	}
	if consents.count() != 1 {
		t.Errorf("consent requested %d times, want 1", consents.count())
	}
	if idp.calls("authorization_code") != 1 {
		t.Errorf("code exchanged %d times, want 1", idp.calls("authorization_code"))
	}
}

func TestBroker_RefreshPath(t *testing.T) {
	idp := newBrokerIdP()
	b := newTestBroker(t, idp, (&consentCollector{}).notify)

	authz := AuthorizationConfig{Scopes: []string{"read"}, Grant: GrantDelegated}
	key := authz.CacheKey()

	// Seed the cache with an expired token that still has a refresh token.
	b.cache.Put(key, &oauth.Token{
		AccessToken:  "stale",
		ExpiresAt:    time.Now().Add(-time.Minute),
		RefreshToken: "refresh-me",
	})

	tok, err := b.GetToken(context.Background(), authz)
	if err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}
	if tok.AccessToken != "token-refresh_token" {
		t.Errorf("AccessToken = %q, want token-refresh_token", tok.AccessToken)
	}
	if idp.refreshSeen != "refresh-me" {
		t.Errorf("refresh token sent = %q, want refresh-me", idp.refreshSeen)
	}
	// No consent round trip happened.
	if idp.calls("authorization_code") != 0 {
		t.Error("delegated acquisition ran despite refreshable entry")
	}
}

func TestBroker_Status(t *testing.T) {
	idp := newBrokerIdP()
	b := newTestBroker(t, idp, nil)

	authz := AuthorizationConfig{Scopes: []string{"read"}, Grant: GrantClientCredentials}
	if _, err := b.GetToken(context.Background(), authz); err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}

	status := b.Status()
	if status.CachedTokens != 1 {
		t.Errorf("CachedTokens = %d, want 1", status.CachedTokens)
	}
	if status.PendingAuthorizations != 0 {
		t.Errorf("PendingAuthorizations = %d, want 0", status.PendingAuthorizations)
	}
	if status.AgentAuth != nil {
		t.Error("AgentAuth reported without a configured agent")
	}
	if status.DownstreamEnabled {
		t.Error("DownstreamEnabled reported without configuration")
	}
}

func TestBroker_DelegatedExchangeCarriesActorToken(t *testing.T) {
	idp := newBrokerIdP()
	idp.agentFlow = true
	consents := &consentCollector{}
	b := newTestAgentBroker(t, idp, consents.notify)

	if got := idp.calls("agent_identity"); got != 1 {
		t.Fatalf("agent authenticated %d times at startup, want 1", got)
	}

	authz := AuthorizationConfig{Scopes: []string{"read_orders"}, Grant: GrantDelegated, Resource: "orders_api"}
	errCh := make(chan error, 1)
	go func() {
		_, err := b.GetToken(context.Background(), authz)
		errCh <- err
	}()

	req := consents.wait(t)
	u, err := url.Parse(req.AuthorizationURL)
	if err != nil {
		t.Fatalf("parsing authorization URL: %v", err)
	}
	if got := u.Query().Get("requested_actor"); got != "agent-1" {
		t.Errorf("requested_actor = %q, want agent-1", got)
	}
	if got := u.Query().Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", got)
	}

	if _, err := b.Resolve(context.Background(), req.State, "user-code"); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}

	idp.mu.Lock()
	actor := idp.lastActorToken
	idp.mu.Unlock()
	if actor != "agent-token" {
		t.Errorf("actor_token on code exchange = %q, want agent-token", actor)
	}
}

func TestBroker_AgentFailureDoesNotBlockClientCredentials(t *testing.T) {
	// The flow endpoints are absent, so agent authentication fails at
	// construction. The broker still comes up and serves non-delegated
	// grants.
	idp := newBrokerIdP()
	b := newTestAgentBroker(t, idp, nil)

	authz := AuthorizationConfig{Scopes: []string{"read"}, Grant: GrantClientCredentials}
	tok, err := b.GetToken(context.Background(), authz)
	if err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}
	if tok.AccessToken != "token-client_credentials" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}

	status := b.Status()
	if status.AgentAuth == nil {
		t.Fatal("AgentAuth missing from status with a configured agent")
	}
	if status.AgentAuth.Authenticated {
		t.Error("agent reported authenticated despite failed flow")
	}
}

func TestBroker_ExpiredWithoutRefreshTokenReacquires(t *testing.T) {
	idp := newBrokerIdP()
	b := newTestBroker(t, idp, nil)

	authz := AuthorizationConfig{Scopes: []string{"read"}, Grant: GrantClientCredentials}
	b.cache.Put(authz.CacheKey(), &oauth.Token{
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-time.Minute),
	})

	tok, err := b.GetToken(context.Background(), authz)
	if err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}
	if tok.AccessToken != "token-client_credentials" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if idp.calls("refresh_token") != 0 {
		t.Error("refresh attempted without a refresh token")
	}
}
