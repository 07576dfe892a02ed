package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"agentbroker/internal/config"
	"agentbroker/pkg/auth"
	"agentbroker/pkg/logging"
	"agentbroker/pkg/oauth"
)

// Broker mediates between token consumers and the identity provider. It
// caches acquired tokens, deduplicates concurrent acquisitions, suspends
// delegated requests until the user completes consent, and attaches the
// agent's actor token to delegated exchanges.
type Broker struct {
	cfg        config.Config
	idp        *IdPClient
	agent      *AgentAuthenticator
	cache      *TokenCache
	pending    *PendingStore
	notify     NotifyFunc
	downstream *DownstreamExchanger
	timeout    time.Duration

	group singleflight.Group
}

// New constructs a broker from configuration. notify is required when the
// configuration enables delegated flows (a redirect URI is set): consent
// requests have nowhere to go without it.
//
// When an agent identity is configured its authentication is attempted
// eagerly but failure is not fatal; delegation degrades until the agent can
// authenticate.
func New(ctx context.Context, cfg config.Config, notify NotifyFunc) (*Broker, error) {
	if cfg.IdP.RedirectURI != "" && notify == nil {
		return nil, &ConfigurationError{Reason: "delegated flows are configured (idp.redirectURI is set) but no consent notifier is registered"}
	}

	b := &Broker{
		cfg:        cfg,
		idp:        NewIdPClient(cfg.IdP),
		cache:      NewTokenCache(cfg.Cache.MaxEntries, cfg.CacheTTL()),
		pending:    NewPendingStore(cfg.AuthorizationTimeout()),
		notify:     notify,
		downstream: NewDownstreamExchanger(cfg.Downstream, slog.Default()),
		timeout:    cfg.AuthorizationTimeout(),
	}

	if cfg.Agent.Configured() {
		b.agent = NewAgentAuthenticator(cfg.IdP, cfg.Agent, b.idp)
		if err := b.agent.Authenticate(ctx); err != nil {
			logging.Warn("Broker", "Agent authentication failed at startup, delegated exchanges proceed without actor token until it succeeds: %v", err)
		}
	}

	return b, nil
}

// Stop terminates the broker's background maintenance.
func (b *Broker) Stop() {
	b.cache.Stop()
	b.pending.Stop()
}

// GetToken returns a live token for the requested authorization, serving
// from cache when possible. Concurrent requests for the same key share one
// acquisition. Delegated requests block until the user completes consent or
// the configured window elapses.
func (b *Broker) GetToken(ctx context.Context, authz AuthorizationConfig) (*oauth.Token, error) {
	key := authz.CacheKey()

	if token := b.cache.Get(key); token != nil {
		logging.Debug("Broker", "Cache hit for key=%s", key.String())
		return token, nil
	}

	result, err, shared := b.group.Do(key.String(), func() (interface{}, error) {
		// Another flight may have populated the cache while this caller
		// waited for the flight slot.
		if token := b.cache.Get(key); token != nil {
			return token, nil
		}
		return b.acquire(ctx, authz, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.Debug("Broker", "Acquisition shared across concurrent callers key=%s", key.String())
	}
	return result.(*oauth.Token), nil
}

// acquire obtains a fresh token for key: refresh when a stale entry still
// holds a refresh token, otherwise the grant's full acquisition path.
func (b *Broker) acquire(ctx context.Context, authz AuthorizationConfig, key CacheKey) (*oauth.Token, error) {
	if stale := b.cache.TakeExpired(key); stale != nil {
		if token, err := b.idp.Refresh(ctx, stale.RefreshToken, authz); err == nil {
			b.storeToken(key, token)
			return token, nil
		} else if !errors.Is(err, ErrNoRefreshToken) {
			logging.Warn("Broker", "Refresh failed for key=%s, falling back to full acquisition: %v", key.String(), err)
		}
	}

	switch authz.Grant {
	case GrantClientCredentials:
		token, err := b.idp.ClientCredentials(ctx, authz)
		if err != nil {
			return nil, err
		}
		b.storeToken(key, token)
		return token, nil

	case GrantDelegated:
		return b.acquireDelegated(ctx, authz)

	case GrantAgentIdentity:
		if b.agent == nil {
			return nil, &ConfigurationError{Reason: "agent identity grant requested but no agent is configured"}
		}
		return b.agent.CurrentToken(ctx)

	default:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown grant kind %q", authz.Grant)}
	}
}

// acquireDelegated runs the consent round trip: register a pending
// authorization, notify the front end with the authorization URL, then
// suspend until the callback resolves it or the window elapses.
func (b *Broker) acquireDelegated(ctx context.Context, authz AuthorizationConfig) (*oauth.Token, error) {
	if b.notify == nil {
		return nil, &ConfigurationError{Reason: "delegated grant requested but no consent notifier is registered"}
	}
	if b.cfg.IdP.RedirectURI == "" {
		return nil, &ConfigurationError{Reason: "delegated grant requested but idp.redirectURI is not configured"}
	}

	verifier, challenge, err := oauth.GeneratePKCERaw()
	if err != nil {
		return nil, fmt.Errorf("generating PKCE pair: %w", err)
	}

	p, err := b.pending.Create(authz, verifier)
	if err != nil {
		return nil, fmt.Errorf("registering pending authorization: %w", err)
	}

	requestedActor := ""
	if b.agent != nil {
		requestedActor = b.cfg.Agent.ID
	}
	authURL := b.idp.BuildAuthorizeURL(authz, p.State, challenge, requestedActor)

	req := ConsentRequest{
		AuthorizationURL: authURL,
		State:            p.State,
		Scopes:           authz.Scopes,
		Resource:         authz.Resource,
	}
	if err := b.notify(ctx, req); err != nil {
		b.pending.Cancel(p)
		return nil, fmt.Errorf("delivering consent request: %w", err)
	}

	logging.Info("Broker", "Awaiting user consent state=%s scopes=%q timeout=%s",
		logging.Preview(p.State), authz.ScopeString(), b.timeout)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-p.Done():
		return b.delegatedResult(res)

	case <-timer.C:
		if b.pending.Cancel(p) {
			logging.Warn("Broker", "Consent window elapsed state=%s", logging.Preview(p.State))
			return nil, ErrAuthorizationTimeout
		}
		// A resolver claimed the entry just as the window closed; its
		// resolution is imminent.
		res := <-p.Done()
		return b.delegatedResult(res)

	case <-ctx.Done():
		if b.pending.Cancel(p) {
			return nil, ctx.Err()
		}
		res := <-p.Done()
		return b.delegatedResult(res)
	}
}

func (b *Broker) delegatedResult(res resolution) (*oauth.Token, error) {
	if res.err != nil {
		return nil, res.err
	}
	b.logDelegationContext(res.token)
	return res.token, nil
}

// Resolve correlates an authorization callback with its pending request,
// redeems the code, caches the token and wakes the waiting caller. A
// callback whose waiter already timed out is still redeemed into the cache
// via the retained recovery record.
func (b *Broker) Resolve(ctx context.Context, state, code string) (*oauth.Token, error) {
	p, err := b.pending.BeginResolve(state)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return b.resolveFromRecovery(ctx, state, code)
		}
		return nil, err
	}

	token, exErr := b.idp.Exchange(ctx, code, p.Verifier, p.Config, b.actorToken(ctx))
	if exErr == nil {
		b.storeToken(p.Config.CacheKey(), token)
	}
	b.pending.Complete(p, token, exErr)
	return token, exErr
}

// ResolveError delivers a provider-reported authorization failure (the user
// denied consent, or the request was malformed) to the waiting caller.
func (b *Broker) ResolveError(state, providerError, description string) error {
	p, err := b.pending.BeginResolve(state)
	if err != nil {
		return err
	}
	resErr := &TokenExchangeError{Op: "authorize", Err: fmt.Errorf("%s: %s", providerError, description)}
	b.pending.Complete(p, nil, resErr)
	return nil
}

// resolveFromRecovery handles a callback that arrived after its waiter gave
// up: the retained verifier still permits the exchange, and the token lands
// in the cache for the caller's inevitable retry.
func (b *Broker) resolveFromRecovery(ctx context.Context, state, code string) (*oauth.Token, error) {
	rec, ok := b.pending.TakeRecovery(state)
	if !ok {
		return nil, ErrInvalidState
	}

	logging.Info("Broker", "Late callback recovered after waiter timeout state=%s", logging.Preview(state))

	token, err := b.idp.Exchange(ctx, code, rec.Verifier, rec.Config, b.actorToken(ctx))
	if err != nil {
		return nil, err
	}
	b.storeToken(rec.Config.CacheKey(), token)
	b.logDelegationContext(token)
	return token, nil
}

// actorToken returns the agent's token for attachment to a delegated
// exchange, or empty when no agent is configured or it cannot authenticate.
func (b *Broker) actorToken(ctx context.Context) string {
	if b.agent == nil {
		return ""
	}
	token, err := b.agent.Token(ctx)
	if err != nil {
		logging.Warn("Broker", "Agent token unavailable, proceeding without actor token: %v", err)
		return ""
	}
	return token
}

// ActorToken exposes the agent's own identity token.
func (b *Broker) ActorToken(ctx context.Context) (string, error) {
	if b.agent == nil {
		return "", &ConfigurationError{Reason: "no agent identity configured"}
	}
	return b.agent.Token(ctx)
}

// DownstreamToken acquires a delegated token and exchanges it for one
// accepted by the configured partner resource.
func (b *Broker) DownstreamToken(ctx context.Context, authz AuthorizationConfig) (*oauth.Token, error) {
	if b.downstream == nil {
		return nil, &ConfigurationError{Reason: "downstream token exchange is not enabled"}
	}

	subject, err := b.GetToken(ctx, authz)
	if err != nil {
		return nil, err
	}
	return b.downstream.Exchange(ctx, subject)
}

// PendingAuthorizations reports how many consent round trips are in flight.
func (b *Broker) PendingAuthorizations() int {
	return b.pending.PendingCount()
}

// Status reports the broker's current state for the status endpoint.
func (b *Broker) Status() auth.StatusResponse {
	status := auth.StatusResponse{
		PendingAuthorizations: b.pending.PendingCount(),
		CachedTokens:          b.cache.Len(),
		DownstreamEnabled:     b.downstream != nil,
	}
	if b.agent != nil {
		authenticated, expiry := b.agent.Authenticated()
		agentStatus := &auth.AgentAuthStatus{
			AgentID:       b.cfg.Agent.ID,
			Authenticated: authenticated,
		}
		if authenticated {
			agentStatus.ExpiresAt = expiry.Format(time.RFC3339)
		}
		status.AgentAuth = agentStatus
	}
	return status
}

// storeToken caches a freshly acquired token under key.
func (b *Broker) storeToken(key CacheKey, token *oauth.Token) {
	b.cache.Put(key, token)
	logging.Debug("Broker", "Token cached key=%s token=%s expires_at=%s",
		key.String(), logging.Preview(token.AccessToken), token.ExpiresAt.Format(time.RFC3339))
}

// logDelegationContext surfaces who the token acts for. Claims are decoded
// without signature verification, so this runs only behind a validating
// gateway and feeds logs, never authorization decisions.
func (b *Broker) logDelegationContext(token *oauth.Token) {
	if !b.cfg.TrustedIssuerBoundary || token == nil {
		return
	}
	claims, err := oauth.DecodeClaims(token.AccessToken)
	if err != nil {
		return
	}
	if claims.IsDelegated() {
		logging.Info("Broker", "Delegated token issued subject=%s actor=%s",
			logging.Preview(claims.Subject), claims.ActorSubject)
	}
}
