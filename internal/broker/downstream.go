package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-oauth/providers/oidc"
	"github.com/giantswarm/mcp-oauth/providers/tokencache"

	"agentbroker/internal/config"
	"agentbroker/pkg/logging"
	"agentbroker/pkg/oauth"
)

// downstreamCacheMaxEntries bounds the exchanged-token cache.
const downstreamCacheMaxEntries = 1000

// DownstreamExchanger performs RFC 8693 token exchange: a delegated token
// acquired from the broker's own provider is swapped for a token accepted by
// a partner resource server fronted by a federated issuer.
//
// Results are cached per (endpoint, connector, subject); a delegated token
// for the same user reuses the exchanged token until it expires.
type DownstreamExchanger struct {
	cfg    config.DownstreamConfig
	client *oidc.TokenExchangeClient
	cache  *tokencache.Cache
}

// NewDownstreamExchanger wires the exchanger from configuration. Returns nil
// when downstream exchange is disabled.
func NewDownstreamExchanger(cfg config.DownstreamConfig, logger *slog.Logger) *DownstreamExchanger {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := oidc.NewTokenExchangeClientWithOptions(oidc.TokenExchangeClientOptions{
		Logger:         logger,
		AllowPrivateIP: cfg.AllowPrivateIP,
	})
	if cfg.AllowPrivateIP {
		logging.Warn("Downstream", "Token exchange allows private IP endpoints, SSRF protection is reduced")
	}

	return &DownstreamExchanger{
		cfg:    cfg,
		client: client,
		cache:  tokencache.NewWithMaxEntries(downstreamCacheMaxEntries),
	}
}

// Exchange swaps subject (a delegated access token) for a downstream token.
// The subject's "sub" claim keys the cache, so it must come from the token
// itself, not caller input.
func (d *DownstreamExchanger) Exchange(ctx context.Context, subject *oauth.Token) (*oauth.Token, error) {
	if subject == nil || subject.AccessToken == "" {
		return nil, fmt.Errorf("subject token is required")
	}

	claims, err := oauth.DecodeClaims(subject.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decoding subject token claims: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("subject token carries no sub claim")
	}

	cacheKey := tokencache.GenerateCacheKey(d.cfg.TokenEndpoint, d.cfg.ConnectorID, claims.Subject)
	if cached := d.cache.Get(cacheKey); cached != nil {
		logging.Debug("Downstream", "Exchange cache hit for subject=%s", logging.Preview(claims.Subject))
		return &oauth.Token{
			AccessToken: cached.AccessToken,
			TokenType:   "Bearer",
		}, nil
	}

	logging.Debug("Downstream", "Exchanging token subject=%s endpoint=%s connector=%s",
		logging.Preview(claims.Subject), d.cfg.TokenEndpoint, d.cfg.ConnectorID)

	resp, err := d.client.Exchange(ctx, oidc.TokenExchangeRequest{
		TokenEndpoint:      d.cfg.TokenEndpoint,
		SubjectToken:       subject.AccessToken,
		SubjectTokenType:   oidc.TokenTypeAccessToken,
		ConnectorID:        d.cfg.ConnectorID,
		Scope:              d.cfg.Scopes,
		RequestedTokenType: oidc.TokenTypeAccessToken,
		ClientID:           d.cfg.ClientID,
		ClientSecret:       d.cfg.ClientSecret,
	})
	if err != nil {
		return nil, &TokenExchangeError{Op: "downstream_exchange", Err: err}
	}

	if resp.ExpiresIn > 0 {
		d.cache.Set(cacheKey, resp.AccessToken, resp.IssuedTokenType, resp.ExpiresIn)
	}

	token := &oauth.Token{
		AccessToken: resp.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(resp.ExpiresIn),
	}
	token.SetExpiry(time.Now())

	logging.Info("Downstream", "Exchanged token for downstream resource subject=%s", logging.Preview(claims.Subject))
	return token, nil
}

// ClearCache drops the cached downstream token for subject, for use when the
// partner rejects a token before its advertised expiry.
func (d *DownstreamExchanger) ClearCache(subjectID string) {
	d.cache.Delete(tokencache.GenerateCacheKey(d.cfg.TokenEndpoint, d.cfg.ConnectorID, subjectID))
}
