package oauth

import (
	"time"

	"golang.org/x/oauth2"
)

// expiryMargin is subtracted from the token expiry when checking validity,
// so tokens are refreshed slightly early rather than used until the last
// second (clock skew, network latency).
const expiryMargin = 60 * time.Second

// Token is an OAuth access token with associated metadata, as returned by
// the identity provider's token endpoint.
type Token struct {
	// AccessToken is the bearer token used for authorization.
	AccessToken string `json:"access_token"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type"`

	// ExpiresIn is the token lifetime in seconds, as issued.
	ExpiresIn int `json:"expires_in,omitempty"`

	// ExpiresAt is the absolute expiration timestamp, derived from the
	// issuance time plus ExpiresIn.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`

	// IDToken is the OIDC ID token, when requested.
	IDToken string `json:"id_token,omitempty"`
}

// SetExpiry derives the absolute expiry from ExpiresIn relative to issuedAt.
// It is a no-op when the provider already returned an absolute expiry or
// no lifetime at all.
func (t *Token) SetExpiry(issuedAt time.Time) {
	if t.ExpiresIn > 0 && t.ExpiresAt.IsZero() {
		t.ExpiresAt = issuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
}

// IsExpired reports whether the token can no longer be used. A token with
// no known expiry is treated as expired: without a lifetime there is no way
// to know it is still live, so it must be re-acquired.
func (t *Token) IsExpired() bool {
	return t.isExpiredAt(time.Now())
}

func (t *Token) isExpiredAt(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(t.ExpiresAt.Add(-expiryMargin))
}

// ToOAuth2Token converts to the golang.org/x/oauth2 token type, for use
// with libraries that consume it.
func (t *Token) ToOAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
	if t.IDToken != "" {
		tok = tok.WithExtra(map[string]interface{}{"id_token": t.IDToken})
	}
	return tok
}

// FromOAuth2Token converts a golang.org/x/oauth2 token into a Token.
func FromOAuth2Token(tok *oauth2.Token) *Token {
	t := &Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		t.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		t.Scope = scope
	}
	return t
}
