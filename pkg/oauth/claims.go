package oauth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds identity claims extracted from a JWT access token.
//
// DecodeClaims does NOT verify the token signature. The result is suitable
// for logging and business context (which user, which acting agent) only.
// Nothing security-relevant may be decided from these claims unless a
// validating gateway in front of this process guarantees a trusted issuer
// boundary; deployments record that assumption in configuration
// (TrustedIssuerBoundary), it is never assumed here.
type Claims struct {
	// Subject is the "sub" claim: the end user the token was issued for.
	Subject string

	// Issuer is the "iss" claim.
	Issuer string

	// Scope is the "scope" claim, space-separated.
	Scope string

	// ActorSubject is the "act.sub" claim when present: the identity of the
	// agent acting on behalf of the subject in a delegated (OBO) token.
	ActorSubject string
}

// IsDelegated reports whether the token carries an actor chain, i.e. it was
// issued to an agent acting on behalf of the subject.
func (c *Claims) IsDelegated() bool {
	return c.ActorSubject != ""
}

// DecodeClaims extracts identity claims from a JWT without verifying its
// signature. Returns an error if the input is not a parseable JWT.
func DecodeClaims(raw string) (*Claims, error) {
	parser := jwt.NewParser()

	var mapClaims jwt.MapClaims = map[string]interface{}{}
	if _, _, err := parser.ParseUnverified(raw, mapClaims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims := &Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if iss, ok := mapClaims["iss"].(string); ok {
		claims.Issuer = iss
	}
	if scope, ok := mapClaims["scope"].(string); ok {
		claims.Scope = scope
	}
	if act, ok := mapClaims["act"].(map[string]interface{}); ok {
		if actSub, ok := act["sub"].(string); ok {
			claims.ActorSubject = actSub
		}
	}

	return claims, nil
}
