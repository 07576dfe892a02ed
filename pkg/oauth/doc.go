// Package oauth provides reusable OAuth 2.0 protocol primitives: PKCE
// verifier/challenge generation (RFC 7636), state generation, the Token
// type returned by token endpoints, and decode-only JWT claim extraction.
//
// The package is deliberately free of broker state; the authorization state
// machine lives in internal/broker.
package oauth
