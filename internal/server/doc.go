// Package server is the broker daemon's HTTP boundary. It terminates the
// identity provider's authorization callback, exposes a token API to local
// consumers, delivers consent requests to the front end, and answers health
// checks.
package server
