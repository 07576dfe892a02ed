// Package broker implements the token acquisition core: a bounded token
// cache keyed by authorization parameters, the identity provider client,
// the multi-step agent identity flow, and the pending-authorization table
// that suspends delegated requests until the user's consent callback
// arrives.
//
// The broker never mutates a token in place; expiry produces a new token
// via refresh or re-acquisition and the cache entry is replaced. Delegated
// acquisitions for the same scope set, grant and resource are collapsed
// into a single consent round trip.
package broker
