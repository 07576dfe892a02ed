// Package auth provides the shared status types reported by the broker's
// status endpoint: the agent's authentication state and the broker's
// in-flight and cached token counts.
package auth
