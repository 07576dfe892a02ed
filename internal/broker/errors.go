package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the broker and correlator. Callers branch with
// errors.Is.
var (
	// ErrInvalidState is returned when a callback carries a state that is
	// neither pending nor recoverable.
	ErrInvalidState = errors.New("invalid or expired authorization state")

	// ErrAlreadyResolved is returned for a duplicate callback: the pending
	// authorization was already completed by an earlier delivery.
	ErrAlreadyResolved = errors.New("authorization already completed")

	// ErrAuthorizationTimeout is returned when the user did not complete
	// consent within the configured window.
	ErrAuthorizationTimeout = errors.New("authorization timed out waiting for user consent")

	// ErrNoRefreshToken is returned by the refresh path when no refresh
	// token is available.
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// ConfigurationError indicates missing required wiring, detected at broker
// construction or on first use of a grant that needs it. It is fatal for the
// affected operation.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "broker configuration error: " + e.Reason
}

// TokenExchangeError wraps a failure talking to the identity provider's
// token endpoint: network failure, invalid grant, expired code.
// The wrapped error never contains token material.
type TokenExchangeError struct {
	Op  string // "exchange", "refresh", "client_credentials"
	Err error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token %s failed: %v", e.Op, e.Err)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// AgentAuthenticationError indicates the agent identity bootstrap failed at
// a specific step. It is non-fatal for the broker: delegation degrades to
// unavailable, other grants keep working.
type AgentAuthenticationError struct {
	Step string
	Err  error
}

func (e *AgentAuthenticationError) Error() string {
	return fmt.Sprintf("agent authentication failed at %s: %v", e.Step, e.Err)
}

func (e *AgentAuthenticationError) Unwrap() error {
	return e.Err
}
