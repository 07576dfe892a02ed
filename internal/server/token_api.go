package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"agentbroker/internal/broker"
	"agentbroker/pkg/oauth"
)

// tokenRequest is the body of a token API call from a local consumer.
type tokenRequest struct {
	Scopes   []string `json:"scopes"`
	Grant    string   `json:"grant"`
	Resource string   `json:"resource,omitempty"`
}

// tokenResponse deliberately omits the refresh token; it stays inside the
// broker.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleToken acquires a token for the requested authorization. Delegated
// requests block here until the user completes consent, so callers should
// use a generous client timeout.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.serveToken(w, r, s.broker.GetToken)
}

// handleDownstreamToken acquires a delegated token and exchanges it for one
// accepted by the configured partner resource.
func (s *Server) handleDownstreamToken(w http.ResponseWriter, r *http.Request) {
	s.serveToken(w, r, s.broker.DownstreamToken)
}

type acquireFunc func(ctx context.Context, authz broker.AuthorizationConfig) (*oauth.Token, error)

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request, acquire acquireFunc) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Scopes) == 0 {
		writeJSONError(w, http.StatusBadRequest, "scopes are required")
		return
	}

	grant := broker.GrantKind(req.Grant)
	if grant == "" {
		grant = broker.GrantClientCredentials
	}

	token, err := acquire(r.Context(), broker.AuthorizationConfig{
		Scopes:   req.Scopes,
		Grant:    grant,
		Resource: req.Resource,
	})
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	resp := tokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		Scope:       token.Scope,
	}
	if !token.ExpiresAt.IsZero() {
		resp.ExpiresAt = token.ExpiresAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(resp)
}

// writeBrokerError maps broker failures onto HTTP statuses.
func writeBrokerError(w http.ResponseWriter, err error) {
	var cfgErr *broker.ConfigurationError
	switch {
	case errors.Is(err, broker.ErrAuthorizationTimeout):
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &cfgErr):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
