package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"agentbroker/internal/broker"
	"agentbroker/internal/config"
	"agentbroker/pkg/auth"
	"agentbroker/pkg/logging"
	"agentbroker/pkg/oauth"
)

// TokenBroker is the broker surface the HTTP boundary consumes.
type TokenBroker interface {
	GetToken(ctx context.Context, authz broker.AuthorizationConfig) (*oauth.Token, error)
	DownstreamToken(ctx context.Context, authz broker.AuthorizationConfig) (*oauth.Token, error)
	Resolve(ctx context.Context, state, code string) (*oauth.Token, error)
	ResolveError(state, providerError, description string) error
	PendingAuthorizations() int
	Status() auth.StatusResponse
}

// Server is the broker daemon's HTTP boundary: the authorization callback,
// the token API for local consumers, and a health endpoint.
type Server struct {
	cfg    config.HTTPConfig
	broker TokenBroker
	http   *http.Server
}

// New assembles the server around a broker.
func New(cfg config.HTTPConfig, b TokenBroker) *Server {
	s := &Server{cfg: cfg, broker: b}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.CallbackPath, s.handleCallback)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/token", s.handleToken)
	mux.HandleFunc("/api/token/downstream", s.handleDownstreamToken)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	logging.Info("Server", "Listening on %s (callback path %s)", s.cfg.Addr, s.cfg.CallbackPath)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.broker.Status())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":                 "ok",
		"pending_authorizations": s.broker.PendingAuthorizations(),
	})
}
