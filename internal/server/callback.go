package server

import (
	_ "embed"
	"errors"
	"html/template"
	"net/http"

	"agentbroker/internal/broker"
	"agentbroker/pkg/logging"
)

//go:embed templates/callback_success.html
var callbackSuccessHTML string

//go:embed templates/callback_error.html
var callbackErrorHTML string

var (
	successTemplate = template.Must(template.New("success").Parse(callbackSuccessHTML))
	errorTemplate   = template.Must(template.New("error").Parse(callbackErrorHTML))
)

// errorPage is the data rendered into the failure template.
type errorPage struct {
	Message string
	Detail  string
}

// handleCallback receives the identity provider's redirect after the user
// decides on consent. It correlates the state with its pending
// authorization, redeems the code, and renders a page the user can close.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	state := query.Get("state")
	code := query.Get("code")

	if providerErr := query.Get("error"); providerErr != "" {
		desc := query.Get("error_description")
		logging.Warn("Server", "Authorization callback carried provider error=%s state=%s",
			providerErr, logging.Preview(state))
		if state != "" {
			// Deliver the denial to the waiting caller; a stale state
			// just renders the page.
			_ = s.broker.ResolveError(state, providerErr, desc)
		}
		s.renderError(w, http.StatusBadRequest, errorPage{
			Message: "The authorization was not completed.",
			Detail:  providerErr,
		})
		return
	}

	if state == "" || code == "" {
		s.renderError(w, http.StatusBadRequest, errorPage{
			Message: "The callback is missing required parameters.",
		})
		return
	}

	_, err := s.broker.Resolve(r.Context(), state, code)
	switch {
	case err == nil:
		s.renderSuccess(w)

	case errors.Is(err, broker.ErrAlreadyResolved):
		// A duplicate delivery; the first one won. Tell the user it
		// worked rather than alarming them.
		s.renderSuccess(w)

	case errors.Is(err, broker.ErrInvalidState):
		logging.Warn("Server", "Callback with unknown state=%s", logging.Preview(state))
		s.renderError(w, http.StatusBadRequest, errorPage{
			Message: "This authorization link is invalid or has expired.",
			Detail:  "Please retry the action that required authorization.",
		})

	default:
		logging.Error("Server", err, "Code exchange failed")
		s.renderError(w, http.StatusBadGateway, errorPage{
			Message: "The authorization could not be completed.",
			Detail:  "The identity provider rejected the exchange. Please try again.",
		})
	}
}

func (s *Server) renderSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := successTemplate.Execute(w, nil); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) renderError(w http.ResponseWriter, status int, page errorPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := errorTemplate.Execute(w, page); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
}
