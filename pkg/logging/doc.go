// Package logging provides a thin subsystem-tagged wrapper around log/slog.
//
// Components log through Debug/Info/Warn/Error with a subsystem name so
// output can be filtered per component (Broker, TokenCache, Callback, ...).
// Secrets must never be logged raw; use Preview for token material.
package logging
