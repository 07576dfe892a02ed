package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agentbroker/internal/broker"
	"agentbroker/internal/config"
	"agentbroker/pkg/logging"
)

// NewNotifier builds the consent delivery function from configuration: a
// webhook POST when a URL is configured, otherwise the log. The log fallback
// keeps single-process development setups working without a front end.
func NewNotifier(cfg config.NotificationsConfig) broker.NotifyFunc {
	if cfg.WebhookURL != "" {
		return webhookNotifier(cfg.WebhookURL)
	}
	return logNotifier
}

// webhookNotifier delivers each consent request as a JSON POST to the front
// end, which is expected to surface the authorization URL to the user.
func webhookNotifier(webhookURL string) broker.NotifyFunc {
	client := &http.Client{Timeout: 10 * time.Second}

	return func(ctx context.Context, req broker.ConsentRequest) error {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encoding consent request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building webhook request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("delivering consent request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("consent webhook returned status %d", resp.StatusCode)
		}

		logging.Debug("Notify", "Consent request delivered state=%s", logging.Preview(req.State))
		return nil
	}
}

// logNotifier writes the authorization URL to the log for the operator to
// relay. The URL itself is not secret; the state inside it is single use.
func logNotifier(_ context.Context, req broker.ConsentRequest) error {
	logging.Info("Notify", "User consent required, open %s to continue (scopes: %v)",
		req.AuthorizationURL, req.Scopes)
	return nil
}
