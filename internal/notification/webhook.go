package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Ledger-Signature"

type webhookPayload struct {
	Source  string            `json:"source"`
	Level   string            `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	TS      string            `json:"ts"`
}

// WebhookNotifier posts alerts as JSON to an operator endpoint
// (chat-ops relay, incident tool).
type WebhookNotifier struct {
	url    string
	client *http.Client

	// Source names the sending service in the payload.
	Source string
	// Secret, when set, signs each body into SignatureHeader.
	Secret string
	// Now stamps the payload. Defaults to time.Now.
	Now func() time.Time
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		Source: "tradeledger",
		Now:    time.Now,
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Source:  w.Source,
		Level:   string(alert.Level),
		Title:   alert.Title,
		Message: alert.Message,
		Fields:  alert.Fields,
		TS:      w.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: %s answered %d", w.url, resp.StatusCode)
	}

	slog.Debug("webhook alert sent", slog.String("title", alert.Title), slog.String("level", string(alert.Level)))
	return nil
}
