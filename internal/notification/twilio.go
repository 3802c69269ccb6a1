package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioBaseURL = "https://api.twilio.com"

// TwilioNotifier sends alerts as SMS through the Twilio Messages API.
type TwilioNotifier struct {
	accountSID string
	authToken  string
	from       string
	to         []string
	baseURL    string
	client     *http.Client
}

// NewTwilioNotifier creates an SMS notifier.
// from is the Twilio sender number; to lists the on-call numbers.
func NewTwilioNotifier(accountSID, authToken, from string, to []string) *TwilioNotifier {
	return &TwilioNotifier{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		to:         to,
		baseURL:    twilioBaseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SMS bodies over 1600 characters are rejected by Twilio.
const maxSMSLen = 1600

func (t *TwilioNotifier) Send(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf("[%s] %s: %s", alert.Level, alert.Title, alert.Message)
	if f := alert.sortedFields(); len(f) > 0 {
		text += " (" + strings.Join(f, " ") + ")"
	}
	if len(text) > maxSMSLen {
		text = text[:maxSMSLen-3] + "..."
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, url.PathEscape(t.accountSID))
	for _, to := range t.to {
		form := url.Values{}
		form.Set("From", t.from)
		form.Set("To", to)
		form.Set("Body", text)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("twilio: create request: %w", err)
		}
		req.SetBasicAuth(t.accountSID, t.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("twilio: send: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("twilio: unexpected status %d for %s", resp.StatusCode, to)
		}
	}

	slog.Debug("twilio alert sent", slog.String("title", alert.Title), slog.Int("recipients", len(t.to)))
	return nil
}
