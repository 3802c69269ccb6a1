package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recorder) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.Now = func() time.Time { return time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC) }
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "settlement failed", Message: "2 items"})
	require.NoError(t, err)
	assert.Equal(t, "CRITICAL", got["level"])
	assert.Equal(t, "settlement failed", got["title"])
	assert.Equal(t, "2026-10-14T10:00:00Z", got["ts"])
	assert.Equal(t, "tradeledger", got["source"])
}

func TestWebhookNotifier_Signs(t *testing.T) {
	var sig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(SignatureHeader)
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.Secret = "s3cret"
	require.NoError(t, n.Send(context.Background(), Alert{Level: AlertWarning, Title: "fx fallback"}))
	assert.Equal(t, Sign("s3cret", body), sig)

	n.Secret = ""
	require.NoError(t, n.Send(context.Background(), Alert{Title: "x"}))
	assert.Empty(t, sig)
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "502")
}

func TestTwilioNotifier_SendsFormToEachRecipient(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)
		body, _ := io.ReadAll(r.Body)
		form, err := url.ParseQuery(string(body))
		assert.NoError(t, err)
		mu.Lock()
		sent = append(sent, form)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	n := NewTwilioNotifier("AC123", "secret", "+15550000", []string{"+911111", "+912222"})
	n.baseURL = srv.URL
	require.NoError(t, n.Send(context.Background(), Alert{
		Level:   AlertWarning,
		Title:   "fill dropped",
		Message: "user missing",
		Fields:  map[string]string{"user_id": "u-9", "fill_id": "f-1"},
	}))

	require.Len(t, sent, 2)
	assert.Equal(t, "+911111", sent[0].Get("To"))
	assert.Equal(t, "+15550000", sent[0].Get("From"))
	assert.Equal(t, "[WARNING] fill dropped: user missing (fill_id=f-1 user_id=u-9)", sent[0].Get("Body"))
}

func TestMultiAndMinLevel(t *testing.T) {
	a := &recorder{}
	b := &recorder{err: errors.New("down")}
	m := Multi{a, MinLevel{Level: AlertCritical, Next: b}}

	require.NoError(t, m.Send(context.Background(), Alert{Level: AlertWarning, Title: "w"}))
	assert.Len(t, a.alerts, 1)
	assert.Empty(t, b.alerts)

	err := m.Send(context.Background(), Alert{Level: AlertCritical, Title: "c"})
	assert.ErrorContains(t, err, "down")
	assert.Len(t, a.alerts, 2)
	assert.Len(t, b.alerts, 1)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier(nil).Send(context.Background(), Alert{Level: AlertInfo, Title: "ok"}))
}
