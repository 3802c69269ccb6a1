package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeledger/internal/model"
)

const chartBody = `{"chart":{"result":[{"meta":{"symbol":"AAPL","currency":"USD",
"regularMarketPrice":210.00,"chartPreviousClose":200.00,"regularMarketTime":1760000000}}],"error":null}}`

func TestYahooClient_Quote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v8/finance/chart/AAPL", r.URL.Path)
		w.Write([]byte(chartBody))
	}))
	defer srv.Close()

	c := NewYahooClient(srv.URL, srv.Client())
	q, err := c.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, "210", q.Price.String())
	assert.Equal(t, 5.0, q.ChangePercent)
	assert.Equal(t, "USD", q.Currency)
}

func TestYahooClient_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewYahooClient(srv.URL, srv.Client())
	_, err := c.Quote(context.Background(), "NOPE")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestYahooClient_ServerErrorIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewYahooClient(srv.URL, srv.Client())
	_, err := c.Quote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, model.ErrUpstreamUnavailable)
}

type countingFeed struct {
	calls atomic.Int32
}

func (f *countingFeed) Quote(_ context.Context, symbol string) (Quote, error) {
	f.calls.Add(1)
	return Quote{Symbol: symbol}, nil
}

func TestCached_ReusesQuote(t *testing.T) {
	inner := &countingFeed{}
	c := NewCached(inner, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := c.Quote(context.Background(), "aapl")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), inner.calls.Load())

	c.Invalidate("AAPL")
	_, _ = c.Quote(context.Background(), "AAPL")
	assert.Equal(t, int32(2), inner.calls.Load())
}
