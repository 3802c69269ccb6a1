// Package pricefeed is the client side of the external quote collaborator.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeledger/internal/cache"
	"tradeledger/internal/model"
	"tradeledger/internal/upstream"
)

// Quote is the current price of a symbol.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent float64         `json:"changePercent"`
	Currency      string          `json:"currency"`
	AsOf          time.Time       `json:"asOf"`
}

// Feed returns quotes. Implementations may fail or rate-limit.
type Feed interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// YahooClient reads quotes from the Yahoo Finance chart endpoint.
type YahooClient struct {
	baseURL string
	client  *http.Client
	breaker *upstream.CircuitBreaker
}

// NewYahooClient creates a client. baseURL defaults to the public endpoint.
func NewYahooClient(baseURL string, client *http.Client) *YahooClient {
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &YahooClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		breaker: upstream.NewCircuitBreaker("pricefeed:yahoo", 5, 30*time.Second),
	}
}

// Breaker exposes the client's circuit breaker for metrics hooks.
func (y *YahooClient) Breaker() *upstream.CircuitBreaker { return y.breaker }

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string          `json:"symbol"`
				Currency           string          `json:"currency"`
				RegularMarketPrice decimal.Decimal `json:"regularMarketPrice"`
				ChartPreviousClose decimal.Decimal `json:"chartPreviousClose"`
				RegularMarketTime  int64           `json:"regularMarketTime"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote fetches the latest price. Transport failures and an open breaker
// surface as model.ErrUpstreamUnavailable; an unknown symbol as model.ErrNotFound.
func (y *YahooClient) Quote(ctx context.Context, symbol string) (Quote, error) {
	var q Quote
	var notFound bool
	err := y.breaker.Execute(func() error {
		u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", y.baseURL, url.PathEscape(symbol))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := y.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			notFound = true
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		var body chartResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		if len(body.Chart.Result) == 0 {
			notFound = true
			return nil
		}
		m := body.Chart.Result[0].Meta
		q = Quote{
			Symbol:   m.Symbol,
			Price:    m.RegularMarketPrice,
			Currency: m.Currency,
			AsOf:     time.Unix(m.RegularMarketTime, 0).UTC(),
		}
		if m.ChartPreviousClose.IsPositive() {
			pct := m.RegularMarketPrice.Sub(m.ChartPreviousClose).Div(m.ChartPreviousClose).Mul(decimal.NewFromInt(100))
			q.ChangePercent = pct.Round(2).InexactFloat64()
		}
		return nil
	})
	if err != nil {
		return Quote{}, fmt.Errorf("quote %s: %v: %w", symbol, err, model.ErrUpstreamUnavailable)
	}
	if notFound {
		return Quote{}, fmt.Errorf("quote %s: %w", symbol, model.ErrNotFound)
	}
	return q, nil
}

// Cached wraps a Feed with a short-lived quote cache.
type Cached struct {
	feed  Feed
	cache *cache.TTL[string, Quote]
}

// NewCached caches quotes from feed for ttl.
func NewCached(feed Feed, ttl time.Duration) *Cached {
	return &Cached{feed: feed, cache: cache.NewTTL[string, Quote](ttl)}
}

// Quote returns a cached quote or asks the underlying feed.
func (c *Cached) Quote(ctx context.Context, symbol string) (Quote, error) {
	key := strings.ToUpper(symbol)
	if q, ok := c.cache.Get(key); ok {
		return q, nil
	}
	q, err := c.feed.Quote(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	c.cache.Set(key, q)
	return q, nil
}

// Invalidate drops a cached symbol.
func (c *Cached) Invalidate(symbol string) { c.cache.Invalidate(strings.ToUpper(symbol)) }
