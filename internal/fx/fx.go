// Package fx converts sale proceeds into the ledger's settlement currency.
//
// Service asks each configured Source in turn, caches a good rate for the
// cache TTL (5 minutes by default) and falls back to a static configured rate
// when every live source fails.
package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeledger/internal/cache"
	"tradeledger/internal/model"
	"tradeledger/internal/upstream"
)

// DefaultTTL is how long a live rate is reused.
const DefaultTTL = 5 * time.Minute

// Provider returns the rate that converts one unit of base into quote.
type Provider interface {
	Rate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// Source is a live FX-rate collaborator.
type Source interface {
	Name() string
	Rate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// Service is the cached, fault-tolerant Provider used by the sell consumer.
type Service struct {
	sources  []Source
	breakers []*upstream.CircuitBreaker
	cache    *cache.TTL[string, decimal.Decimal]
	static   map[string]decimal.Decimal
	timeout  time.Duration
	log      *slog.Logger

	// OnFallback is called when the static rate had to be used.
	OnFallback func(pair string)
}

// Option configures a Service.
type Option func(*Service)

// WithStaticRates sets fallback rates keyed by pair, e.g. "USDINR".
func WithStaticRates(rates map[string]decimal.Decimal) Option {
	return func(s *Service) {
		for k, v := range rates {
			s.static[strings.ToUpper(k)] = v
		}
	}
}

// WithCache replaces the rate cache (used by tests to inject a clock).
func WithCache(c *cache.TTL[string, decimal.Decimal]) Option {
	return func(s *Service) { s.cache = c }
}

// WithBreakerHook observes breaker transitions for every source.
func WithBreakerHook(fn func(name string, from, to upstream.State)) Option {
	return func(s *Service) {
		for _, b := range s.breakers {
			b.OnStateChange = fn
		}
	}
}

// NewService builds a Service over sources, tried in order.
func NewService(sources []Source, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		sources: sources,
		cache:   cache.NewTTL[string, decimal.Decimal](DefaultTTL),
		static:  make(map[string]decimal.Decimal),
		timeout: 5 * time.Second,
		log:     logger.With(slog.String("component", "fx")),
	}
	for _, src := range sources {
		s.breakers = append(s.breakers, upstream.NewCircuitBreaker("fx:"+src.Name(), 3, 30*time.Second))
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Rate implements Provider.
func (s *Service) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	base, quote = strings.ToUpper(base), strings.ToUpper(quote)
	if base == quote {
		return decimal.NewFromInt(1), nil
	}
	pair := base + quote
	if r, ok := s.cache.Get(pair); ok {
		return r, nil
	}

	for i, src := range s.sources {
		var rate decimal.Decimal
		err := s.breakers[i].Execute(func() error {
			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			r, err := src.Rate(cctx, base, quote)
			if err != nil {
				return err
			}
			if !r.IsPositive() {
				return fmt.Errorf("non-positive rate %s", r)
			}
			rate = r
			return nil
		})
		if err != nil {
			s.log.Warn("fx source failed", slog.String("source", src.Name()), slog.String("pair", pair), slog.Any("err", err))
			continue
		}
		s.cache.Set(pair, rate)
		return rate, nil
	}

	if r, ok := s.static[pair]; ok {
		s.log.Warn("using static fx rate", slog.String("pair", pair), slog.String("rate", r.String()))
		if s.OnFallback != nil {
			s.OnFallback(pair)
		}
		return r, nil
	}
	return decimal.Zero, fmt.Errorf("fx %s: %w", pair, model.ErrUpstreamUnavailable)
}

// Invalidate drops a cached pair.
func (s *Service) Invalidate(base, quote string) {
	s.cache.Invalidate(strings.ToUpper(base) + strings.ToUpper(quote))
}

// HTTPSource reads rates from an endpoint that returns
// {"rates": {"INR": 83.12, ...}} for a base currency.
type HTTPSource struct {
	name   string
	urlFmt string // fmt pattern with one %s for the base currency
	client *http.Client
}

// NewHTTPSource creates a source. urlFmt must contain one %s for the base.
func NewHTTPSource(name, urlFmt string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{name: name, urlFmt: urlFmt, client: client}
}

func (h *HTTPSource) Name() string { return h.name }

func (h *HTTPSource) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(h.urlFmt, base), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: create request: %w", h.name, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", h.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%s: unexpected status %d", h.name, resp.StatusCode)
	}

	var body struct {
		Rates map[string]decimal.Decimal `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%s: decode: %w", h.name, err)
	}
	r, ok := body.Rates[quote]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: no rate for %s%s", h.name, base, quote)
	}
	return r, nil
}

// Static is a Provider with fixed rates. Unknown pairs fail.
type Static map[string]decimal.Decimal

func (s Static) Rate(_ context.Context, base, quote string) (decimal.Decimal, error) {
	if strings.EqualFold(base, quote) {
		return decimal.NewFromInt(1), nil
	}
	if r, ok := s[strings.ToUpper(base+quote)]; ok {
		return r, nil
	}
	return decimal.Zero, fmt.Errorf("fx %s%s: %w", base, quote, model.ErrUpstreamUnavailable)
}

// ParseStaticRates parses "USDINR=83.10,EURINR=90.5".
func ParseStaticRates(s string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("static fx rate %q: want PAIR=RATE", part)
		}
		r, err := decimal.NewFromString(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("static fx rate %q: %w", part, err)
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = r
	}
	return out, nil
}

// CurrencyForSymbol guesses the trading currency from an exchange suffix.
func CurrencyForSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.HasSuffix(s, ".NS") || strings.HasSuffix(s, ".BO") {
		return "INR"
	}
	return "USD"
}
