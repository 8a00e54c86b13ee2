package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the amount of fiat (in the currency's minor unit) that buys one
// whole native ledger unit.
type Quote struct {
	Currency  string
	Rate      decimal.Decimal
	FetchedAt time.Time
	Fallback  bool
}

// Source provides fiat to native conversion rates.
type Source interface {
	Rate(ctx context.Context, currency string) (Quote, error)
}

var ErrNoRate = errors.New("no exchange rate available")

// Static always returns one configured rate.
type Static struct {
	Value decimal.Decimal
}

func (s Static) Rate(_ context.Context, currency string) (Quote, error) {
	if !s.Value.IsPositive() {
		return Quote{}, ErrNoRate
	}
	return Quote{Currency: currency, Rate: s.Value, FetchedAt: time.Now().UTC(), Fallback: true}, nil
}

// HTTPSource fetches rates from a JSON endpoint and caches them for the
// staleness window. When the endpoint fails and no fresh cached value is
// available, the configured fallback is returned.
//
// The endpoint is called as GET <url>?currency=JPY and must answer
// {"currency":"JPY","rate":"512345.67"}.
type HTTPSource struct {
	URL       string
	Staleness time.Duration
	Fallback  decimal.Decimal
	Client    *http.Client
	Logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]Quote
	now   func() time.Time
}

func NewHTTPSource(url string, fallback decimal.Decimal, staleness time.Duration, logger *slog.Logger) *HTTPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{
		URL:       url,
		Staleness: staleness,
		Fallback:  fallback,
		Client:    &http.Client{Timeout: 5 * time.Second},
		Logger:    logger,
	}
}

type ratePayload struct {
	Currency string          `json:"currency"`
	Rate     decimal.Decimal `json:"rate"`
}

func (s *HTTPSource) Rate(ctx context.Context, currency string) (Quote, error) {
	currency = strings.ToUpper(currency)
	now := s.clock()

	s.mu.Lock()
	cached, ok := s.cache[currency]
	s.mu.Unlock()
	if ok && now.Sub(cached.FetchedAt) <= s.Staleness {
		return cached, nil
	}

	quote, err := s.fetch(ctx, currency)
	if err == nil {
		s.mu.Lock()
		if s.cache == nil {
			s.cache = make(map[string]Quote)
		}
		s.cache[currency] = quote
		s.mu.Unlock()
		return quote, nil
	}

	if !s.Fallback.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %v", ErrNoRate, err)
	}
	s.Logger.Warn("rate_fallback", "currency", currency, "error", err)
	return Quote{Currency: currency, Rate: s.Fallback, FetchedAt: now, Fallback: true}, nil
}

func (s *HTTPSource) fetch(ctx context.Context, currency string) (Quote, error) {
	if s.URL == "" {
		return Quote{}, errors.New("rate source url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return Quote{}, err
	}
	q := req.URL.Query()
	q.Set("currency", currency)
	req.URL.RawQuery = q.Encode()

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("fetch rate: status %d", resp.StatusCode)
	}

	var payload ratePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("decode rate: %w", err)
	}
	if !payload.Rate.IsPositive() {
		return Quote{}, fmt.Errorf("rate source returned non-positive rate %s", payload.Rate)
	}
	if payload.Currency != "" && !strings.EqualFold(payload.Currency, currency) {
		return Quote{}, fmt.Errorf("rate source returned %s, want %s", payload.Currency, currency)
	}
	return Quote{Currency: currency, Rate: payload.Rate, FetchedAt: s.clock()}, nil
}

func (s *HTTPSource) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

var weiPerUnit = decimal.New(1, 18)

// ToWei converts a fiat amount in minor units into wei at the quoted rate,
// rounding up so the custody address is never short-paid.
func ToWei(amount int64, quote Quote) (decimal.Decimal, error) {
	if amount <= 0 {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}
	if !quote.Rate.IsPositive() {
		return decimal.Zero, ErrNoRate
	}
	wei := decimal.NewFromInt(amount).Mul(weiPerUnit).DivRound(quote.Rate, 18).Ceil()
	return wei, nil
}
