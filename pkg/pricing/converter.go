package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ErrNoPrice means both the history range query and the spot fallback
// failed. The caller must not persist a receipt with a fabricated fiat
// amount.
var ErrNoPrice = errors.New("no price available")

// Config holds Converter settings.
type Config struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Window    time.Duration `mapstructure:"window"`     // half-width of the history range query
	Timeout   time.Duration `mapstructure:"timeout"`    // per upstream call
	RateLimit float64       `mapstructure:"rate_limit"` // requests per second against the price API
	Burst     int           `mapstructure:"burst"`
}

// Converter resolves historical native-coin prices and converts wei
// amounts to fiat. Prices come from a market-chart range query with a
// spot-price fallback when history data is unavailable.
type Converter struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *Cache
}

// NewConverter builds a Converter. cache may be nil.
func NewConverter(cfg Config, cache *Cache) *Converter {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 0.5 // public tier allows roughly 30 calls/min
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	return &Converter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		cache:      cache,
	}
}

// NativePrice returns the fiat price of one native coin at the given
// unix timestamp (seconds). It prefers the history point closest to
// the timestamp and falls back to the current spot price when history
// is unavailable.
func (c *Converter) NativePrice(ctx context.Context, token, currency string, ts int64) (float64, error) {
	if c.cache != nil {
		if p, ok := c.cache.Get(ctx, token, currency, ts); ok {
			return p, nil
		}
	}

	price, rangeErr := c.rangePrice(ctx, token, currency, ts)
	if rangeErr != nil {
		log.Warn("Price history unavailable, falling back to spot",
			"token", token, "currency", currency, "ts", ts, "err", rangeErr)
		var spotErr error
		price, spotErr = c.spotPrice(ctx, token, currency)
		if spotErr != nil {
			return 0, fmt.Errorf("%w: range: %v, spot: %v", ErrNoPrice, rangeErr, spotErr)
		}
	}

	if c.cache != nil {
		c.cache.Set(ctx, token, currency, ts, price)
	}
	return price, nil
}

// ConvertWei converts a base-unit amount (base-10 decimal string) into
// fiat at the given timestamp. decimals is the native currency's base
// unit scale (18 for wei). Returns the fiat amount rounded to 2 decimal
// places and the exchange rate used. Precision note: the base amount is
// kept exact; the only lossy step is the final multiplication.
func (c *Converter) ConvertWei(ctx context.Context, wei, token, currency string, decimals int, ts int64) (decimal.Decimal, float64, error) {
	amount, err := decimal.NewFromString(wei)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("invalid wei amount %q: %w", wei, err)
	}
	if amount.IsNegative() {
		return decimal.Zero, 0, fmt.Errorf("negative wei amount %q", wei)
	}
	if decimals <= 0 {
		decimals = 18
	}

	price, err := c.NativePrice(ctx, token, currency, ts)
	if err != nil {
		return decimal.Zero, 0, err
	}

	fiat := amount.Shift(int32(-decimals)).Mul(decimal.NewFromFloat(price)).Round(2)
	return fiat, price, nil
}

// rangePriceResponse mirrors {"prices": [[timestamp_ms, price], ...]}.
type rangePriceResponse struct {
	Prices [][2]float64 `json:"prices"`
}

func (c *Converter) rangePrice(ctx context.Context, token, currency string, ts int64) (float64, error) {
	window := int64(c.cfg.Window / time.Second)
	q := url.Values{}
	q.Set("vs_currency", currency)
	q.Set("from", fmt.Sprintf("%d", ts-window))
	q.Set("to", fmt.Sprintf("%d", ts+window))

	endpoint := fmt.Sprintf("%s/coins/%s/market_chart/range?%s", c.cfg.BaseURL, url.PathEscape(token), q.Encode())

	var res rangePriceResponse
	if err := c.getJSON(ctx, endpoint, &res); err != nil {
		return 0, err
	}
	if len(res.Prices) == 0 {
		return 0, fmt.Errorf("range query returned no price points")
	}

	// Pick the point closest to the target timestamp (API reports ms)
	targetMs := float64(ts) * 1000
	best := res.Prices[0]
	for _, p := range res.Prices[1:] {
		if abs(p[0]-targetMs) < abs(best[0]-targetMs) {
			best = p
		}
	}
	return best[1], nil
}

func (c *Converter) spotPrice(ctx context.Context, token, currency string) (float64, error) {
	q := url.Values{}
	q.Set("ids", token)
	q.Set("vs_currencies", currency)

	endpoint := fmt.Sprintf("%s/simple/price?%s", c.cfg.BaseURL, q.Encode())

	var res map[string]map[string]float64
	if err := c.getJSON(ctx, endpoint, &res); err != nil {
		return 0, err
	}
	price, ok := res[token][currency]
	if !ok {
		return 0, fmt.Errorf("spot response has no %s/%s price", token, currency)
	}
	return price, nil
}

func (c *Converter) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
