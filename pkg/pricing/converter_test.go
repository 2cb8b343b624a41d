package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTS int64 = 1700000000

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		Timeout:   2 * time.Second,
		RateLimit: 1000, // no throttling in tests
		Burst:     100,
	}
}

// priceServer serves both the range and spot endpoints and counts hits.
type priceServer struct {
	*httptest.Server
	rangeHits int
	spotHits  int
	rangeBody string
	rangeCode int
	spotBody  string
	spotCode  int
}

func newPriceServer() *priceServer {
	ps := &priceServer{
		rangeCode: http.StatusOK,
		spotCode:  http.StatusOK,
		rangeBody: fmt.Sprintf(`{"prices":[[%d,2990.0],[%d,3000.0],[%d,3010.0]]}`,
			(testTS-200)*1000, (testTS-10)*1000, (testTS+250)*1000),
		spotBody: `{"ethereum":{"usd":2500.0}}`,
	}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "market_chart/range"):
			ps.rangeHits++
			w.WriteHeader(ps.rangeCode)
			fmt.Fprint(w, ps.rangeBody)
		case strings.Contains(r.URL.Path, "simple/price"):
			ps.spotHits++
			w.WriteHeader(ps.spotCode)
			fmt.Fprint(w, ps.spotBody)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return ps
}

func TestNativePrice_ClosestPoint(t *testing.T) {
	ps := newPriceServer()
	defer ps.Close()

	c := NewConverter(testConfig(ps.URL), nil)
	price, err := c.NativePrice(context.Background(), "ethereum", "usd", testTS)
	require.NoError(t, err)

	// The point 10s before the target is closest
	assert.Equal(t, 3000.0, price)
	assert.Equal(t, 1, ps.rangeHits)
	assert.Equal(t, 0, ps.spotHits)
}

func TestNativePrice_SpotFallback(t *testing.T) {
	ps := newPriceServer()
	defer ps.Close()
	ps.rangeCode = http.StatusInternalServerError

	c := NewConverter(testConfig(ps.URL), nil)
	price, err := c.NativePrice(context.Background(), "ethereum", "usd", testTS)
	require.NoError(t, err)

	assert.Equal(t, 2500.0, price)
	assert.Equal(t, 1, ps.spotHits)
}

func TestNativePrice_EmptyRangeFallsBack(t *testing.T) {
	ps := newPriceServer()
	defer ps.Close()
	ps.rangeBody = `{"prices":[]}`

	c := NewConverter(testConfig(ps.URL), nil)
	price, err := c.NativePrice(context.Background(), "ethereum", "usd", testTS)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, price)
}

func TestNativePrice_BothFail(t *testing.T) {
	ps := newPriceServer()
	defer ps.Close()
	ps.rangeCode = http.StatusInternalServerError
	ps.spotCode = http.StatusBadGateway

	c := NewConverter(testConfig(ps.URL), nil)
	_, err := c.NativePrice(context.Background(), "ethereum", "usd", testTS)
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestConvertWei(t *testing.T) {
	ps := newPriceServer()
	defer ps.Close()

	c := NewConverter(testConfig(ps.URL), nil)

	// 0.97 ETH at 3000 USD/ETH
	fiat, rate, err := c.ConvertWei(context.Background(), "970000000000000000", "ethereum", "usd", 18, testTS)
	require.NoError(t, err)
	assert.Equal(t, "2910", fiat.String())
	assert.Equal(t, 3000.0, rate)

	// Zero is valid (dust donations still get receipted)
	fiat, _, err = c.ConvertWei(context.Background(), "0", "ethereum", "usd", 18, testTS)
	require.NoError(t, err)
	assert.True(t, fiat.IsZero())

	// A 6-decimal base unit scales by its own exponent
	fiat, _, err = c.ConvertWei(context.Background(), "970000", "ethereum", "usd", 6, testTS)
	require.NoError(t, err)
	assert.Equal(t, "2910", fiat.String())
}

func TestConvertWei_InvalidAmount(t *testing.T) {
	c := NewConverter(testConfig("http://unused"), nil)

	_, _, err := c.ConvertWei(context.Background(), "not-a-number", "ethereum", "usd", 18, testTS)
	assert.Error(t, err)

	_, _, err = c.ConvertWei(context.Background(), "-5", "ethereum", "usd", 18, testTS)
	assert.Error(t, err)
}

func TestNativePrice_CacheHit(t *testing.T) {
	ps := newPriceServer()
	defer ps.Close()

	db, mock := redismock.NewClientMock()
	cache := &Cache{client: db, prefix: "p:", ttl: time.Hour}

	mock.ExpectGet("p:ethereum:usd:1700000000").SetVal("3123.5")

	c := NewConverter(testConfig(ps.URL), cache)
	price, err := c.NativePrice(context.Background(), "ethereum", "usd", testTS)
	require.NoError(t, err)

	assert.Equal(t, 3123.5, price)
	assert.Equal(t, 0, ps.rangeHits, "cached price must not hit the API")
}

func TestNativePrice_CacheMissPopulates(t *testing.T) {
	ps := newPriceServer()
	defer ps.Close()

	db, mock := redismock.NewClientMock()
	cache := &Cache{client: db, prefix: "p:", ttl: time.Hour}

	mock.ExpectGet("p:ethereum:usd:1700000000").RedisNil()
	mock.ExpectSet("p:ethereum:usd:1700000000", 3000.0, time.Hour).SetVal("OK")

	c := NewConverter(testConfig(ps.URL), cache)
	price, err := c.NativePrice(context.Background(), "ethereum", "usd", testTS)
	require.NoError(t, err)

	assert.Equal(t, 3000.0, price)
	assert.Equal(t, 1, ps.rangeHits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_GetErrorIsMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := &Cache{client: db, prefix: "p:", ttl: time.Hour}

	mock.ExpectGet("p:ethereum:usd:1").SetErr(assert.AnError)
	_, ok := cache.Get(context.Background(), "ethereum", "usd", 1)
	assert.False(t, ok)
}
