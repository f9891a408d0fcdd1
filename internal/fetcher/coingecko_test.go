package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"price-pulse/internal/clock"
	"price-pulse/internal/market"
)

const coinPayload = `{
  "id": "bitcoin",
  "market_cap_rank": 1,
  "last_updated": "2024-05-01T10:00:00.000Z",
  "market_data": {
    "current_price": {"usd": 65000},
    "price_change_percentage_24h": -2.5,
    "price_change_percentage_7d": 4.1,
    "price_change_percentage_1h_in_currency": {"usd": 0.3},
    "market_cap": {"usd": 1280000000000},
    "total_volume": {"usd": 31000000000},
    "high_24h": {"usd": 66800},
    "low_24h": {"usd": 64100},
    "circulating_supply": 19700000,
    "max_supply": 21000000,
    "ath": {"usd": 73738},
    "ath_date": {"usd": "2024-03-14T07:10:36.635Z"},
    "atl": {"usd": 67.81}
  }
}`

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestFetcher(url string) *CoinGecko {
	return NewCoinGecko(CoinGeckoOptions{
		Endpoint:   url,
		VsCurrency: "usd",
		Timeout:    time.Second,
		UserAgent:  "test",
	}, clock.NewFake(time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)), noopLogger())
}

func TestCoinGeckoFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test" {
			t.Fatalf("User-Agent 应为 test, 实际 %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(coinPayload))
	}))
	defer srv.Close()

	snap, err := newTestFetcher(srv.URL).FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if snap.Price.String() != "65000" {
		t.Fatalf("期望价格 65000, 实际 %s", snap.Price)
	}
	if snap.Change24h.String() != "-2.5" {
		t.Fatalf("期望 24h 涨跌 -2.5, 实际 %s", snap.Change24h)
	}
	if !snap.MaxSupply.Valid || snap.MaxSupply.Decimal.String() != "21000000" {
		t.Fatalf("max supply 解析错误: %+v", snap.MaxSupply)
	}
	if !snap.Change1h.Valid || snap.Change1h.Decimal.String() != "0.3" {
		t.Fatalf("1h 涨跌解析错误: %+v", snap.Change1h)
	}
	if snap.MarketCapRank != 1 {
		t.Fatalf("market cap rank 应为 1, 实际 %d", snap.MarketCapRank)
	}
	if snap.ATHDate.IsZero() || snap.LastUpdated.IsZero() {
		t.Fatal("日期字段应被解析")
	}
	if snap.FetchedAt != time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC) {
		t.Fatalf("FetchedAt 应取自时钟, 实际 %s", snap.FetchedAt)
	}
}

func TestCoinGeckoFetchMarketsArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{{
			"id":                          "bitcoin",
			"current_price":               64000.5,
			"price_change_percentage_24h": 1.2,
			"total_volume":                2_000_000_000,
			"total_supply":                21_000_000,
		}})
	}))
	defer srv.Close()

	snap, err := newTestFetcher(srv.URL).FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("数组格式应被接受: %v", err)
	}
	if snap.Price.String() != "64000.5" {
		t.Fatalf("期望价格 64000.5, 实际 %s", snap.Price)
	}
	if !snap.MaxSupply.Valid {
		t.Fatal("max_supply 缺失时应回退到 total_supply")
	}
}

func TestCoinGeckoFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(strings.Repeat("slow down ", 50)))
	}))
	defer srv.Close()

	_, err := newTestFetcher(srv.URL).FetchSnapshot(context.Background())
	if err == nil {
		t.Fatal("HTTP 429 应返回错误")
	}
	if market.KindOf(err) != market.KindProtocol {
		t.Fatalf("应归类为 protocol, 实际 %s", market.KindOf(err))
	}
	if diag := market.Diagnostic(err); !strings.HasPrefix(diag, "HTTP 429 Too Many Requests") || !strings.HasSuffix(diag, "…") {
		t.Fatalf("诊断信息格式不正确: %s", diag)
	}
}

func TestCoinGeckoFetchValidation(t *testing.T) {
	cases := map[string]string{
		"missing market_data": `{"id":"bitcoin"}`,
		"string price":        `{"market_data":{"current_price":{"usd":"65000"}}}`,
		"null price":          `{"market_data":{"current_price":{"usd":null}}}`,
		"zero price":          `{"market_data":{"current_price":{"usd":0}}}`,
		"empty array":         `[]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := newTestFetcher(srv.URL).FetchSnapshot(context.Background())
			if market.KindOf(err) != market.KindValidation {
				t.Fatalf("应归类为 validation, 实际 %v", err)
			}
		})
	}
}

func TestCoinGeckoFetchMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"market_data":`))
	}))
	defer srv.Close()

	_, err := newTestFetcher(srv.URL).FetchSnapshot(context.Background())
	if market.KindOf(err) != market.KindParse {
		t.Fatalf("应归类为 parse, 实际 %v", err)
	}
}

func TestCoinGeckoBreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewCoinGecko(CoinGeckoOptions{
		Endpoint: srv.URL,
		Timeout:  time.Second,
		Breaker:  BreakerOptions{Enabled: true, ConsecutiveFailures: 2, OpenTimeout: time.Minute},
	}, clock.Real(), noopLogger())

	for i := 0; i < 2; i++ {
		if _, err := f.FetchSnapshot(context.Background()); market.KindOf(err) != market.KindProtocol {
			t.Fatalf("第 %d 次应为 protocol 错误, 实际 %v", i+1, err)
		}
	}

	_, err := f.FetchSnapshot(context.Background())
	if market.KindOf(err) != market.KindNetwork {
		t.Fatalf("熔断打开后应归类为 network, 实际 %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("熔断打开后不应再请求上游, 实际请求 %d 次", hits.Load())
	}
}

func TestBuildEndpointDefaults(t *testing.T) {
	got := buildEndpoint(CoinGeckoOptions{CoinID: "bitcoin"})
	if !strings.HasPrefix(got, "https://api.coingecko.com/api/v3/coins/bitcoin?") {
		t.Fatalf("默认 endpoint 不正确: %s", got)
	}
	if !strings.Contains(got, "market_data=true") {
		t.Fatalf("应请求 market_data: %s", got)
	}
}
