package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"price-pulse/internal/clock"
	"price-pulse/internal/market"
)

const (
	defaultBaseURL   = "https://api.coingecko.com/api/v3"
	defaultUserAgent = "pricepulse/1.0"
	maxBodyBytes     = 4 << 20
)

// BreakerOptions tune the circuit breaker guarding the snapshot endpoint.
type BreakerOptions struct {
	Enabled             bool
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// CoinGeckoOptions parameterise the CoinGecko fetcher.
type CoinGeckoOptions struct {
	// Endpoint, when set, is requested verbatim instead of BaseURL/coins/{CoinID}.
	Endpoint   string
	BaseURL    string
	CoinID     string
	VsCurrency string
	Timeout    time.Duration
	UserAgent  string
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	Breaker   BreakerOptions
}

// CoinGecko fetches market snapshots over HTTP.
type CoinGecko struct {
	opts     CoinGeckoOptions
	endpoint string
	client   *http.Client
	clock    clock.Clock
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

// NewCoinGecko constructs a snapshot fetcher.
func NewCoinGecko(opts CoinGeckoOptions, clk clock.Clock, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.VsCurrency == "" {
		opts.VsCurrency = "usd"
	}
	if opts.CoinID == "" {
		opts.CoinID = "bitcoin"
	}
	if clk == nil {
		clk = clock.Real()
	}

	c := &CoinGecko{
		opts:     opts,
		endpoint: buildEndpoint(opts),
		client:   &http.Client{Timeout: timeout},
		clock:    clk,
		logger:   logger.With().Str("component", "snapshot_fetcher").Logger(),
	}

	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	if opts.Breaker.Enabled {
		threshold := opts.Breaker.ConsecutiveFailures
		if threshold == 0 {
			threshold = 5
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "snapshot",
			MaxRequests: 1,
			Timeout:     opts.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("snapshot circuit breaker changed state")
			},
		})
	}

	return c
}

// Endpoint returns the URL requested on every cycle.
func (c *CoinGecko) Endpoint() string {
	return c.endpoint
}

// FetchSnapshot performs one request and validates the payload.
func (c *CoinGecko) FetchSnapshot(ctx context.Context) (market.Snapshot, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return market.Snapshot{}, market.NetworkError(fmt.Errorf("rate limiter: %w", err))
		}
	}

	if c.breaker == nil {
		return c.fetch(ctx)
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return market.Snapshot{}, market.NetworkError(err)
		}
		return market.Snapshot{}, err
	}
	return res.(market.Snapshot), nil
}

func (c *CoinGecko) fetch(ctx context.Context) (market.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("create snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return market.Snapshot{}, market.NetworkError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return market.Snapshot{}, market.NetworkError(fmt.Errorf("read snapshot body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return market.Snapshot{}, market.ProtocolError(resp.StatusCode, payload)
	}

	snap, err := ParseSnapshot(payload, c.opts.VsCurrency, c.clock.Now().UTC())
	if err != nil {
		return market.Snapshot{}, err
	}

	c.logger.Debug().Str("price", snap.Price.String()).Str("change_24h", snap.Change24h.String()).Msg("snapshot fetched")
	return snap, nil
}

func buildEndpoint(opts CoinGeckoOptions) string {
	if opts.Endpoint != "" {
		return opts.Endpoint
	}

	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}

	q := url.Values{}
	q.Set("localization", "false")
	q.Set("tickers", "false")
	q.Set("market_data", "true")
	q.Set("community_data", "false")
	q.Set("developer_data", "false")
	q.Set("sparkline", "false")
	return fmt.Sprintf("%s/coins/%s?%s", base, url.PathEscape(opts.CoinID), q.Encode())
}

var _ SnapshotFetcher = (*CoinGecko)(nil)
