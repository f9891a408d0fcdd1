package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-pulse/internal/fetcher"
	"price-pulse/internal/market"
)

func TestObservePollByKind(t *testing.T) {
	c := New()
	c.ObservePoll(nil, 0.2)
	c.ObservePoll(market.ValidationError("price missing"), 0.1)
	c.ObservePoll(market.ProtocolError(500, nil), 0.1)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.PollAttempts.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PollAttempts.WithLabelValues("validation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PollAttempts.WithLabelValues("protocol")))
}

func TestObserveStreamAndState(t *testing.T) {
	c := New()
	c.ObserveStream(market.StreamStatus{State: market.StateOpen, Health: market.Health{Healthy: true}})
	c.ObservePollHealth(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.StreamState))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SourceHealthy.WithLabelValues("stream")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.SourceHealthy.WithLabelValues("poll")))

	tick := market.Tick{Price: decimal.NewFromInt(65100)}
	c.ObserveState(market.ReconciledState{
		Tick:      &tick,
		SpreadPct: decimal.NewNullDecimal(decimal.RequireFromString("0.15")),
		RiskScore: 0.4,
	})
	assert.Equal(t, 65100.0, testutil.ToFloat64(c.Price))
	assert.InDelta(t, 0.15, testutil.ToFloat64(c.SpreadPct), 1e-9)
	assert.Equal(t, 0.4, testutil.ToFloat64(c.RiskScore))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.AlertsFired.Inc()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "pricepulse_alerts_fired_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestInstrumentFetcherCountsOutcomes(t *testing.T) {
	c := New()
	calls := 0
	f := InstrumentFetcher(fetcher.SnapshotFunc(func(context.Context) (market.Snapshot, error) {
		calls++
		if calls == 1 {
			return market.Snapshot{}, market.NetworkError(errors.New("dial tcp: refused"))
		}
		return market.Snapshot{Price: decimal.NewFromInt(1)}, nil
	}), c)

	_, err := f.FetchSnapshot(context.Background())
	require.Error(t, err)
	snap, err := f.FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", snap.Price.String())

	assert.Equal(t, 1.0, testutil.ToFloat64(c.PollAttempts.WithLabelValues("network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PollAttempts.WithLabelValues("ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.PollDuration))
}
