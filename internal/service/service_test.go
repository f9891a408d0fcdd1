package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-pulse/internal/alerting"
	"price-pulse/internal/clock"
	"price-pulse/internal/fetcher"
	"price-pulse/internal/market"
	"price-pulse/internal/metrics"
	"price-pulse/internal/render"
	"price-pulse/internal/scheduler"
	"price-pulse/internal/storage"
)

type fakeNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

type memoryStore struct {
	mu      sync.Mutex
	samples []storage.MarketSample
	events  []storage.AlertEvent
}

func (m *memoryStore) InsertSample(_ context.Context, sample storage.MarketSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample)
	return nil
}

func (m *memoryStore) ListSamplesBetween(context.Context, time.Time, time.Time) ([]storage.MarketSample, error) {
	return nil, nil
}

func (m *memoryStore) ListRecentSamples(context.Context, int) ([]storage.MarketSample, error) {
	return nil, nil
}

func (m *memoryStore) CountSamples(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.samples)), nil
}

func (m *memoryStore) InsertAlertEvent(_ context.Context, event storage.AlertEvent) (storage.AlertEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return event, nil
}

func (m *memoryStore) ListRecentAlertEvents(context.Context, int) ([]storage.AlertEvent, error) {
	return nil, nil
}

type fakeStream struct {
	connects int
}

func (f *fakeStream) Start(context.Context) {}
func (f *fakeStream) Connect()              { f.connects++ }
func (f *fakeStream) Stop()                 {}

type failingSink struct{}

func (failingSink) Push(context.Context, render.Update) error { return errors.New("sink down") }

type harness struct {
	svc      *Service
	clk      *clock.Fake
	sink     *render.StateSink
	notifier *fakeNotifier
	store    *memoryStore
	metrics  *metrics.Collector
	prices   chan decimal.Decimal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:      clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		sink:     render.NewStateSink(),
		notifier: &fakeNotifier{},
		store:    &memoryStore{},
		metrics:  metrics.New(),
		prices:   make(chan decimal.Decimal, 8),
	}
	h.svc = New(Deps{
		Clock:      h.clk,
		Sink:       h.sink,
		Notifier:   h.notifier,
		Samples:    h.store,
		AlertStore: h.store,
		Metrics:    h.metrics,
	}, Options{Asset: "BTC", Symbol: "BTCUSDT", Channels: []string{"telegram"}}, zerolog.Nop())

	f := fetcher.SnapshotFunc(func(context.Context) (market.Snapshot, error) {
		select {
		case p := <-h.prices:
			return market.Snapshot{Price: p, Change24h: decimal.RequireFromString("-2.5"), FetchedAt: h.clk.Now()}, nil
		default:
			return market.Snapshot{}, market.NetworkError(errors.New("offline"))
		}
	})
	poller := scheduler.New(f, h.clk, scheduler.Options{Interval: 15 * time.Second, Backoff: 30 * time.Second}, h.svc, zerolog.Nop())
	h.svc.Attach(poller, nil)
	poller.Start(context.Background())
	t.Cleanup(poller.Stop)
	return h
}

func (h *harness) poll(price int64, advance time.Duration) {
	h.prices <- decimal.NewFromInt(price)
	h.clk.Advance(advance)
}

func (h *harness) latest(t *testing.T) render.Update {
	t.Helper()
	u, ok := h.sink.Latest()
	require.True(t, ok)
	return u
}

func TestSnapshotFlowsToSinkAndStorage(t *testing.T) {
	h := newHarness(t)
	h.poll(65000, 0)
	h.svc.Wait()

	u := h.latest(t)
	price, ok := u.State.Price()
	require.True(t, ok)
	assert.Equal(t, "65000", price.String())
	assert.True(t, u.Poll.Healthy)
	assert.Equal(t, h.clk.Now().Add(15*time.Second), u.NextRefreshAt)
	assert.False(t, u.State.SpreadPct.Valid)

	h.store.mu.Lock()
	require.Len(t, h.store.samples, 1)
	assert.Equal(t, "65000", h.store.samples[0].Price.String())
	h.store.mu.Unlock()
}

func TestTickAddsSpread(t *testing.T) {
	h := newHarness(t)
	h.poll(65000, 0)

	h.svc.OnTick(market.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(65130), OpenPrice: decimal.NewFromInt(64000)})
	u := h.latest(t)
	require.True(t, u.State.SpreadPct.Valid)
	assert.Equal(t, "0.2", u.State.SpreadPct.Decimal.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Ticks))
}

func TestMovementBetweenPolls(t *testing.T) {
	h := newHarness(t)
	h.poll(65000, 0)
	assert.Equal(t, render.Movement(""), h.latest(t).Movement)

	h.poll(64000, 15*time.Second)
	u := h.latest(t)
	assert.Equal(t, render.MovementDown, u.Movement)
	require.True(t, u.PreviousPrice.Valid)
	assert.Equal(t, "65000", u.PreviousPrice.Decimal.String())
}

func TestFailedPollKeepsState(t *testing.T) {
	h := newHarness(t)
	h.poll(65000, 0)

	h.clk.Advance(15 * time.Second)
	u := h.latest(t)
	assert.False(t, u.Poll.Healthy)
	assert.Contains(t, u.Poll.Banner, "offline")
	price, _ := u.State.Price()
	assert.Equal(t, "65000", price.String())
	assert.Equal(t, h.clk.Now().Add(30*time.Second), u.NextRefreshAt)
}

func TestAlertFiresOnceAndDispatches(t *testing.T) {
	h := newHarness(t)
	alert := h.svc.SetAlertRule(market.AlertRule{PriceThreshold: decimal.NewNullDecimal(decimal.NewFromInt(66000))})
	assert.True(t, alert.Armed)
	assert.NotEmpty(t, alert.RuleID)

	h.poll(65000, 0)
	assert.False(t, h.latest(t).Alert.Fired)

	h.svc.OnTick(market.Tick{Price: decimal.NewFromInt(66100), OpenPrice: decimal.NewFromInt(65000)})
	h.svc.OnTick(market.Tick{Price: decimal.NewFromInt(66200), OpenPrice: decimal.NewFromInt(65000)})
	h.svc.Wait()

	u := h.latest(t)
	assert.True(t, u.Alert.Fired)
	assert.False(t, u.Alert.Armed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AlertsFired))

	h.notifier.mu.Lock()
	require.Len(t, h.notifier.notes, 1)
	assert.Equal(t, "66100", h.notifier.notes[0].Price.String())
	assert.Equal(t, "BTCUSDT", h.notifier.notes[0].Symbol)
	h.notifier.mu.Unlock()

	h.store.mu.Lock()
	require.Len(t, h.store.events, 1)
	assert.Equal(t, alert.RuleID, h.store.events[0].RuleID)
	assert.Equal(t, []string{"telegram"}, h.store.events[0].Channels)
	h.store.mu.Unlock()
}

func TestSetAlertRuleRearms(t *testing.T) {
	h := newHarness(t)
	first := h.svc.SetAlertRule(market.AlertRule{PriceThreshold: decimal.NewNullDecimal(decimal.NewFromInt(1))})
	h.poll(65000, 0)
	assert.True(t, h.latest(t).Alert.Fired)

	second := h.svc.SetAlertRule(market.AlertRule{PriceThreshold: decimal.NewNullDecimal(decimal.NewFromInt(1))})
	assert.NotEqual(t, first.RuleID, second.RuleID)
	u := h.latest(t)
	assert.True(t, u.Alert.Armed)
	assert.False(t, u.Alert.Fired)
	h.svc.Wait()
}

func TestSequenceIncreases(t *testing.T) {
	h := newHarness(t)
	h.poll(65000, 0)
	first := h.latest(t).Seq
	h.svc.OnTick(market.Tick{Price: decimal.NewFromInt(65010)})
	assert.Greater(t, h.latest(t).Seq, first)
	assert.Equal(t, h.latest(t).Seq, h.svc.Latest().Seq)
}

func TestConvert(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.Convert(decimal.NewFromInt(1), true)
	assert.ErrorIs(t, err, ErrNoPrice)

	h.poll(64000, 0)
	quote, price, err := h.svc.Convert(decimal.RequireFromString("0.5"), true)
	require.NoError(t, err)
	assert.Equal(t, "32000", quote.String())
	assert.Equal(t, "64000", price.String())

	base, _, err := h.svc.Convert(decimal.NewFromInt(100), false)
	require.NoError(t, err)
	assert.Equal(t, "0.0015625", base.String())
}

func TestReconnectStream(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.svc.ReconnectStream(), ErrStreamDisabled)

	stream := &fakeStream{}
	h.svc.Attach(h.svc.poller, stream)
	require.NoError(t, h.svc.ReconnectStream())
	assert.Equal(t, 1, stream.connects)
}

func TestStreamStatusAndDrops(t *testing.T) {
	h := newHarness(t)
	h.svc.OnStreamStatus(market.StreamStatus{State: market.StateOpen, Health: market.Health{Healthy: true}})
	h.svc.OnTickDropped(errors.New("bad json"))

	u := h.latest(t)
	assert.Equal(t, market.StateOpen, u.Stream.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TicksDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StreamState))
}

func TestSinkErrorsCounted(t *testing.T) {
	m := metrics.New()
	svc := New(Deps{Clock: clock.NewFake(time.Unix(0, 0)), Sink: failingSink{}, Metrics: m}, Options{Asset: "BTC"}, zerolog.Nop())
	svc.OnTick(market.Tick{Price: decimal.NewFromInt(1)})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkErrors))
}

func TestRunRequiresPoller(t *testing.T) {
	svc := New(Deps{}, Options{}, zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))
}
