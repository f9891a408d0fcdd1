package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"price-pulse/internal/clock"
	"price-pulse/internal/fetcher"
	"price-pulse/internal/market"
)

const (
	colorHealthy  = "#22c55e"
	colorDegraded = "#ef4444"
)

// Handler receives poll outcomes.
type Handler interface {
	OnSnapshot(snapshot market.Snapshot)
	OnPollStatus(status market.PollStatus)
}

// Options tune poll cadence.
type Options struct {
	// Interval re-arms the next cycle after a success.
	Interval time.Duration
	// Backoff re-arms the next cycle after a failure. It is fixed, not exponential.
	Backoff time.Duration
}

// Poller drives the fetch-and-update cycle. Exactly one cycle is pending
// after every completed attempt.
type Poller struct {
	fetcher fetcher.SnapshotFetcher
	clock   clock.Clock
	opts    Options
	handler Handler
	logger  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	// run counts Start calls; a result from an earlier run is dropped.
	run     uint64
	timer   clock.Timer
	nextAt  time.Time
	health  market.Health
}

// New constructs a Poller.
func New(f fetcher.SnapshotFetcher, clk clock.Clock, opts Options, handler Handler, logger zerolog.Logger) *Poller {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Poller{
		fetcher: f,
		clock:   clk,
		opts:    opts,
		handler: handler,
		logger:  logger.With().Str("component", "poller").Logger(),
	}
}

// Start begins the cycle immediately. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.run++
	p.armLocked(0)
}

// RefreshNow cancels the pending timer and triggers an immediate cycle.
// A request already in flight is not cancelled; its result is applied on arrival.
func (p *Poller) RefreshNow() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.logger.Debug().Msg("manual refresh requested")
	p.armLocked(0)
}

// Stop cancels the pending timer and ignores any result still in flight.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.nextAt = time.Time{}
	p.cancel()
}

// NextRefreshAt reports when the pending cycle fires; zero when stopped.
func (p *Poller) NextRefreshAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextAt
}

// Health reports the poll source health.
func (p *Poller) Health() market.Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

func (p *Poller) armLocked(delay time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.nextAt = p.clock.Now().Add(delay)
	p.timer = p.clock.AfterFunc(delay, p.cycle)
}

func (p *Poller) cycle() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	ctx, run := p.ctx, p.run
	updating := market.PollStatus{Health: p.health, Text: "Updating…", Color: colorHealthy}
	p.mu.Unlock()

	p.handler.OnPollStatus(updating)

	snapshot, err := p.fetcher.FetchSnapshot(ctx)
	if err != nil {
		p.fail(run, err)
		return
	}
	p.succeed(run, snapshot)
}

func (p *Poller) succeed(run uint64, snapshot market.Snapshot) {
	p.mu.Lock()
	if !p.running || run != p.run {
		p.mu.Unlock()
		return
	}
	p.health = market.Health{Healthy: true, LastSuccessAt: p.clock.Now()}
	p.armLocked(p.opts.Interval)
	status := market.PollStatus{
		Health:        p.health,
		Text:          fmt.Sprintf("Live • Auto-refreshing every %s", formatSeconds(p.opts.Interval)),
		Color:         colorHealthy,
		NextAttemptAt: p.nextAt,
	}
	p.mu.Unlock()

	p.logger.Info().Str("price", snapshot.Price.String()).Time("next", status.NextAttemptAt).Msg("snapshot refreshed")
	p.handler.OnSnapshot(snapshot)
	p.handler.OnPollStatus(status)
}

func (p *Poller) fail(run uint64, err error) {
	p.mu.Lock()
	if !p.running || run != p.run {
		p.mu.Unlock()
		return
	}
	p.health.Healthy = false
	p.armLocked(p.opts.Backoff)
	status := market.PollStatus{
		Health:        p.health,
		Text:          fmt.Sprintf("Could not load data. Retrying in %s.", formatSeconds(p.opts.Backoff)),
		Color:         colorDegraded,
		Banner:        "Failed to refresh price. " + market.Diagnostic(err),
		NextAttemptAt: p.nextAt,
	}
	p.mu.Unlock()

	p.logger.Error().Err(err).Str("kind", string(market.KindOf(err))).Time("next", status.NextAttemptAt).Msg("snapshot refresh failed")
	p.handler.OnPollStatus(status)
}

func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
