package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-pulse/internal/alerting"
	"price-pulse/internal/clock"
	"price-pulse/internal/market"
	"price-pulse/internal/metrics"
	"price-pulse/internal/reconcile"
	"price-pulse/internal/render"
	"price-pulse/internal/storage"
)

var (
	// ErrStreamDisabled is returned when a stream action is requested without a stream.
	ErrStreamDisabled = errors.New("stream not configured")
	// ErrNoPrice is returned when a conversion is requested before any price arrived.
	ErrNoPrice = errors.New("no price available yet")
)

// PollSource is the poll scheduler as the service drives it.
type PollSource interface {
	Start(ctx context.Context)
	RefreshNow()
	Stop()
	NextRefreshAt() time.Time
}

// StreamSource is the stream connection as the service drives it.
type StreamSource interface {
	Start(ctx context.Context)
	Connect()
	Stop()
}

// Deps are the collaborators; everything except Sink is optional.
type Deps struct {
	Clock      clock.Clock
	Sink       render.Sink
	Notifier   alerting.Notifier
	Samples    storage.SampleStore
	AlertStore storage.AlertStore
	Metrics    *metrics.Collector
}

// Options carry presentation and routing settings.
type Options struct {
	Asset    string
	Symbol   string
	Channels []string
}

// Service orchestrates both sources, reconciliation, alerting, and rendering.
// Source callbacks are serialised by mu, so snapshot/tick replacement and the
// recomputation that follows are atomic with respect to each other.
type Service struct {
	deps       Deps
	opts       Options
	logger     zerolog.Logger
	reconciler *reconcile.Reconciler
	evaluator  *alerting.Evaluator

	poller PollSource
	stream StreamSource

	baseCtx context.Context
	pending sync.WaitGroup

	mu           sync.Mutex
	seq          uint64
	poll         market.PollStatus
	streamStatus market.StreamStatus
	state        market.ReconciledState
	lastPrice    decimal.NullDecimal
	prevPrice    decimal.NullDecimal
	movement     render.Movement
}

// New constructs the service. Attach the sources before Run.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Sink == nil {
		deps.Sink = render.Multi{}
	}
	s := &Service{
		deps:       deps,
		opts:       opts,
		logger:     logger.With().Str("component", "service").Logger(),
		reconciler: reconcile.New(),
		evaluator:  alerting.NewEvaluator(),
		baseCtx:    context.Background(),
	}
	s.state = s.reconciler.Current()
	s.streamStatus.State = market.StateClosed
	return s
}

// Attach wires the sources. The stream may be nil when disabled.
func (s *Service) Attach(poller PollSource, stream StreamSource) {
	s.poller = poller
	s.stream = stream
}

// Run starts both sources and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.poller == nil {
		return fmt.Errorf("poller not configured")
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.poller.Start(ctx)
	if s.stream != nil {
		s.stream.Start(ctx)
	}
	s.logger.Info().Bool("stream", s.stream != nil).Msg("service started")

	<-ctx.Done()

	s.poller.Stop()
	if s.stream != nil {
		s.stream.Stop()
	}
	s.pending.Wait()
	s.logger.Info().Msg("service stopped")
	return nil
}

// RefreshNow triggers an immediate poll cycle.
func (s *Service) RefreshNow() {
	if s.poller != nil {
		s.poller.RefreshNow()
	}
}

// ReconnectStream tears down the stream and reconnects.
func (s *Service) ReconnectStream() error {
	if s.stream == nil {
		return ErrStreamDisabled
	}
	s.stream.Connect()
	return nil
}

// SetAlertRule replaces the active rule and re-arms it.
func (s *Service) SetAlertRule(rule market.AlertRule) market.AlertState {
	s.mu.Lock()
	alert := s.evaluator.SetRule(rule)
	update := s.nextUpdateLocked()
	s.mu.Unlock()

	s.logger.Info().Str("rule_id", alert.RuleID).
		Str("price_threshold", nullText(rule.PriceThreshold)).
		Str("change_threshold", nullText(rule.ChangeThreshold)).
		Bool("tight_spread", rule.RequireTightSpread).
		Msg("alert rule saved")
	s.push(update)
	return alert
}

// Latest returns the current state without advancing the sequence.
func (s *Service) Latest() render.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildUpdateLocked(s.seq)
}

// Convert turns an amount of base asset into quote currency or back, at the latest price.
func (s *Service) Convert(amount decimal.Decimal, toQuote bool) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.Lock()
	price, ok := s.state.Price()
	s.mu.Unlock()
	if !ok || !price.IsPositive() {
		return decimal.Decimal{}, decimal.Decimal{}, ErrNoPrice
	}
	if toQuote {
		return amount.Mul(price).Round(2), price, nil
	}
	return amount.Div(price).Round(8), price, nil
}

// OnSnapshot implements scheduler.Handler.
func (s *Service) OnSnapshot(snapshot market.Snapshot) {
	s.mu.Lock()
	if s.lastPrice.Valid {
		s.movement = render.MovementBetween(s.lastPrice.Decimal, snapshot.Price)
	}
	s.prevPrice = s.lastPrice
	s.lastPrice = decimal.NewNullDecimal(snapshot.Price)

	state := s.reconciler.ApplySnapshot(snapshot)
	s.applyLocked(state)
	sample := s.sampleLocked(snapshot, state)
	update := s.nextUpdateLocked()
	s.mu.Unlock()

	s.recordSample(sample)
	s.push(update)
}

// OnPollStatus implements scheduler.Handler.
func (s *Service) OnPollStatus(status market.PollStatus) {
	s.mu.Lock()
	s.poll = status
	update := s.nextUpdateLocked()
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		m.ObservePollHealth(status.Healthy)
	}
	s.push(update)
}

// OnTick implements stream.Handler.
func (s *Service) OnTick(tick market.Tick) {
	s.mu.Lock()
	state := s.reconciler.ApplyTick(tick)
	s.applyLocked(state)
	update := s.nextUpdateLocked()
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		m.Ticks.Inc()
	}
	s.push(update)
}

// OnStreamStatus implements stream.Handler.
func (s *Service) OnStreamStatus(status market.StreamStatus) {
	s.mu.Lock()
	s.streamStatus = status
	update := s.nextUpdateLocked()
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		m.ObserveStream(status)
	}
	s.push(update)
}

// OnTickDropped implements stream.Handler.
func (s *Service) OnTickDropped(err error) {
	if m := s.deps.Metrics; m != nil {
		m.TicksDropped.Inc()
	}
}

// Wait blocks until background notifications and writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) applyLocked(state market.ReconciledState) {
	s.state = state
	if m := s.deps.Metrics; m != nil {
		m.ObserveState(state)
	}

	alert, fired := s.evaluator.Evaluate(state, s.deps.Clock.Now())
	if !fired {
		return
	}

	rule := s.evaluator.Rule()
	note := alerting.NewNotification(rule, alert, state, s.opts.Symbol, s.opts.Channels)
	s.logger.Warn().Str("rule_id", alert.RuleID).
		Str("price", note.Price.String()).
		Str("change_24h", note.Change24h.String()).
		Msg("alert fired")
	if m := s.deps.Metrics; m != nil {
		m.AlertsFired.Inc()
	}
	s.dispatchAlert(note)
}

func (s *Service) dispatchAlert(note alerting.Notification) {
	ctx := s.baseCtx
	if n := s.deps.Notifier; n != nil {
		s.async(func() {
			if err := n.Notify(ctx, note); err != nil {
				s.logger.Error().Err(err).Str("rule_id", note.RuleID).Msg("failed to dispatch alert")
			}
		})
	}
	if store := s.deps.AlertStore; store != nil {
		event := storage.AlertEvent{
			RuleID:             note.RuleID,
			FiredAt:            note.FiredAt,
			Price:              note.Price,
			Change24h:          note.Change24h,
			SpreadPct:          note.SpreadPct,
			PriceThreshold:     note.PriceThreshold,
			ChangeThreshold:    note.ChangeThreshold,
			RequireTightSpread: note.RequireTightSpread,
			Channels:           note.Channels,
		}
		s.async(func() {
			if _, err := store.InsertAlertEvent(ctx, event); err != nil {
				s.logger.Error().Err(err).Str("rule_id", note.RuleID).Msg("failed to persist alert event")
			}
		})
	}
}

func (s *Service) sampleLocked(snapshot market.Snapshot, state market.ReconciledState) *storage.MarketSample {
	if s.deps.Samples == nil {
		return nil
	}
	at := snapshot.FetchedAt
	if at.IsZero() {
		at = s.deps.Clock.Now()
	}
	sample := &storage.MarketSample{
		SampledAt:          at.UTC(),
		Price:              snapshot.Price,
		Change24h:          snapshot.Change24h,
		MarketCap:          snapshot.MarketCap,
		Volume:             snapshot.Volume,
		SpreadPct:          state.SpreadPct,
		VWAPGapPct:         state.VWAPGapPct,
		FundingEstimatePct: state.FundingEstimatePct,
		RiskScore:          state.RiskScore,
		RiskLabel:          string(state.RiskLabel),
		PollHealthy:        true,
		StreamHealthy:      s.streamStatus.Healthy,
	}
	if state.Tick != nil {
		sample.StreamPrice = decimal.NewNullDecimal(state.Tick.Price)
	}
	return sample
}

func (s *Service) recordSample(sample *storage.MarketSample) {
	if sample == nil {
		return
	}
	store := s.deps.Samples
	ctx := s.context()
	s.async(func() {
		if err := store.InsertSample(ctx, *sample); err != nil {
			s.logger.Error().Err(err).Time("sampled_at", sample.SampledAt).Msg("failed to insert sample")
		}
	})
}

func (s *Service) async(fn func()) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		fn()
	}()
}

func (s *Service) nextUpdateLocked() render.Update {
	s.seq++
	return s.buildUpdateLocked(s.seq)
}

func (s *Service) buildUpdateLocked(seq uint64) render.Update {
	next := s.poll.NextAttemptAt
	if s.poller != nil {
		next = s.poller.NextRefreshAt()
	}
	return render.Update{
		Seq:           seq,
		At:            s.deps.Clock.Now(),
		Asset:         s.opts.Asset,
		Poll:          s.poll,
		Stream:        s.streamStatus,
		State:         s.state,
		Alert:         s.evaluator.State(),
		Rule:          s.evaluator.Rule(),
		NextRefreshAt: next,
		Movement:      s.movement,
		PreviousPrice: s.prevPrice,
	}
}

// push delivers outside the lock; sinks order by Seq.
func (s *Service) push(update render.Update) {
	if err := s.deps.Sink.Push(s.context(), update); err != nil {
		if m := s.deps.Metrics; m != nil {
			m.SinkErrors.Inc()
		}
		s.logger.Error().Err(err).Uint64("seq", update.Seq).Msg("render sink push failed")
	}
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func nullText(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return strings.TrimSpace(d.Decimal.String())
}
