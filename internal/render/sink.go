package render

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Sink receives every Update produced by the service.
type Sink interface {
	Push(ctx context.Context, update Update) error
}

// LogSink writes one structured line per update.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "render").Logger()}
}

func (s *LogSink) Push(_ context.Context, update Update) error {
	view := NewView(update)
	event := s.logger.Info().
		Uint64("seq", view.Seq).
		Str("status", view.Status.Text).
		Str("price", view.Price).
		Str("change_24h", view.Change24h).
		Str("risk", view.RiskLabel).
		Bool("poll_healthy", view.Health.Poll.Healthy).
		Str("stream", view.Health.Stream.State).
		Bool("alert_fired", view.Alert.Fired)
	if view.SpreadPct != "" {
		event = event.Str("spread_pct", view.SpreadPct)
	}
	if view.Status.Banner != "" {
		event = event.Str("banner", view.Status.Banner)
	}
	event.Msg("dashboard updated")
	return nil
}

// StateSink keeps the newest update in memory. Out-of-order pushes with a
// lower Seq are discarded.
type StateSink struct {
	mu     sync.RWMutex
	latest Update
	ok     bool
}

// NewStateSink constructs an empty StateSink.
func NewStateSink() *StateSink {
	return &StateSink{}
}

func (s *StateSink) Push(_ context.Context, update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ok && update.Seq <= s.latest.Seq {
		return nil
	}
	s.latest = update
	s.ok = true
	return nil
}

// Latest returns the newest update and whether one has been pushed.
func (s *StateSink) Latest() (Update, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.ok
}

// Multi fans an update out to every sink; errors are joined.
type Multi []Sink

func (m Multi) Push(ctx context.Context, update Update) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Push(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*StateSink)(nil)
	_ Sink = Multi(nil)
)
