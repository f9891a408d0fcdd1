package app

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"price-pulse/internal/alerting"
	"price-pulse/internal/clock"
	"price-pulse/internal/config"
	"price-pulse/internal/fetcher"
	"price-pulse/internal/httpapi"
	"price-pulse/internal/market"
	"price-pulse/internal/metrics"
	"price-pulse/internal/render"
	"price-pulse/internal/scheduler"
	"price-pulse/internal/service"
	"price-pulse/internal/storage"
	"price-pulse/internal/stream"
	"price-pulse/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher(clk clock.Clock) *fetcher.CoinGecko {
	cfg := a.Config.Snapshot
	if cfg.UserAgent == "" {
		cfg.UserAgent = version.UserAgent()
	}
	return fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		Endpoint:   cfg.Endpoint,
		BaseURL:    cfg.BaseURL,
		CoinID:     cfg.CoinID,
		VsCurrency: cfg.VsCurrency,
		Timeout:    cfg.RequestTimeout,
		UserAgent:  cfg.UserAgent,
		RateLimit:  cfg.RateLimit,
		Burst:      cfg.Burst,
		Breaker: fetcher.BreakerOptions{
			Enabled:             cfg.Breaker.Enabled,
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
		},
	}, clk, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newSinks(ctx context.Context, state *render.StateSink) (render.Sink, func(), error) {
	sinks := render.Multi{render.NewLogSink(a.Logger), state}
	if a.Config.Redis.Addr == "" {
		return sinks, func() {}, nil
	}

	opts := render.RedisOptions{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
		Key:      a.Config.Redis.Key,
		Channel:  a.Config.Redis.Channel,
		TTL:      a.Config.Redis.TTL,
	}
	client, err := render.NewRedisClient(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	a.Logger.Info().Str("addr", opts.Addr).Str("key", opts.Key).Msg("redis sink enabled")
	return append(sinks, render.NewRedisSink(client, opts)), func() { _ = client.Close() }, nil
}

// symbol derives the display symbol from the first stream name, e.g. btcusdt@ticker -> BTCUSDT.
func (a *App) symbol() string {
	if len(a.Config.Stream.Streams) > 0 {
		name, _, _ := strings.Cut(a.Config.Stream.Streams[0], "@")
		if name != "" {
			return strings.ToUpper(name)
		}
	}
	return strings.ToUpper(a.Config.App.Asset)
}

func (a *App) startupRule() (market.AlertRule, bool, error) {
	if !a.Config.Alerting.Rule.IsSet() {
		return market.AlertRule{}, false, nil
	}
	thresholds, err := a.Config.Alerting.Rule.AlertRuleThresholds()
	if err != nil {
		return market.AlertRule{}, false, err
	}
	return market.AlertRule{
		PriceThreshold:     thresholds.Price,
		ChangeThreshold:    thresholds.Change,
		RequireTightSpread: a.Config.Alerting.Rule.RequireTightSpread,
	}, true, nil
}

// Run executes the long-running dashboard service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	state := render.NewStateSink()
	sink, closeSinks, err := a.newSinks(ctx, state)
	if err != nil {
		return err
	}
	defer closeSinks()

	clk := clock.Real()
	collector := metrics.New()

	deps := service.Deps{
		Clock:    clk,
		Sink:     sink,
		Notifier: a.newNotifier(),
		Metrics:  collector,
	}
	if store != nil {
		deps.Samples = store
		deps.AlertStore = store
	}
	svc := service.New(deps, service.Options{
		Asset:    a.Config.App.Asset,
		Symbol:   a.symbol(),
		Channels: a.Config.Alerting.Channels,
	}, a.Logger)

	poller := scheduler.New(
		metrics.InstrumentFetcher(a.newFetcher(clk), collector),
		clk,
		scheduler.Options{Interval: a.Config.Snapshot.Interval, Backoff: a.Config.Snapshot.Backoff},
		svc,
		a.Logger,
	)

	var streamSource service.StreamSource
	if a.Config.Stream.Enabled {
		conn, err := stream.New(stream.Options{
			URL:               a.Config.Stream.URL,
			Streams:           a.Config.Stream.Streams,
			Proxy:             a.Config.Stream.Proxy,
			ReconnectDelay:    a.Config.Stream.ReconnectDelay,
			HeartbeatInterval: a.Config.Stream.HeartbeatInterval,
			HandshakeTimeout:  a.Config.Stream.HandshakeTimeout,
		}, clk, svc, a.Logger)
		if err != nil {
			return err
		}
		streamSource = conn
	} else {
		a.Logger.Warn().Msg("stream disabled; reconciled metrics need a live tick")
	}
	svc.Attach(poller, streamSource)

	rule, ok, err := a.startupRule()
	if err != nil {
		return err
	}
	if ok && a.Config.Alerting.Enabled {
		svc.SetAlertRule(rule)
	}

	var serverDone chan error
	if a.Config.HTTP.Addr != "" {
		server := httpapi.NewServer(httpapi.Options{
			Addr:            a.Config.HTTP.Addr,
			ReadTimeout:     a.Config.HTTP.ReadTimeout,
			WriteTimeout:    a.Config.HTTP.WriteTimeout,
			ShutdownTimeout: a.Config.HTTP.ShutdownTimeout,
			State:           state,
		}, svc, collector.Handler(), a.Logger)
		serverDone = make(chan error, 1)
		go func() {
			err := server.Run(ctx)
			if err != nil {
				cancel()
			}
			serverDone <- err
		}()
	}

	a.Logger.Info().Str("asset", a.Config.App.Asset).Str("symbol", a.symbol()).Str("version", version.Version).Msg("starting dashboard service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	if serverDone != nil {
		if err := <-serverDone; err != nil {
			a.Logger.Error().Err(err).Msg("http server failed")
			return err
		}
	}

	a.Logger.Info().Msg("dashboard service stopped")
	return nil
}

// Migrate applies the SQL migrations to the configured database.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot migrate")
	}
	defer closeStore()

	n, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("files", n).Str("path", a.Config.Database.MigrationsPath).Msg("migrations applied")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// SimulateOptions configure simulate-alert. Unset values fall back to a live snapshot.
type SimulateOptions struct {
	Price              string
	Change24h          string
	StreamPrice        string
	PriceThreshold     string
	ChangeThreshold    string
	RequireTightSpread bool
	Notify             bool
}
