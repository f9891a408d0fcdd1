package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"price-pulse/internal/alerting"
	"price-pulse/internal/clock"
	"price-pulse/internal/config"
	"price-pulse/internal/fetcher"
	"price-pulse/internal/market"
	"price-pulse/internal/reconcile"
	"price-pulse/internal/render"
)

// SimulationResult is the outcome of one simulated evaluation.
type SimulationResult struct {
	Rule  market.AlertRule
	State market.ReconciledState
	Alert market.AlertState
	Fired bool
}

// SimulateAlert 通过给定（或实时拉取）的行情模拟一次告警评估流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	var notifier alerting.Notifier
	if opts.Notify {
		if !a.Config.Alerting.Enabled {
			return errors.New("alerting 未启用")
		}
		if notifier = a.newNotifier(); notifier == nil {
			return errors.New("未配置任何告警通道")
		}
	}

	res, err := a.simulate(ctx, opts, a.newFetcher(clock.Real()), os.Stdout)
	if err != nil {
		return err
	}
	if !res.Fired || notifier == nil {
		return nil
	}

	note := alerting.NewNotification(res.Rule, res.Alert, res.State, a.symbol(), a.Config.Alerting.Channels)
	note.AdditionalMsg = "simulated"
	return notifier.Notify(ctx, note)
}

func (a *App) simulate(ctx context.Context, opts SimulateOptions, source fetcher.SnapshotFetcher, out io.Writer) (SimulationResult, error) {
	rule, err := a.simulationRule(opts)
	if err != nil {
		return SimulationResult{}, err
	}

	snapshot, err := simulationSnapshot(ctx, opts, source)
	if err != nil {
		return SimulationResult{}, err
	}

	var tick *market.Tick
	if opts.StreamPrice != "" {
		price, err := decimal.NewFromString(opts.StreamPrice)
		if err != nil {
			return SimulationResult{}, fmt.Errorf("stream price: %w", err)
		}
		tick = &market.Tick{
			Symbol:       a.symbol(),
			Price:        price,
			OpenPrice:    price,
			ChangePct24h: snapshot.Change24h,
			ReceivedAt:   time.Now(),
		}
	}

	state := reconcile.Compute(&snapshot, tick)
	evaluator := alerting.NewEvaluator()
	evaluator.SetRule(rule)
	alert, fired := evaluator.Evaluate(state, time.Now())

	view := render.NewView(render.Update{At: time.Now(), Asset: a.Config.App.Asset, State: state, Alert: alert, Rule: rule})
	fmt.Fprintf(out, "price:   %s (%s)\n", view.Price, view.Change24h)
	if view.SpreadPct != "" {
		fmt.Fprintf(out, "spread:  %s%%\n", view.SpreadPct)
	}
	fmt.Fprintf(out, "risk:    %s (%.2f)\n", view.RiskLabel, view.RiskScore)
	fmt.Fprintf(out, "rule:    price>=%s change>=%s tight=%t\n", orDash(rule.PriceThreshold.Valid, func() string { return rule.PriceThreshold.Decimal.String() }),
		orDash(rule.ChangeThreshold.Valid, func() string { return rule.ChangeThreshold.Decimal.String() }), rule.RequireTightSpread)
	fmt.Fprintf(out, "fired:   %t\n", fired)

	a.Logger.Info().Bool("fired", fired).Str("rule_id", alert.RuleID).Msg("alert simulation finished")
	return SimulationResult{Rule: rule, State: state, Alert: alert, Fired: fired}, nil
}

func (a *App) simulationRule(opts SimulateOptions) (market.AlertRule, error) {
	ruleCfg := config.RuleConfig{
		PriceThreshold:     opts.PriceThreshold,
		ChangeThreshold:    opts.ChangeThreshold,
		RequireTightSpread: opts.RequireTightSpread,
	}
	if !ruleCfg.IsSet() {
		ruleCfg = a.Config.Alerting.Rule
	}
	if !ruleCfg.IsSet() {
		return market.AlertRule{}, errors.New("no alert rule: pass --price-threshold or --change-threshold, or configure alerting.rule")
	}
	thresholds, err := ruleCfg.AlertRuleThresholds()
	if err != nil {
		return market.AlertRule{}, err
	}
	return market.AlertRule{
		PriceThreshold:     thresholds.Price,
		ChangeThreshold:    thresholds.Change,
		RequireTightSpread: ruleCfg.RequireTightSpread,
	}, nil
}

func simulationSnapshot(ctx context.Context, opts SimulateOptions, source fetcher.SnapshotFetcher) (market.Snapshot, error) {
	if opts.Price == "" {
		snapshot, err := source.FetchSnapshot(ctx)
		if err != nil {
			return market.Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
		}
		return snapshot, nil
	}

	price, err := decimal.NewFromString(opts.Price)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("price: %w", err)
	}
	if !price.IsPositive() {
		return market.Snapshot{}, market.ValidationError("price must be positive, got %s", price)
	}
	change := decimal.Zero
	if opts.Change24h != "" {
		if change, err = decimal.NewFromString(opts.Change24h); err != nil {
			return market.Snapshot{}, fmt.Errorf("change: %w", err)
		}
	}
	return market.Snapshot{Price: price, Change24h: change, FetchedAt: time.Now()}, nil
}
