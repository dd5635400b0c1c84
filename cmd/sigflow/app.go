package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sigflow/sigflow/account"
	"github.com/sigflow/sigflow/cmd/sigflow/internal/config"
	"github.com/sigflow/sigflow/command"
	"github.com/sigflow/sigflow/executor"
	"github.com/sigflow/sigflow/hl"
	"github.com/sigflow/sigflow/metrics"
	"github.com/sigflow/sigflow/processor"
	"github.com/sigflow/sigflow/signals"
	"github.com/sigflow/sigflow/storage"
	"github.com/sigflow/sigflow/ticks"
	"github.com/sigflow/sigflow/tracker"
)

// errStopCommand terminates the loop cleanly when the operator drops a stop
// command file.
var errStopCommand = errors.New("stop command received")

const accountRefreshInterval = time.Minute

// App wires the trading components together and drives the loop.
type App struct {
	Config config.AppConfig
	Logger *slog.Logger

	Store     *storage.Storage
	Exchange  *hl.Client
	Ticks     *ticks.Table
	Source    *signals.FileStore
	Commands  *command.Channel
	Account   *account.Writer
	Executor  *executor.Executor
	Tracker   *tracker.Tracker
	Processor *processor.Processor
	Metrics   *metrics.Set

	paused          bool
	lastAccountSync time.Time
}

// NewApp builds every component. The storage handle is owned by the caller
// via Close.
func NewApp(ctx context.Context, cfg config.AppConfig, logger *slog.Logger, store *storage.Storage) (*App, error) {
	exchange, err := hl.NewClient(ctx, cfg.Hyperliquid, logger)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid client: %w", err)
	}

	tickTable := ticks.NewTable()
	if meta, err := exchange.Metadata(ctx); err != nil {
		logger.Warn("venue metadata unavailable, using default tick sizes",
			slog.String("error", err.Error()),
		)
	} else {
		tickTable = ticks.FromMeta(meta)
		logger.Info("tick sizes loaded", slog.Int("symbols", tickTable.Len()))
	}

	source, err := signals.NewFileStore(cfg.SignalsDir, cfg.ArchiveDir, logger)
	if err != nil {
		return nil, fmt.Errorf("signal store: %w", err)
	}

	commands, err := command.NewChannel(cfg.CommandsDir, cfg.ArchiveDir, logger)
	if err != nil {
		return nil, fmt.Errorf("command channel: %w", err)
	}

	exec := executor.New(exchange, store, tickTable, logger)
	trk := tracker.New(exchange, exec, logger)
	proc := processor.New(source, trk, exec, exchange, tickTable, store, processor.Config{
		MaxPerBatch:     cfg.MaxPerBatch,
		MaxSignalAge:    cfg.MaxSignalAge,
		MaxPositions:    cfg.MaxPositions,
		RiskPerTrade:    cfg.RiskPerTrade,
		MaxPositionSize: cfg.MaxPositionSize,
		SymbolMapping:   cfg.SymbolMapping,
	}, logger)

	set := metrics.NewSet(nil)
	proc.SetOutcomeHook(func(status string) {
		set.SignalsProcessed.WithLabelValues(status).Inc()
		switch status {
		case "success", "open_order":
			set.OrdersPlaced.WithLabelValues(status).Inc()
		case "rejected":
			set.OrderRejections.Inc()
		}
	})

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Exchange:  exchange,
		Ticks:     tickTable,
		Source:    source,
		Commands:  commands,
		Account:   account.NewWriter(exchange, cfg.AccountFile, logger),
		Executor:  exec,
		Tracker:   trk,
		Processor: proc,
		Metrics:   set,
	}, nil
}

// Run drives the trading loop until ctx is canceled or a stop command
// arrives. The loop is strictly sequential: at most one cycle in flight.
func (a *App) Run(ctx context.Context) error {
	// Orders that were live when the previous process stopped come back from
	// the journal before the first cycle runs.
	if _, err := a.Tracker.Recover(ctx, a.Store); err != nil {
		a.Logger.Error("journal recovery failed", slog.String("error", err.Error()))
	}

	a.refreshAccount(ctx)

	g, ctx := errgroup.WithContext(ctx)

	if a.Config.MetricsListen != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, a.Config.MetricsListen, a.Logger)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(a.Config.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := a.cycle(ctx); err != nil {
					if errors.Is(err, errStopCommand) || errors.Is(err, context.Canceled) {
						return err
					}
					// Anything else is survivable: log and keep ticking.
					a.Logger.Error("cycle failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errStopCommand) {
		a.Logger.Info("trader stopped by command")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// cycle is one loop tick: drain commands, process signals, reconcile, and
// keep the published account view fresh.
func (a *App) cycle(ctx context.Context) error {
	started := time.Now()
	defer func() {
		a.Metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}()

	if err := a.drainCommands(ctx); err != nil {
		return err
	}

	if a.paused {
		return nil
	}

	if _, err := a.Processor.ProcessBatch(ctx); err != nil {
		a.Logger.Error("signal batch failed", slog.String("error", err.Error()))
	}

	changed, err := a.Tracker.Reconcile(ctx)
	a.Metrics.ReconcileRuns.Inc()
	if err != nil {
		a.Logger.Error("reconcile failed", slog.String("error", err.Error()))
	}
	if changed {
		a.Metrics.ReconcileChanges.Inc()
		a.refreshAccount(ctx)
	} else if time.Since(a.lastAccountSync) > accountRefreshInterval {
		a.refreshAccount(ctx)
	}

	positions, pending := a.Tracker.Counts()
	a.Metrics.OpenPositions.Set(float64(positions))
	a.Metrics.PendingOrders.Set(float64(pending))
	return nil
}

func (a *App) drainCommands(ctx context.Context) error {
	cmds, err := a.Commands.Drain()
	if err != nil {
		a.Logger.Error("command drain failed", slog.String("error", err.Error()))
		return nil
	}
	for _, cmd := range cmds {
		switch cmd.Type {
		case command.TypeStop:
			return errStopCommand

		case command.TypePause:
			a.Logger.Info("trading paused")
			a.paused = true

		case command.TypeResume:
			a.Logger.Info("trading resumed")
			a.paused = false

		case command.TypeConfig:
			a.applyConfigCommand(cmd.Params)

		case command.TypeCancelAll:
			n := a.Tracker.CancelAllPending(ctx)
			a.Logger.Info("cancel-all executed", slog.Int("orders", n))

		case command.TypeCancelOrder:
			if a.Tracker.CancelPending(ctx, cmd.Params.Symbol) {
				a.Logger.Info("order canceled by command", slog.String("symbol", cmd.Params.Symbol))
			} else {
				a.Logger.Warn("cancel command matched no order", slog.String("symbol", cmd.Params.Symbol))
			}

		default:
			a.Logger.Warn("unknown command type", slog.String("type", string(cmd.Type)))
		}
	}
	return nil
}

// applyConfigCommand adjusts one trading parameter at runtime.
func (a *App) applyConfigCommand(p command.Params) {
	cfg := a.Processor.Settings()
	switch p.Key {
	case "risk_per_trade":
		if v, err := strconv.ParseFloat(p.Value, 64); err == nil && v > 0 && v <= 1 {
			cfg.RiskPerTrade = v
		} else {
			a.Logger.Warn("rejected config value", slog.String("key", p.Key), slog.String("value", p.Value))
			return
		}
	case "max_positions":
		if v, err := strconv.Atoi(p.Value); err == nil && v > 0 {
			cfg.MaxPositions = v
		} else {
			a.Logger.Warn("rejected config value", slog.String("key", p.Key), slog.String("value", p.Value))
			return
		}
	case "max_position_size":
		if v, err := strconv.ParseFloat(p.Value, 64); err == nil && v > 0 {
			cfg.MaxPositionSize = v
		} else {
			a.Logger.Warn("rejected config value", slog.String("key", p.Key), slog.String("value", p.Value))
			return
		}
	case "max_signal_age_minutes":
		if v, err := strconv.Atoi(p.Value); err == nil && v > 0 {
			cfg.MaxSignalAge = time.Duration(v) * time.Minute
		} else {
			a.Logger.Warn("rejected config value", slog.String("key", p.Key), slog.String("value", p.Value))
			return
		}
	default:
		a.Logger.Warn("unknown config key", slog.String("key", p.Key))
		return
	}
	a.Processor.Configure(cfg)
	a.Logger.Info("config updated", slog.String("key", p.Key), slog.String("value", p.Value))

	if a.Config.TradingConfigPath != "" {
		applied := a.Processor.Settings()
		err := config.SaveTradingFile(a.Config.TradingConfigPath,
			applied.RiskPerTrade, applied.MaxPositions, applied.MaxPositionSize,
			applied.MaxSignalAge, applied.SymbolMapping)
		if err != nil {
			a.Logger.Error("persisting trading config failed",
				slog.String("path", a.Config.TradingConfigPath),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (a *App) refreshAccount(ctx context.Context) {
	snap, err := a.Account.Refresh(ctx)
	if err != nil {
		a.Logger.Error("account refresh failed", slog.String("error", err.Error()))
		return
	}
	a.lastAccountSync = time.Now()
	a.Metrics.AccountValue.Set(snap.Balance)
}
