package main

import (
	"context"
	stdlog "log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sigflow/sigflow/cmd/sigflow/internal/config"
	sflog "github.com/sigflow/sigflow/log"
	"github.com/sigflow/sigflow/storage"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	// Optional .env next to the binary; absence is fine.
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}

	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage comes up before logging so the sqlite log sink can attach.
	bootLogger := slog.New(config.GetLogHandler(cfg))
	store, err := storage.New(cfg.StoragePath, bootLogger)
	if err != nil {
		slog.SetDefault(bootLogger)
		fatal("storage init failed", err)
	}
	defer store.Close()

	sqlHandler := sflog.NewSQLHandler(store.LogInsertFunc(), slog.LevelInfo)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sqlHandler.Close(closeCtx)
	}()

	var base slog.Handler = sflog.NewFanoutHandler(config.GetLogHandler(cfg), sqlHandler)
	base = sflog.NewScopeFilterHandler(base, cfg.LogScopes)

	logger := slog.New(base)
	slog.SetDefault(logger)
	stdlog.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())

	appCtx = sflog.ContextWithLogger(appCtx, logger)

	app, err := NewApp(appCtx, cfg, logger, store)
	if err != nil {
		fatal("startup failed", err)
	}

	logger.Info("sigflow trader starting",
		slog.String("signals", cfg.SignalsDir),
		slog.String("commands", cfg.CommandsDir),
		slog.String("venue", cfg.Hyperliquid.BaseURL),
		slog.String("wallet", app.Exchange.Address()),
	)

	if err := app.Run(appCtx); err != nil {
		fatal("trader exited", err)
	}
	logger.Info("sigflow trader stopped")
}
