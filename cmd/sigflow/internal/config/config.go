package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sonirico/go-hyperliquid"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sigflow/sigflow/hl"
)

type AppConfig struct {
	Hyperliquid hl.ClientConfig

	SignalsDir  string
	ArchiveDir  string
	CommandsDir string
	AccountFile string
	StoragePath string

	TradingConfigPath string

	TickInterval    time.Duration
	MaxPerBatch     int
	MaxSignalAge    time.Duration
	MaxPositions    int
	RiskPerTrade    float64
	MaxPositionSize float64
	SymbolMapping   map[string]string

	MetricsListen string
	LogLevel      string
	LogFormatJSON bool
	LogFile       string
	LogScopes     []string
}

func DefaultConfig() AppConfig {
	return AppConfig{
		Hyperliquid:     hl.ClientConfig{BaseURL: hyperliquid.TestnetAPIURL},
		SignalsDir:      "./signals",
		ArchiveDir:      "./signals/archive",
		CommandsDir:     "./commands",
		AccountFile:     "./account_info.json",
		StoragePath:     "sigflow.sqlite3",
		TickInterval:    time.Second,
		MaxPerBatch:     3,
		MaxSignalAge:    5 * time.Minute,
		MaxPositions:    5,
		RiskPerTrade:    0.01,
		MaxPositionSize: 1.0,
		MetricsListen:   ":9090",
		LogLevel:        "info",
		LogFormatJSON:   false,
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("sigflow", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.Hyperliquid.Wallet, "hyperliquid-wallet", cfg.Hyperliquid.Wallet, "Hyperliquid wallet address (env: HYPERLIQUID_WALLET)")
	fs.StringVar(&cfg.Hyperliquid.Key, "hyperliquid-private-key", cfg.Hyperliquid.Key, "Hyperliquid private key (env: HYPERLIQUID_PRIVATE_KEY)")
	fs.StringVar(&cfg.Hyperliquid.BaseURL, "hyperliquid-api-url", cfg.Hyperliquid.BaseURL, "Hyperliquid API base URL (env: HYPERLIQUID_API_URL)")

	fs.StringVar(&cfg.SignalsDir, "signals", cfg.SignalsDir, "Directory watched for signal files (env: SIGFLOW_SIGNALS_DIR)")
	fs.StringVar(&cfg.ArchiveDir, "archive", cfg.ArchiveDir, "Directory processed signals are moved to (env: SIGFLOW_ARCHIVE_DIR)")
	fs.StringVar(&cfg.CommandsDir, "commands", cfg.CommandsDir, "Directory watched for command files (env: SIGFLOW_COMMANDS_DIR)")
	fs.StringVar(&cfg.AccountFile, "account-file", cfg.AccountFile, "Path the account snapshot is written to (env: SIGFLOW_ACCOUNT_FILE)")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite storage path (env: SIGFLOW_STORAGE_PATH)")
	fs.StringVar(&cfg.TradingConfigPath, "config", cfg.TradingConfigPath, "Optional JSON file with trading parameters (env: SIGFLOW_CONFIG)")

	fs.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "Trading loop tick interval (env: SIGFLOW_TICK_INTERVAL)")
	fs.IntVar(&cfg.MaxPerBatch, "max-signals-per-cycle", cfg.MaxPerBatch, "Signals processed per loop cycle (env: SIGFLOW_MAX_SIGNALS_PER_CYCLE)")
	fs.DurationVar(&cfg.MaxSignalAge, "max-signal-age", cfg.MaxSignalAge, "Signals older than this are expired (env: SIGFLOW_MAX_SIGNAL_AGE)")
	fs.IntVar(&cfg.MaxPositions, "max-positions", cfg.MaxPositions, "Maximum concurrent positions (env: SIGFLOW_MAX_POSITIONS)")
	fs.Float64Var(&cfg.RiskPerTrade, "risk-per-trade", cfg.RiskPerTrade, "Fraction of equity risked per trade (env: SIGFLOW_RISK_PER_TRADE)")
	fs.Float64Var(&cfg.MaxPositionSize, "max-position-size", cfg.MaxPositionSize, "Position size cap in contracts (env: SIGFLOW_MAX_POSITION_SIZE)")

	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Metrics/health listen address, empty disables (env: SIGFLOW_METRICS_LISTEN)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: SIGFLOW_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: SIGFLOW_LOG_JSON)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Rotating log file path, empty logs to stderr only (env: SIGFLOW_LOG_FILE)")
	fs.StringSliceVar(&cfg.LogScopes, "log-scopes", cfg.LogScopes, "Only emit logs from these scopes, empty allows all (env: SIGFLOW_LOG_SCOPES)")

	return fs
}

// ApplyEnvDefaults inspects flags that were left unset and pulls from env,
// then folds in the trading-config file for parameters nothing else set.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	setString := func(name, envKey string, target *string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = v
		}
	}
	setInt := func(name, envKey string, target *int) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setFloat := func(name, envKey string, target *float64) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				*target = parsed
			}
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = parsed
			}
		}
	}

	setString("hyperliquid-wallet", "HYPERLIQUID_WALLET", &cfg.Hyperliquid.Wallet)
	setString("hyperliquid-private-key", "HYPERLIQUID_PRIVATE_KEY", &cfg.Hyperliquid.Key)
	setString("hyperliquid-api-url", "HYPERLIQUID_API_URL", &cfg.Hyperliquid.BaseURL)

	setString("signals", "SIGFLOW_SIGNALS_DIR", &cfg.SignalsDir)
	setString("archive", "SIGFLOW_ARCHIVE_DIR", &cfg.ArchiveDir)
	setString("commands", "SIGFLOW_COMMANDS_DIR", &cfg.CommandsDir)
	setString("account-file", "SIGFLOW_ACCOUNT_FILE", &cfg.AccountFile)
	setString("storage-path", "SIGFLOW_STORAGE_PATH", &cfg.StoragePath)
	setString("config", "SIGFLOW_CONFIG", &cfg.TradingConfigPath)

	setDuration("tick-interval", "SIGFLOW_TICK_INTERVAL", &cfg.TickInterval)
	setInt("max-signals-per-cycle", "SIGFLOW_MAX_SIGNALS_PER_CYCLE", &cfg.MaxPerBatch)
	setDuration("max-signal-age", "SIGFLOW_MAX_SIGNAL_AGE", &cfg.MaxSignalAge)
	setInt("max-positions", "SIGFLOW_MAX_POSITIONS", &cfg.MaxPositions)
	setFloat("risk-per-trade", "SIGFLOW_RISK_PER_TRADE", &cfg.RiskPerTrade)
	setFloat("max-position-size", "SIGFLOW_MAX_POSITION_SIZE", &cfg.MaxPositionSize)

	setString("metrics-listen", "SIGFLOW_METRICS_LISTEN", &cfg.MetricsListen)
	setString("log-level", "SIGFLOW_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "SIGFLOW_LOG_JSON", &cfg.LogFormatJSON)
	setString("log-file", "SIGFLOW_LOG_FILE", &cfg.LogFile)

	if cfg.TradingConfigPath != "" {
		if err := applyTradingFile(cfg.TradingConfigPath, flagSet, cfg); err != nil {
			return err
		}
	}
	return nil
}

// tradingFile is the optional JSON parameter file, kept schema-compatible
// with the signal producer's configuration.
type tradingFile struct {
	RiskPerTrade        *float64          `json:"risk_per_trade"`
	MaxPositions        *int              `json:"max_positions"`
	MaxPositionSize     *float64          `json:"max_position_size"`
	MaxSignalAgeMinutes *int              `json:"max_signal_age_minutes"`
	SymbolMapping       map[string]string `json:"symbol_mapping"`
}

// applyTradingFile fills in trading parameters from the file for every flag
// the user did not set explicitly. The symbol mapping only comes from here.
func applyTradingFile(path string, flagSet map[string]struct{}, cfg *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading trading config %q: %w", path, err)
	}
	var tf tradingFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("parsing trading config %q: %w", path, err)
	}

	if _, ok := flagSet["risk-per-trade"]; !ok && tf.RiskPerTrade != nil {
		cfg.RiskPerTrade = *tf.RiskPerTrade
	}
	if _, ok := flagSet["max-positions"]; !ok && tf.MaxPositions != nil {
		cfg.MaxPositions = *tf.MaxPositions
	}
	if _, ok := flagSet["max-position-size"]; !ok && tf.MaxPositionSize != nil {
		cfg.MaxPositionSize = *tf.MaxPositionSize
	}
	if _, ok := flagSet["max-signal-age"]; !ok && tf.MaxSignalAgeMinutes != nil {
		cfg.MaxSignalAge = time.Duration(*tf.MaxSignalAgeMinutes) * time.Minute
	}
	if tf.SymbolMapping != nil {
		cfg.SymbolMapping = tf.SymbolMapping
	}
	return nil
}

// SaveTradingFile writes the runtime-adjustable trading parameters back to
// the parameter file, so changes applied through the command channel survive
// a restart.
func SaveTradingFile(path string, risk float64, maxPositions int, maxSize float64, maxAge time.Duration, mapping map[string]string) error {
	minutes := int(maxAge / time.Minute)
	tf := tradingFile{
		RiskPerTrade:        &risk,
		MaxPositions:        &maxPositions,
		MaxPositionSize:     &maxSize,
		MaxSignalAgeMinutes: &minutes,
		SymbolMapping:       mapping,
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func ValidateConfig(cfg AppConfig) error {
	var missing []string
	if strings.TrimSpace(cfg.Hyperliquid.Key) == "" {
		missing = append(missing, "hyperliquid-private-key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if cfg.RiskPerTrade <= 0 || cfg.RiskPerTrade > 1 {
		return fmt.Errorf("risk-per-trade %v out of (0, 1]", cfg.RiskPerTrade)
	}
	if cfg.MaxPositionSize <= 0 {
		return fmt.Errorf("max-position-size %v is not positive", cfg.MaxPositionSize)
	}
	if cfg.TickInterval <= 0 {
		return fmt.Errorf("tick-interval %v is not positive", cfg.TickInterval)
	}
	return nil
}

func GetLogHandler(cfg AppConfig) slog.Handler {
	var level slog.Level
	if cfg.LogLevel == "" {
		level = slog.LevelInfo
	} else if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
		log.Printf("unknown log level %q, defaulting to info", cfg.LogLevel)
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormatJSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return handler
}
