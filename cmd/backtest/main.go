// Package main provides the entry point for the equities backtest CLI.
//
// Usage:
//
//	backtest run -config backtest.yaml
//	backtest validate -config backtest.yaml [-serve]
//	backtest optimize -config backtest.yaml -kelly-range 0.25:0.75:0.1
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/backtester"
	"github.com/atlas-desktop/trading-backend/internal/costmodel"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/optimization"
	"github.com/atlas-desktop/trading-backend/internal/sizing"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: backtest <run|validate|optimize> [flags]")
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "run":
		runCommand(args)
	case "validate":
		validateCommand(args)
	case "optimize":
		optimizeCommand(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		os.Exit(1)
	}
}

// runCommand executes one backtest from a merged config/flag set and prints
// the resulting metrics as JSON.
func runCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "backtest.yaml", "path to backtest config YAML")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	dataDir := fs.String("data", "./data", "OHLCV data directory")
	fs.Parse(args)

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	engine, err := buildEngine(logger, *dataDir, cfg)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchSignals(cancel, logger)

	result, err := engine.Run(ctx, cfg)
	if err != nil {
		logger.Fatal("backtest failed", zap.Error(err))
	}

	printResult(result)
}

// validateCommand runs a backtest with viability and Monte Carlo validation
// enabled, and optionally serves /healthz and /metrics for long-running
// monitoring of a validation sweep.
func validateCommand(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "backtest.yaml", "path to backtest config YAML")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	dataDir := fs.String("data", "./data", "OHLCV data directory")
	serve := fs.Bool("serve", false, "expose /healthz and /metrics while validating")
	addr := fs.String("addr", ":9090", "address for the optional validation server")
	fs.Parse(args)

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	cfg.Validation.Viability = true
	if cfg.Validation.MonteCarlo.Iterations == 0 {
		cfg.Validation.MonteCarlo.Enabled = true
		cfg.Validation.MonteCarlo.Iterations = 1000
	}

	engine, err := buildEngine(logger, *dataDir, cfg)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	var server *http.Server
	if *serve {
		server = startValidationServer(logger, *addr, engine)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchSignals(cancel, logger)

	result, err := engine.Run(ctx, cfg)
	if err != nil {
		logger.Fatal("validation run failed", zap.Error(err))
	}
	printResult(result)

	if server != nil {
		logger.Info("validation server still running, press ctrl-c to exit", zap.String("addr", *addr))
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down validation server", zap.Error(err))
		}
	}
}

// optimizeCommand sweeps KellyFraction, ScoreThreshold, StopLossATRMultiplier
// and MaxSectorExposure against a Sharpe-ratio objective, using
// internal/optimization's BacktestParamSet/BacktestObjectiveFunc wrapper over
// its generic search methods. preloadUniverse warms every ticker's bar
// history concurrently before the sweep starts, so the (cheap, in-memory)
// search itself isn't bottlenecked on first-touch disk reads from
// FileStore's lazy per-ticker cache.
func optimizeCommand(args []string) {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	configPath := fs.String("config", "backtest.yaml", "path to backtest config YAML")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	dataDir := fs.String("data", "./data", "OHLCV data directory")
	kellyRange := fs.String("kelly-range", "0.25:1.0:0.25", "min:max:step for kelly_fraction")
	method := fs.String("method", "grid", "optimization method: grid, genetic, random")
	fs.Parse(args)

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	provider, err := data.NewFileStore(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to open data store", zap.Error(err))
	}
	preloadUniverse(logger, provider, cfg.Tickers, cfg.StartDate, cfg.EndDate)

	costModel, err := costmodel.NewRegistry().Get(cfg.CostProfile)
	if err != nil {
		logger.Fatal("unknown cost profile", zap.Error(err))
	}

	kellyMin, kellyMax, kellyStep, err := parseRange(*kellyRange)
	if err != nil {
		logger.Fatal("invalid -kelly-range", zap.Error(err))
	}

	optConfig := optimization.DefaultOptimizerConfig()
	switch *method {
	case "genetic":
		optConfig.Method = optimization.MethodGeneticAlgo
	case "random":
		optConfig.Method = optimization.MethodRandomSearch
	default:
		optConfig.Method = optimization.MethodGridSearch
	}
	opt := optimization.NewOptimizer(logger, optConfig)

	var objective optimization.BacktestObjectiveFunc = func(params optimization.BacktestParamSet) (float64, error) {
		runCfg := *cfg
		runCfg.KellyFraction = decimal.NewFromFloat(params[optimization.ParamKellyFraction])
		runCfg.ScoreThreshold = int(params[optimization.ParamScoreThreshold])
		runCfg.StopLossATRMultiplier = decimal.NewFromFloat(params[optimization.ParamStopLossATRMultiplier])
		runCfg.MaxSectorExposure = decimal.NewFromFloat(params[optimization.ParamMaxSectorExposure])

		sizer := sizing.New(logger, sizingConfigFor(runCfg))
		runner := strategy.NewRunner(logger, strategy.Config{MaxWorkers: runtime.NumCPU()})
		engine := backtester.NewEngine(logger, provider, costModel, sizer, runner)

		result, err := engine.Run(context.Background(), &runCfg)
		if err != nil {
			return 0, err
		}
		sharpe, _ := result.Metrics.SharpeRatio.Float64()
		return sharpe, nil
	}

	paramSpace := optimization.NewBacktestParameterSpace(optimization.BacktestParameterRange{
		Min: kellyMin, Max: kellyMax, Step: kellyStep,
	})
	result, err := opt.Optimize(context.Background(), paramSpace, objective)
	if err != nil {
		logger.Fatal("optimization failed", zap.Error(err))
	}

	logger.Info("optimization complete",
		zap.Int("iterations", result.Iterations),
		zap.Float64("best_sharpe", result.BestScore),
		zap.Any("best_params", result.BestParams),
		zap.Duration("duration", result.Duration),
	)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(result)
}

// preloadUniverse warms FileStore's per-ticker cache via GetOHLCVBatch's
// bounded worker pool, rather than paying first-touch disk latency serially
// inside the single-threaded backtest loop or a grid search.
func preloadUniverse(logger *zap.Logger, provider *data.FileStore, tickers []string, start, end time.Time) {
	loaded, err := provider.GetOHLCVBatch(context.Background(), tickers, start, end)
	if err != nil {
		logger.Warn("universe preload failed", zap.Error(err))
		return
	}
	logger.Info("universe preloaded", zap.Int("tickers_loaded", len(loaded)), zap.Int("tickers_requested", len(tickers)))
}

// buildEngine wires a fresh Engine from config: data provider, cost model,
// Kelly sizer and strategy runner.
func buildEngine(logger *zap.Logger, dataDir string, cfg *types.BacktestConfig) (*backtester.Engine, error) {
	provider, err := data.NewFileStore(logger, dataDir)
	if err != nil {
		return nil, err
	}
	costModel, err := costmodel.NewRegistry().Get(cfg.CostProfile)
	if err != nil {
		return nil, err
	}
	sizer := sizing.New(logger, sizingConfigFor(*cfg))
	runner := strategy.NewRunner(logger, strategy.Config{MaxWorkers: runtime.NumCPU()})
	return backtester.NewEngine(logger, provider, costModel, sizer, runner), nil
}

func sizingConfigFor(cfg types.BacktestConfig) sizing.Config {
	sizingCfg := sizing.DefaultConfig()
	sizingCfg.RiskTier = cfg.RiskTier
	if !cfg.KellyFraction.IsZero() {
		sizingCfg.KellyFraction = cfg.KellyFraction
	}
	if cfg.LotSize > 0 {
		sizingCfg.LotSize = cfg.LotSize
	}
	if !cfg.MaxPositionSize.IsZero() {
		sizingCfg.MaxPositionPct = cfg.MaxPositionSize
	}
	return sizingCfg
}

// loadConfig reads backtest.yaml (or the given path) through viper, with
// ATLAS_BACKTEST_-prefixed environment variables overriding file values,
// then decodes and validates the merged result.
func loadConfig(path string) (*types.BacktestConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ATLAS_BACKTEST")
	v.AutomaticEnv()

	v.SetDefault("regions", []string{"US"})
	v.SetDefault("risk_tier", string(types.RiskTierModerate))
	v.SetDefault("score_threshold", 60)
	v.SetDefault("max_open_positions", 10)
	v.SetDefault("max_holding_days", 20)
	v.SetDefault("max_position_size", 0.20)
	v.SetDefault("max_sector_exposure", 0.35)
	v.SetDefault("cash_reserve", 0.05)
	v.SetDefault("stop_loss_atr_multiplier", 2.0)
	v.SetDefault("stop_loss_min", 0.03)
	v.SetDefault("stop_loss_max", 0.15)
	v.SetDefault("profit_target", 0.20)
	v.SetDefault("commission_rate", 0.00015)
	v.SetDefault("slippage_bps", 5.0)
	v.SetDefault("cost_profile", "KR_DEFAULT")

	if err := v.ReadInConfig(); err != nil {
		return nil, types.NewError(types.ErrConfigInvalid, "reading config file "+path, err)
	}

	var raw struct {
		ID                    string   `mapstructure:"id"`
		Tickers               []string `mapstructure:"tickers"`
		Regions               []string `mapstructure:"regions"`
		StartDate             string   `mapstructure:"start_date"`
		EndDate               string   `mapstructure:"end_date"`
		InitialCapital        float64  `mapstructure:"initial_capital"`
		RiskTier              string   `mapstructure:"risk_tier"`
		ScoreThreshold        int      `mapstructure:"score_threshold"`
		KellyFraction         float64  `mapstructure:"kelly_fraction"`
		LotSize               int64    `mapstructure:"lot_size"`
		MaxOpenPositions      int      `mapstructure:"max_open_positions"`
		MaxHoldingDays        int      `mapstructure:"max_holding_days"`
		MaxPositionSize       float64  `mapstructure:"max_position_size"`
		MaxSectorExposure     float64  `mapstructure:"max_sector_exposure"`
		CashReserve           float64  `mapstructure:"cash_reserve"`
		StopLossATRMultiplier float64  `mapstructure:"stop_loss_atr_multiplier"`
		StopLossMin           float64  `mapstructure:"stop_loss_min"`
		StopLossMax           float64  `mapstructure:"stop_loss_max"`
		ProfitTarget          float64  `mapstructure:"profit_target"`
		CommissionRate        float64  `mapstructure:"commission_rate"`
		SlippageBps           float64  `mapstructure:"slippage_bps"`
		CostProfile           string   `mapstructure:"cost_profile"`
		BenchmarkTicker       string   `mapstructure:"benchmark_ticker"`
		Validation            struct {
			MonteCarlo struct {
				Enabled    bool `mapstructure:"enabled"`
				Iterations int  `mapstructure:"iterations"`
			} `mapstructure:"monte_carlo"`
			Viability   bool `mapstructure:"viability"`
			WalkForward struct {
				Enabled    bool `mapstructure:"enabled"`
				WindowDays int  `mapstructure:"window_days"`
				StepDays   int  `mapstructure:"step_days"`
			} `mapstructure:"walk_forward"`
		} `mapstructure:"validation"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, types.NewError(types.ErrConfigInvalid, "decoding config", err)
	}

	startDate, err := time.Parse("2006-01-02", raw.StartDate)
	if err != nil {
		return nil, types.NewError(types.ErrConfigInvalid, "parsing start_date", err)
	}
	endDate, err := time.Parse("2006-01-02", raw.EndDate)
	if err != nil {
		return nil, types.NewError(types.ErrConfigInvalid, "parsing end_date", err)
	}
	if len(raw.Tickers) == 0 {
		return nil, types.NewError(types.ErrConfigInvalid, "tickers must not be empty", nil)
	}
	if !endDate.After(startDate) {
		return nil, types.NewError(types.ErrConfigInvalid, "end_date must be after start_date", nil)
	}

	cfg := &types.BacktestConfig{
		ID:                    raw.ID,
		Tickers:               raw.Tickers,
		Regions:               raw.Regions,
		StartDate:             startDate,
		EndDate:               endDate,
		InitialCapital:        decimal.NewFromFloat(raw.InitialCapital),
		RiskTier:              types.RiskTier(raw.RiskTier),
		ScoreThreshold:        raw.ScoreThreshold,
		KellyFraction:         decimal.NewFromFloat(raw.KellyFraction),
		LotSize:               raw.LotSize,
		MaxOpenPositions:      raw.MaxOpenPositions,
		MaxHoldingDays:        raw.MaxHoldingDays,
		MaxPositionSize:       decimal.NewFromFloat(raw.MaxPositionSize),
		MaxSectorExposure:     decimal.NewFromFloat(raw.MaxSectorExposure),
		CashReserve:           decimal.NewFromFloat(raw.CashReserve),
		StopLossATRMultiplier: decimal.NewFromFloat(raw.StopLossATRMultiplier),
		StopLossMin:           decimal.NewFromFloat(raw.StopLossMin),
		StopLossMax:           decimal.NewFromFloat(raw.StopLossMax),
		ProfitTarget:          decimal.NewFromFloat(raw.ProfitTarget),
		CommissionRate:        decimal.NewFromFloat(raw.CommissionRate),
		SlippageBps:           decimal.NewFromFloat(raw.SlippageBps),
		CostProfile:           raw.CostProfile,
		BenchmarkTicker:       raw.BenchmarkTicker,
		Validation: types.ValidationConfig{
			MonteCarlo: types.MonteCarloConfig{
				Enabled:    raw.Validation.MonteCarlo.Enabled,
				Iterations: raw.Validation.MonteCarlo.Iterations,
			},
			Viability: raw.Validation.Viability,
			WalkForward: types.WalkForwardConfig{
				Enabled:    raw.Validation.WalkForward.Enabled,
				WindowDays: raw.Validation.WalkForward.WindowDays,
				StepDays:   raw.Validation.WalkForward.StepDays,
			},
		},
	}
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("%s-%s", cfg.StartDate.Format("20060102"), cfg.EndDate.Format("20060102"))
	}
	return cfg, nil
}

// parseRange parses a "min:max:step" flag value.
func parseRange(s string) (lo, hi, step float64, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected min:max:step, got %q", s)
	}
	if lo, err = strconv.ParseFloat(parts[0], 64); err != nil {
		return 0, 0, 0, err
	}
	if hi, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return 0, 0, 0, err
	}
	if step, err = strconv.ParseFloat(parts[2], 64); err != nil {
		return 0, 0, 0, err
	}
	return lo, hi, step, nil
}

var progressUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// startValidationServer exposes /healthz, Prometheus /metrics, and a
// /ws/progress stream for a long-running validation sweep, wiring the
// teacher's gorilla/mux, gorilla/websocket, prometheus/client_golang and
// rs/cors dependencies in their CLI-server idiom instead of the deleted
// REST trading API's.
func startValidationServer(logger *zap.Logger, addr string, engine *backtester.Engine) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		progress := engine.GetProgress()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":          progress.Status,
			"days_processed":  progress.DaysProcessed,
			"trades_executed": progress.TradesExecuted,
		})
	})
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/ws/progress", func(w http.ResponseWriter, r *http.Request) {
		streamProgress(logger, w, r, engine)
	})

	handler := cors.Default().Handler(router)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		logger.Info("validation server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("validation server error", zap.Error(err))
		}
	}()
	return server
}

// streamProgress upgrades to a websocket connection and relays every update
// off the engine's ProgressChan until a write to the client fails. The
// channel is never closed, so the relay does not end when a run finishes.
func streamProgress(logger *zap.Logger, w http.ResponseWriter, r *http.Request, engine *backtester.Engine) {
	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("progress websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	for update := range engine.ProgressChan() {
		if err := conn.WriteJSON(update); err != nil {
			logger.Debug("progress websocket client disconnected", zap.Error(err))
			return
		}
	}
}

func watchSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()
}

func printResult(result *types.BacktestResult) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(result)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
