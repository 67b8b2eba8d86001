// engined runs the trade execution engine.
//
// Two modes:
//
//	engined -config configs/config.yaml
//	    daemon: broker session, execution stream, admin HTTP server.
//
//	engined -config configs/config.yaml -process signal.json
//	    one-shot: execute a single signal from a file and exit. Exit
//	    codes: 0 executed, 1 risk-rejected, 2 broker-rejected,
//	    3 invariant violation or execution failure, 4 connectivity
//	    fatal or bad config/input.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forex-exec/internal/api"
	"forex-exec/internal/broker"
	"forex-exec/internal/config"
	"forex-exec/internal/engine"
	"forex-exec/internal/failure"
	"forex-exec/internal/store"
	"forex-exec/pkg/types"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	processPath := flag.String("process", "", "execute one signal from a JSON file and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(4)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(4)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	st := store.New(cfg.Store.DataDir, logger)
	if err := st.Load(); err != nil {
		logger.Error("restore state", "error", err)
		os.Exit(4)
	}

	adapter, err := newAdapter(cfg, logger)
	if err != nil {
		logger.Error("build broker adapter", "error", err)
		os.Exit(4)
	}

	eng := engine.New(*cfg, adapter, st, nil, logger)

	if *processPath != "" {
		os.Exit(runOnce(eng, *processPath, logger))
	}
	runDaemon(cfg, eng, logger)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newAdapter(cfg *config.Config, logger *slog.Logger) (broker.Adapter, error) {
	switch cfg.Broker.Mode {
	case types.ModePaper:
		return broker.NewPaperAdapter(cfg.Paper, cfg.Symbol, logger), nil
	case types.ModeREST:
		return broker.NewRESTAdapter(cfg.Broker, logger), nil
	default:
		return nil, fmt.Errorf("no adapter for mode %s", cfg.Broker.Mode)
	}
}

// runOnce executes a single signal synchronously.
func runOnce(eng *engine.Engine, path string, logger *slog.Logger) int {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("read signal file", "error", err)
		return 4
	}
	var sig types.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		logger.Error("decode signal", "error", err)
		return 4
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		logger.Error("engine start", "error", err)
		return 3
	}
	defer eng.Stop(ctx)

	result := eng.ProcessSignal(ctx, sig)
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if result.Success {
		return 0
	}
	switch failure.Kind(result.ErrorKind) {
	case failure.KindValidation:
		return 1
	case failure.KindRejected:
		return 2
	case failure.KindAuth, failure.KindRateLimit, failure.KindNetwork,
		failure.KindTimeout, failure.KindTransient:
		return 4
	default:
		return 3
	}
}

// runDaemon serves until SIGINT/SIGTERM.
func runDaemon(cfg *config.Config, eng *engine.Engine, logger *slog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		logger.Error("engine start", "error", err)
		os.Exit(3)
	}

	var srv *api.Server
	if cfg.Admin.Enabled {
		srv = api.NewServer(cfg.Admin.Port, eng, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("admin server failed", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown", "error", err)
		}
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn("engine stop", "error", err)
	}
}
