// Command chainflow runs the chain orchestration engine as an MCP server on
// stdio. All state lives in a local libSQL database; agents and MCP clients
// drive the engine through the chain.* and agent.* tools.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/chainflow/internal/agents"
	"github.com/rendis/chainflow/internal/bridge"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/ratelimit"
	"github.com/rendis/chainflow/internal/schedule"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/tools"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chainflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Logs go to stderr; stdout belongs to the MCP stdio transport.
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})
	logger := slog.New(logging.NewCorrelationHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return err
	}

	events := store.NewEventLog(s)
	hub := streaming.NewMemoryHub()

	limiter, err := ratelimit.NewLimiter(cfg.RateLimitCapacity, duration(cfg.RateLimitWindow, time.Minute))
	if err != nil {
		return err
	}

	caller := agents.NewHTTPCaller(cfg.ModelEndpoint, duration(cfg.ModelTimeout, 5*time.Minute))
	lifecycle := agents.NewLifecycle(s, events, limiter, caller, logger)

	monitor := agents.NewMonitor(s, events, duration(cfg.MonitorInterval, 30*time.Second), logger)
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	registry := tools.NewRegistry()
	httpCfg := tools.HTTPConfig{}
	for _, tool := range []tools.Tool{
		tools.NewHTTPRequestTool(httpCfg),
		tools.NewHTTPGetTool(httpCfg),
		tools.NewHTTPPostTool(httpCfg),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	breakers := tools.NewBreakerRegistry(tools.DefaultBreakerConfig())

	validator, err := validation.NewSchemaValidator()
	if err != nil {
		return err
	}

	eng := engine.New(engine.Options{
		Store:     s,
		Events:    events,
		Hub:       hub,
		Tools:     registry,
		Breakers:  breakers,
		Agents:    lifecycle,
		Validator: validator,
		PoolSize:  cfg.PoolSize,
		Logger:    logger,
	})
	defer eng.Shutdown()

	agentBridge := bridge.New(lifecycle, bridge.DefaultPollInterval, logger)

	if cfg.SchedulerEnabled {
		scheduler := schedule.NewScheduler(s, &engineRunner{eng: eng}, events, logger)
		if err := scheduler.RecoverMissed(ctx); err != nil {
			logger.Warn("schedule recovery failed", "error", err)
		}
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	srv := mcp.NewChainflowServer(mcp.ChainflowServerDeps{
		Engine:    eng,
		Bridge:    agentBridge,
		Store:     s,
		Tools:     registry,
		Validator: validator,
		Hub:       hub,
		Logger:    logger,
	})
	notifier := mcp.NewNotifier(srv.MCPServer(), srv.Sessions(), hub, logger)
	if err := notifier.Start(ctx); err != nil {
		return err
	}

	logger.Info("chainflow started",
		"db_path", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"tools", registry.Count(),
		"scheduler", cfg.SchedulerEnabled,
	)
	return srv.Serve(ctx)
}

// engineRunner adapts the engine to the scheduler's ChainRunner contract.
type engineRunner struct {
	eng *engine.Engine
}

func (r *engineRunner) Execute(ctx context.Context, chainID string, input map[string]any) (string, error) {
	return r.eng.Execute(ctx, chainID, input, engine.ExecuteOptions{})
}
