// Command stepflow runs the workflow engine as an MCP stdio server.
//
// Logs go to stderr; stdout carries the MCP transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/internal/logging"
	"github.com/stepflow-io/stepflow/internal/registry"
	"github.com/stepflow-io/stepflow/internal/scheduler"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/execution"
	"github.com/stepflow-io/stepflow/pkg/mcp"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stepflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	caller := registry.NewMCPCaller()
	defer caller.Close()

	reg := registry.NewRegistry(
		registry.WithLogger(logger),
		registry.WithRPCCaller(caller),
	)

	// The subflow builtin runs nested workflows through the engine; the
	// engine does not exist yet at registration time, so bind lazily.
	var eng *engine.Engine
	deps := &registry.BuiltinDeps{
		JQ: expressions.NewJQEngine(),
		Subflow: func(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, user *execution.UserContext) (*execution.ExecutionContext, error) {
			return eng.Run(ctx, def, input, user)
		},
	}
	if err := registry.RegisterBuiltins(reg, deps); err != nil {
		return fmt.Errorf("register builtin steps: %w", err)
	}

	eng, err = engine.New(reg,
		engine.WithLogger(logger),
		engine.WithPoolSize(cfg.PoolSize),
		engine.WithCheckpointStore(st),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, &storeRunner{store: st, engine: eng}, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewStepflowServer(mcp.StepflowServerDeps{
		Engine:    eng,
		Store:     st,
		Registry:  reg,
		Validator: validator,
		Logger:    logger,
	})

	logger.Info("stepflow server starting",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Bool("scheduler", cfg.Scheduler),
	)

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
