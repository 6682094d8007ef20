package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/internal/isolation"
	"github.com/stepflow-io/stepflow/internal/logging"
	"github.com/stepflow-io/stepflow/internal/panel"
	"github.com/stepflow-io/stepflow/internal/scheduler"
	"github.com/stepflow-io/stepflow/internal/secrets"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/internal/tools"
	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/mcp"
)

func main() {
	transportFlag := flag.String("transport", "", "MCP transport: stdio or sse (overrides config)")
	configFlag := flag.String("config", "", "path to settings.json")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	cfg := loadConfig(*configFlag)
	if *transportFlag != "" {
		cfg.Transport = *transportFlag
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "stepflow:", err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	// Logs go to stderr: stdout belongs to the stdio MCP transport.
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	definitions, err := store.NewFileDefinitionStore(cfg.WorkflowsDir, logger)
	if err != nil {
		return fmt.Errorf("open definition store: %w", err)
	}

	db, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	catalog := tools.NewRegistry(logger)

	validator, err := validation.NewWorkflowValidator(catalog)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	var vault secrets.Vault
	if cfg.VaultKey != "" {
		salt, saltErr := loadOrCreateSalt(filepath.Join(cfg.Home, "vault.salt"))
		if saltErr != nil {
			return fmt.Errorf("vault salt: %w", saltErr)
		}
		aesVault, vaultErr := secrets.NewAESVault(db, secrets.VaultConfig{
			Passphrase: cfg.VaultKey,
			Salt:       salt,
		})
		if vaultErr != nil {
			return fmt.Errorf("open vault: %w", vaultErr)
		}
		vault = aesVault
	} else {
		logger.Warn("no vault key configured, secret tools disabled")
	}

	if err := tools.RegisterBuiltins(catalog, validator, vault,
		tools.HTTPConfig{},
		tools.FSConfig{},
		tools.ShellConfig{
			Enabled:  cfg.ShellAllow,
			Isolator: isolation.NewIsolator(logger),
		},
	); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	condition, err := expressions.NewConditionEngine(cfg.ConditionEngine)
	if err != nil {
		return fmt.Errorf("condition engine: %w", err)
	}

	hub := streaming.NewMemoryHub(logger)
	events := store.NewEventLog(db, logger)
	runs := engine.NewRegistry(cfg.Retention, events, hub, logger)
	pool := engine.NewWorkerPool(cfg.PoolSize)
	runner := engine.NewStepRunner(catalog, condition, pool, logger)
	controller := engine.NewController(definitions, db, events, runs, runner, hub, engine.ControllerConfig{
		StepBudget: cfg.StepBudget,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sched *scheduler.Scheduler
	if cfg.Scheduler {
		sched = scheduler.NewScheduler(definitions, db, events, controller, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	var panelSrv *panel.Server
	if cfg.PanelAddr != "" {
		panelSrv = panel.NewServer(panel.Deps{
			Definitions: definitions,
			Archive:     db,
			Engine:      controller,
			Hub:         hub,
			Logger:      logger,
		})
		if err := panelSrv.Start(cfg.PanelAddr); err != nil {
			return fmt.Errorf("start panel: %w", err)
		}
		logger.Info("panel listening", "addr", panelSrv.Addr())
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine:      controller,
		Definitions: definitions,
		Archive:     db,
		Validator:   validator,
		Vault:       vault,
		Tools:       catalog,
		Hub:         hub,
		Logger:      logger,
		Version:     version,
	})

	logger.Info("stepflow starting",
		"version", version,
		"transport", cfg.Transport,
		"workflows_dir", cfg.WorkflowsDir,
		"db_path", cfg.DBPath,
	)

	var serveErr error
	switch cfg.Transport {
	case "", "stdio":
		serveErr = srv.Serve(ctx)
	case "sse":
		serveErr = srv.ServeSSE(ctx, cfg.SSEAddr)
	default:
		serveErr = fmt.Errorf("unknown transport %q (want stdio or sse)", cfg.Transport)
	}

	// Transport is down; unwind in dependency order. The deferred db.Close
	// runs last, after in-flight runs have drained.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler stop", "error", err)
		}
	}
	if err := controller.Close(shutdownCtx); err != nil {
		logger.Warn("controller close", "error", err)
	}
	pool.Shutdown()
	if panelSrv != nil {
		if err := panelSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("panel shutdown", "error", err)
		}
	}

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	logger.Info("stepflow stopped")
	return nil
}

// loadOrCreateSalt returns the persisted PBKDF2 salt, generating one on
// first use. Losing the salt makes previously stored secrets unreadable, so
// it lives next to the database rather than in memory.
func loadOrCreateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return data, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}
