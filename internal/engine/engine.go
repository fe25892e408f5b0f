package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"engram/internal/archive"
	"engram/internal/config"
	"engram/internal/consensus"
	"engram/internal/coordinator"
	"engram/internal/db"
	"engram/internal/domain"
	"engram/internal/executor"
	"engram/internal/logging"
	"engram/internal/migrate"
)

// Engine bundles a coordinator with its executor backend and result archive.
type Engine struct {
	Config      *config.Config
	Logger      *zap.Logger
	Coordinator *coordinator.Coordinator
	Resolver    *executor.Resolver
	DB          *sql.DB
	Archive     archive.Writer
	Results     archive.Reader
	Now         func() time.Time
}

// Options tune New. Executor replaces the configured backend when set.
type Options struct {
	Workspace string
	Executor  executor.Executor
	Logger    *zap.Logger
	Now       func() time.Time
}

// New wires an Engine from cfg. Callers must Close it.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine requires a config")
	}
	e := &Engine{
		Config: cfg,
		Logger: logging.OrNop(opts.Logger),
		Now:    opts.Now,
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	resolver, err := executor.NewResolver(cfg.Executor.AgentsDir, cfg.ModelMap())
	if err != nil {
		return nil, err
	}
	e.Resolver = resolver

	exec := opts.Executor
	if exec == nil {
		if exec, err = NewExecutor(cfg, resolver, e.Logger); err != nil {
			resolver.Close()
			return nil, err
		}
	}

	if cfg.Archive.Enabled {
		conn, err := db.Open(opts.Workspace)
		if err != nil {
			resolver.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			resolver.Close()
			return nil, fmt.Errorf("migrate archive: %w", err)
		}
		e.DB = conn
		e.Archive = archive.Writer{DB: conn, Now: e.Now}
		e.Results = archive.Reader{DB: conn}
	}

	copts := CoordinatorOptions(cfg)
	copts.Agents = executor.AgentConfigs(cfg)
	copts.Logger = e.Logger.Named("coordinator")
	copts.Now = e.Now
	copts.OnComplete = e.archiveResult
	c, err := coordinator.New(exec, copts)
	if err != nil {
		e.closeStores()
		return nil, err
	}
	e.Coordinator = c
	return e, nil
}

// NewExecutor builds the configured backend.
func NewExecutor(cfg *config.Config, resolver *executor.Resolver, logger *zap.Logger) (executor.Executor, error) {
	logger = logging.OrNop(logger)
	switch cfg.Executor.Backend {
	case "process":
		return executor.NewProcessExecutor(cfg.Executor, cfg.Coordinator.DefaultTimeout, resolver, logger.Named("process")), nil
	case "anthropic":
		key := os.Getenv(cfg.Executor.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%s is required for the anthropic backend", cfg.Executor.APIKeyEnv)
		}
		return executor.NewAnthropicExecutor(key, cfg.Executor.MaxTokens, cfg.Coordinator.DefaultTimeout, resolver, logger.Named("anthropic")), nil
	default:
		return nil, fmt.Errorf("unknown executor backend %q", cfg.Executor.Backend)
	}
}

// CoordinatorOptions maps the coordinator section onto coordinator.Options.
func CoordinatorOptions(cfg *config.Config) coordinator.Options {
	co := cfg.Coordinator
	return coordinator.Options{
		Limit:             co.ConcurrencyLimit,
		PollInterval:      co.PollInterval,
		BatchPollInterval: co.BatchPollInterval,
		TieBreak:          coordinator.TieBreak(co.TieBreak),
		CompletedMax:      co.Completed.MaxEntries,
		CompletedTTL:      co.Completed.TTL,
	}
}

// Thresholds returns the configured consensus thresholds.
func (e *Engine) Thresholds() consensus.Thresholds {
	return consensus.ThresholdsFromConfig(e.Config.Consensus)
}

// Verifier returns a verifier driving this engine's coordinator.
func (e *Engine) Verifier(timeout time.Duration) *consensus.Verifier {
	return &consensus.Verifier{
		Scheduler:  e.Coordinator,
		Thresholds: e.Thresholds(),
		Timeout:    timeout,
		Priority:   domain.PriorityHigh,
		Logger:     e.Logger.Named("consensus"),
	}
}

// ArchiveEnabled reports whether results are persisted.
func (e *Engine) ArchiveEnabled() bool { return e.DB != nil }

// Close stops the coordinator, then releases the archive and caches.
func (e *Engine) Close() error {
	var err error
	if e.Coordinator != nil {
		err = e.Coordinator.Close()
	}
	return errors.Join(err, e.closeStores())
}

func (e *Engine) closeStores() error {
	if e.Resolver != nil {
		e.Resolver.Close()
	}
	if e.DB != nil {
		return e.DB.Close()
	}
	return nil
}

func (e *Engine) archiveResult(r domain.Result) {
	if e.DB == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.Archive.Append(ctx, r); err != nil {
		e.Logger.Error("archive result failed", zap.String("task_id", r.TaskID), zap.Error(err))
	}
}
