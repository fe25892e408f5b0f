package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"engram/internal/app"
	"engram/internal/archive"
	"engram/internal/config"
	"engram/internal/consensus"
	"engram/internal/db"
	"engram/internal/domain"
	"engram/internal/engine"
	"engram/internal/engine/auth"
	"engram/internal/migrate"
	"engram/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Engram subagent coordinator",
	Long: `Engram runs role-specialized subagent tasks under a global concurrency limit.
- Task: one unit of work for a role (analyzer, curator, validator, ...), with a priority and a model tier.
- Coordinator: queues tasks, runs the highest priority ones first, never more than concurrency_limit at once.
- Executor: the backend that runs one task, either an external agent CLI (process) or the Anthropic API.
- Consensus: several roles check the same item; their confident answers decide accept, review or reject.
- Archive: every finished result is kept in .engram/engram.db; view it with 'engram results tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ENGRAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/engram.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(resultsCmd())
	rootCmd.AddCommand(consensusCmd())
}

func runCmd() *cobra.Command {
	var file, keyField string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a batch of tasks from a YAML file and wait for the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			opts, err := loadTaskFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks := make([]domain.Task, 0, len(opts))
				for i, o := range opts {
					task, err := e.Coordinator.NewTask(o)
					if err != nil {
						return fmt.Errorf("tasks[%d]: %w", i, err)
					}
					tasks = append(tasks, task)
				}
				ids, err := e.Coordinator.SubmitBatch(ctx, tasks)
				if err != nil {
					return fmt.Errorf("submitted %d of %d tasks: %w", len(ids), len(tasks), err)
				}
				wait := timeout
				if wait <= 0 {
					wait = e.Config.Coordinator.DefaultTimeout
				}
				results := e.Coordinator.AwaitBatch(ctx, ids, wait)
				metrics := e.Coordinator.GetMetrics()
				var verdicts []consensus.Verdict
				if keyField != "" {
					verdicts = consensus.Aggregate(results, consensus.MetadataKey(keyField), e.Thresholds())
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"results": results, "metrics": metrics, "consensus": verdicts})
				}
				printResults(results)
				printMetrics(metrics)
				if keyField != "" {
					printVerdicts(verdicts)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a tasks list")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the batch (default coordinator.default_timeout)")
	cmd.Flags().StringVar(&keyField, "consensus-key", "", "metadata field to group results by for consensus")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				secret := viper.GetString("jwt_secret")
				if secret == "" {
					secret = e.Config.Server.JWTSecret
				}
				authCfg := server.AuthConfig{
					JWTSecret: secret,
					APIKeys:   auth.NewKeyring(e.Config.Server.APIKeyHash),
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: e.Logger.Named("http")})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, e, e.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Logger.Info("serving engram api",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("docs", "/docs"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage engram.yml",
		Long:  "engram.yml holds the coordinator limits, executor backend, role profiles, model tiers, consensus thresholds, server auth and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configHashKeyCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default engram.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			cfg = redacted(cfg)
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configHashKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the hash to list under server.api_key_hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(auth.HashAPIKey(args[0]))
			return nil
		},
	}
	return cmd
}

func resultsCmd() *cobra.Command {
	res := &cobra.Command{
		Use:   "results",
		Short: "Inspect the result archive",
	}
	res.AddCommand(resultsTailCmd())
	return res
}

func resultsTailCmd() *cobra.Command {
	var n int
	var role, taskID string
	var failures bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest archived results",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := archive.Filter{TaskID: taskID, OnlyFailures: failures}
			if role != "" {
				r, err := domain.ParseRole(role)
				if err != nil {
					return err
				}
				filter.Role = r
			}
			return withArchive(cmd.Context(), func(ctx context.Context, r archive.Reader) error {
				records, err := r.Latest(ctx, n, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Archived", "Task", "Role", "OK", "Confidence", "Error"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.Seq, rec.ArchivedAt, rec.Result.TaskID, rec.Result.Role, rec.Result.Success, formatScore(rec.Result.ConfidenceScore), truncate(rec.Result.Error, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of results")
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	cmd.Flags().BoolVar(&failures, "failures", false, "only failed results")
	return cmd
}

func consensusCmd() *cobra.Command {
	var file, keyField string
	cmd := &cobra.Command{
		Use:   "consensus",
		Short: "Score a JSON array of results by consensus",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			results, err := loadResultFile(file)
			if err != nil {
				return err
			}
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			verdicts := consensus.Aggregate(results, consensus.MetadataKey(keyField), consensus.ThresholdsFromConfig(cfg.Consensus))
			if viper.GetBool("json") {
				return printJSON(verdicts)
			}
			printVerdicts(verdicts)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with an array of results")
	cmd.Flags().StringVar(&keyField, "key-field", consensus.DefaultKeyField, "metadata field to group results by")
	return cmd
}

// --- helpers ---

func resolveConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg, viper.GetString("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	e, err := engine.New(ctx, cfg, engine.Options{Workspace: viper.GetString("workspace"), Logger: logger})
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func withArchive(ctx context.Context, fn func(context.Context, archive.Reader) error) error {
	conn, err := db.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, archive.Reader{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResults(results []domain.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Task", "Role", "OK", "Confidence", "Time (ms)", "Error"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.TaskID, r.Role, r.Success, formatScore(r.ConfidenceScore), strconv.FormatFloat(r.ExecutionTimeMs, 'f', 0, 64), truncate(r.Error, 60)})
	}
	tw.Render()
}

func printMetrics(m domain.Metrics) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Total", "Successful", "Failed", "Avg (ms)", "Active", "Queued", "Batches"})
	tw.AppendRow(table.Row{m.Total, m.Successful, m.Failed, strconv.FormatFloat(m.AvgExecutionTimeMs, 'f', 1, 64), m.ActiveCount, m.QueuedCount, m.Batches})
	tw.Render()
}

func printVerdicts(verdicts []consensus.Verdict) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Key", "Recommendation", "Consensus", "Confidence", "Successful", "Error"})
	for _, v := range verdicts {
		tw.AppendRow(table.Row{v.Key, v.Recommendation, formatScore(v.ConsensusScore), formatScore(v.OverallConfidence), fmt.Sprintf("%d/%d", v.Successful, v.Total), v.Error})
	}
	tw.Render()
}

func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Server.JWTSecret != "" {
		out.Server.JWTSecret = "***"
	}
	out.Webhooks = make([]config.WebhookConfig, len(cfg.Webhooks))
	for i, hook := range cfg.Webhooks {
		if hook.Secret != "" {
			hook.Secret = "***"
		}
		out.Webhooks[i] = hook
	}
	return &out
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
