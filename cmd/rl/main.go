package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reportline/internal/app"
	"reportline/internal/config"
	"reportline/internal/db"
	"reportline/internal/engine"
	"reportline/internal/llm"
	"reportline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reportline CLI",
	Long: `Reportline builds per-assignee progress reports from GitLab iterations,
milestones and date ranges, optionally summarizes each assignee's work with an
AI backend, and publishes the result as a GitLab issue linked to every item it covers.

- Draft: a stored report for one scope, regenerated in place on every run.
- Enrich: adds one AI summary per assignee, saving after each step.
- Reconcile: creates or updates the report issue, then links missing items.
- Event log: every draft and report change, view with 'rl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
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
	viper.SetEnvPrefix("REPORTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in the event log")
	flags.String("project", "", "GitLab project id or path (overrides gitlab.project_id)")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")
	flags.String("gitlab-host", "", "GitLab base URL (overrides gitlab.host)")
	flags.String("gitlab-token", "", "GitLab access token")
	flags.String("ai-backend", "", "AI backend: openai, anthropic or gemini")
	flags.String("ai-key", "", "API key for the AI backend")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level", "gitlab-host", "gitlab-token", "ai-backend", "ai-key"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(iterationsCmd())
	rootCmd.AddCommand(milestonesCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reportline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(viper.GetString("project"))), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

func newLogger() logging.Logger {
	return logging.New(os.Stderr, viper.GetString("log-level"))
}

func overrides() app.Overrides {
	return app.Overrides{
		GitLabHost:  viper.GetString("gitlab-host"),
		GitLabToken: viper.GetString("gitlab-token"),
		ProjectID:   viper.GetString("project"),
		AIBackend:   viper.GetString("ai-backend"),
		AIKey:       viper.GetString("ai-key"),
		JWTSecret:   viper.GetString("jwt-secret"),
	}
}

// loadConfig reads reportline.yml when present and applies flag and
// environment overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	overrides().Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type session struct {
	conn      *sql.DB
	cfg       *config.Config
	engine    engine.Engine
	completer llm.Completer
	logger    logging.Logger
}

func withSession(ctx context.Context, fn func(context.Context, session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	logger := newLogger()
	e, completer, err := app.NewEngine(conn, cfg, logger)
	if err != nil {
		return err
	}
	return fn(ctx, session{conn: conn, cfg: cfg, engine: e, completer: completer, logger: logger})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withSession(ctx, func(ctx context.Context, s session) error {
		return fn(ctx, s.engine)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
