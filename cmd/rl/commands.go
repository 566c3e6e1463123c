package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reportline/internal/engine"
	"reportline/internal/llm"
	"reportline/internal/repo"
	"reportline/internal/scheduler"
	"reportline/internal/server"
)

func draftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Draft GitLab issues and epics with the AI backend",
	}
	cmd.AddCommand(draftKindCmd("issue", llm.DraftIssue))
	cmd.AddCommand(draftKindCmd("epic", llm.DraftEpic))
	return cmd
}

func draftKindCmd(kind string, run func(context.Context, llm.Completer, string) (llm.DraftResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   kind + " <prompt...>",
		Short: "Draft an " + kind + " title and description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				res, err := run(ctx, s.completer, strings.Join(args, " "))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch res.Status {
				case llm.DraftParsed:
					fmt.Printf("# %s\n\n%s\n", res.Draft.Title, res.Draft.Description)
					if res.Draft.AcceptanceCriteria != "" {
						fmt.Printf("\n## Acceptance criteria\n\n%s\n", res.Draft.AcceptanceCriteria)
					}
					if res.Draft.Dependencies != "" {
						fmt.Printf("\n## Dependencies\n\n%s\n", res.Draft.Dependencies)
					}
				default:
					fmt.Fprintf(os.Stderr, "could not parse model output (%s): %s\n", res.Status, res.ParseError)
					fmt.Println(res.Raw)
				}
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every draft generation, enrichment, edit and report publication, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.ProjectID = viper.GetString("project")
				events, err := e.Repo.LatestEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "draft or report")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSchedules bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with webhooks and scheduled reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if !cmd.Flags().Changed("addr") && s.cfg.Server.Addr != "" {
					addr = s.cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && s.cfg.Server.BasePath != "" {
					basePath = s.cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:      s.cfg.Server.JWTSecret,
					AnonymousActor: viper.GetString("actor-id"),
					Logger:         s.logger,
				}
				if authCfg.JWTSecret == "" && !isLoopback(addr) {
					return fmt.Errorf("server.jwt_secret (or REPORTLINE_JWT_SECRET) is required to listen on %s", addr)
				}
				handler, err := server.New(server.Config{
					Engine:    s.engine,
					Completer: s.completer,
					BasePath:  basePath,
					Auth:      authCfg,
					Logger:    s.logger,
				})
				if err != nil {
					return err
				}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				if d := server.NewWebhookDispatcher(s.engine, s.logger); d != nil {
					go d.Run(ctx)
				}
				if len(s.cfg.Schedules) > 0 && !noSchedules {
					sched, err := scheduler.New(s.engine, viper.GetString("project"), s.cfg.Schedules, s.logger)
					if err != nil {
						return err
					}
					sched.Start(ctx)
					defer sched.Stop()
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Reportline API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&noSchedules, "no-schedules", false, "do not run configured schedules")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}
