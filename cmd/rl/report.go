package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reportline/internal/domain"
	"reportline/internal/engine"
)

type scopeFlags struct {
	kind     string
	ref      string
	start    string
	end      string
	reportID string
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "scope", "iteration", "iteration, milestone or range")
	cmd.Flags().StringVar(&f.ref, "ref", "current", "iteration or milestone id, iid or title")
	cmd.Flags().StringVar(&f.start, "start", "", "range start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.end, "end", "", "range end date (YYYY-MM-DD), inclusive")
	cmd.Flags().StringVar(&f.reportID, "report-id", "", "iid of an existing report issue to update")
}

func (f scopeFlags) request() (engine.ScopeRequest, error) {
	req := engine.ScopeRequest{Kind: domain.ScopeKind(f.kind), Ref: f.ref, ExistingReportID: f.reportID}
	if req.Kind != domain.ScopeRange {
		return req, nil
	}
	var err error
	if req.Start, err = time.Parse("2006-01-02", f.start); err != nil {
		return req, fmt.Errorf("invalid --start %q: %w", f.start, err)
	}
	if req.End, err = time.Parse("2006-01-02", f.end); err != nil {
		return req, fmt.Errorf("invalid --end %q: %w", f.end, err)
	}
	return req, nil
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate, enrich and publish reports",
	}
	cmd.AddCommand(reportGenerateCmd())
	cmd.AddCommand(reportEnrichCmd())
	cmd.AddCommand(reportEditCmd())
	cmd.AddCommand(reportReconcileCmd())
	cmd.AddCommand(reportShowCmd())
	cmd.AddCommand(reportListCmd())
	cmd.AddCommand(reportRunCmd())
	return cmd
}

func reportGenerateCmd() *cobra.Command {
	var scope scopeFlags
	var draftID string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Fetch the scope's issues and store a draft without summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := scope.request()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ResolvePeriod(ctx, viper.GetString("project"), req)
				if err != nil {
					return err
				}
				d, err := e.GenerateDraft(ctx, engine.DraftOptions{
					DraftID:   draftID,
					ProjectID: viper.GetString("project"),
					Period:    p,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printDraft(d)
			})
		},
	}
	scope.register(cmd)
	cmd.Flags().StringVar(&draftID, "draft", "", "regenerate this draft in place")
	return cmd
}

func reportEnrichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enrich <draft-id>",
		Short: "Add AI summaries per assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pr := newProgress()
				d, err := e.Repo.GetDraft(ctx, args[0])
				if err != nil {
					return err
				}
				pr.header(d)
				d, err = e.EnrichDraft(ctx, args[0], viper.GetString("actor-id"), pr.step)
				if err != nil {
					return err
				}
				return printDraft(d)
			})
		},
	}
}

func reportEditCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "edit <draft-id>",
		Short: "Replace the draft body with a hand-edited version",
		Long:  "Reads the new body from --file, or from stdin when --file is - or empty. Later enrichments keep the edited body.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if file == "" || file == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.EditDraft(ctx, args[0], string(body), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDraft(d)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file holding the new body")
	return cmd
}

func reportReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <draft-id>",
		Short: "Create or update the report issue and link every item to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReconcileDraft(ctx, args[0], viper.GetString("actor-id"))
				if res.RecordIID != 0 {
					if perr := printReconcile(res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func reportShowCmd() *cobra.Command {
	var links bool
	cmd := &cobra.Command{
		Use:   "show <draft-id>",
		Short: "Print a draft's report body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if links {
					attempts, err := e.LinkAttempts(ctx, args[0])
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(attempts)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"TS", "Report", "Target", "OK", "Error"})
					for _, a := range attempts {
						tw.AppendRow(table.Row{a.TS, a.RecordIID, a.TargetIID, a.OK, a.Error})
					}
					tw.Render()
					return nil
				}
				d, err := e.Repo.GetDraft(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Print(d.Body)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&links, "links", false, "show the link ledger instead of the body")
	return cmd
}

func reportListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				project := viper.GetString("project")
				if project == "" {
					project = s.cfg.GitLab.ProjectID
				}
				drafts, err := s.engine.Repo.ListDrafts(ctx, project, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(drafts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Period", "Gen", "Edited", "Report", "Updated"})
				for _, d := range drafts {
					record := ""
					if d.RecordURL != nil {
						record = *d.RecordURL
					}
					tw.AppendRow(table.Row{d.ID, d.ProjectID, d.Period.Name, d.Generation, d.Edited, record, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum drafts to list")
	return cmd
}

func reportRunCmd() *cobra.Command {
	var (
		scope     scopeFlags
		noEnrich  bool
		reconcile bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate, enrich and optionally publish a report in one go",
		Long:  "Reuses the newest draft of the same scope, so repeated runs keep updating one report issue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := scope.request()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				pr := newProgress()
				enrich := s.cfg.Report.Enrich && !noEnrich
				res, err := s.engine.Run(ctx, engine.RunOptions{
					ProjectID: viper.GetString("project"),
					Scope:     req,
					Enrich:    enrich,
					Reconcile: reconcile,
					ActorID:   viper.GetString("actor-id"),
					Emit:      pr.step,
				})
				if errors.Is(err, engine.ErrStaleRun) {
					return fmt.Errorf("%w; rerun to pick up the new draft", err)
				}
				if res.Reconcile != nil {
					pr.linkFailures(res.Reconcile.Failures)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Print(res.Draft.Body)
				if res.Reconcile != nil {
					fmt.Fprintf(os.Stderr, "\n%s report #%d: %s (linked %d, skipped %d)\n",
						res.Reconcile.Mode, res.Reconcile.RecordIID, res.Reconcile.RecordURL, res.Reconcile.LinkedCount, res.Reconcile.Skipped)
				}
				return nil
			})
		},
	}
	scope.register(cmd)
	cmd.Flags().BoolVar(&noEnrich, "no-enrich", false, "skip AI summaries")
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "publish the report issue and link items")
	return cmd
}

func printDraft(d domain.Draft) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	fmt.Print(d.Body)
	fmt.Fprintf(os.Stderr, "\ndraft %s (generation %d)\n", d.ID, d.Generation)
	return nil
}

func printReconcile(res domain.ReconcileResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	newProgress().linkFailures(res.Failures)
	fmt.Printf("%s report #%d: %s\nlinked %d, skipped %d, failed %d\n",
		res.Mode, res.RecordIID, res.RecordURL, res.LinkedCount, res.Skipped, len(res.Failures))
	return nil
}
