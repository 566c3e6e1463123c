package main

import (
	"context"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reportline/internal/engine"
	"reportline/internal/report"
)

func iterationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "iterations", Short: "GitLab iterations of the project"}
	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List iterations, including those of ancestor groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				its, err := e.ListIterations(ctx, viper.GetString("project"), state)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(its)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "IID", "Name", "Start", "Due"})
				for _, it := range its {
					tw.AppendRow(table.Row{it.ID, it.IID, engine.IterationPeriod(it).Name, report.FormatDate(it.StartDate), report.FormatDate(it.DueDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "opened, upcoming, current, closed or all")
	cmd.AddCommand(list)
	return cmd
}

func milestonesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "milestones", Short: "GitLab milestones of the project"}
	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ms, err := e.ListMilestones(ctx, viper.GetString("project"), state)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ms)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "IID", "Title", "State", "Start", "Due"})
				for _, m := range ms {
					tw.AppendRow(table.Row{m.ID, m.IID, m.Title, m.State, report.FormatDate(m.StartDate), report.FormatDate(m.DueDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "active or closed")
	cmd.AddCommand(list)
	return cmd
}
