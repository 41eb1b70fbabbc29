package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"boardline/internal/app"
	"boardline/internal/domain"
	"boardline/internal/filter"
	"boardline/internal/kanban"
)

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "board <activities|projects>",
		Short:     "Show a collection as kanban columns",
		Args:      cobra.ExactArgs(1),
		ValidArgs: domain.CollectionNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection := args[0]
			if _, err := domain.LookupCollection(collection); err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				coord, err := s.Coordinator(collection)
				if err != nil {
					return err
				}
				rows, err := coord.Store().Load(ctx, s.Principal, filter.Query{})
				if err != nil {
					return err
				}
				board := s.Board(collection)
				groups := board.GroupBy(rows)
				return printJSONOrText(map[string]any{"columns": board.Columns, "groups": groups, "counts": groups.Counts()}, func() {
					renderBoard(board, groups)
				})
			})
		},
	}
}

// renderBoard lays columns side by side, one card per row.
func renderBoard(board kanban.Board, groups kanban.Grouping) {
	ids := make([]string, 0, len(board.Columns)+1)
	header := table.Row{}
	for _, c := range board.Columns {
		ids = append(ids, c.ID)
		header = append(header, fmt.Sprintf("%s (%d)", c.Title, len(groups[c.ID])))
	}
	if extra := groups[kanban.UnclassifiedColumn]; len(extra) > 0 {
		ids = append(ids, kanban.UnclassifiedColumn)
		header = append(header, fmt.Sprintf("Unclassified (%d)", len(extra)))
	}
	depth := 0
	for _, id := range ids {
		depth = max(depth, len(groups[id]))
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	for i := range depth {
		row := table.Row{}
		for _, id := range ids {
			cell := ""
			if i < len(groups[id]) {
				cell = card(groups[id][i])
			}
			row = append(row, cell)
		}
		tw.AppendRow(row)
	}
	tw.Render()
}

func card(e domain.Entity) string {
	s := e.Fields.Title
	if e.Fields.IsUrgent {
		s = "! " + s
	}
	if e.Fields.Progress > 0 {
		s += " [" + strconv.Itoa(e.Fields.Progress) + "%]"
	}
	return s + "\n" + e.ID
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Summarize activities and projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Refresh(ctx); err != nil {
					return err
				}
				acts, projects := s.Dashboard(time.Now())
				return printJSONOrText(map[string]any{"activities": acts, "projects": projects}, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.SetTitle("Activities")
					tw.AppendRow(table.Row{"Total", acts.Total})
					tw.AppendRow(table.Row{"Pending", acts.Pending})
					tw.AppendRow(table.Row{"In progress", acts.InProgress})
					tw.AppendRow(table.Row{"Completed", acts.Completed})
					tw.AppendRow(table.Row{"Urgent", acts.Urgent})
					tw.AppendRow(table.Row{"Overdue", len(acts.Overdue)})
					tw.Render()

					if len(acts.Overdue) > 0 {
						ow := table.NewWriter()
						ow.SetOutputMirror(os.Stdout)
						ow.SetTitle("Overdue")
						ow.AppendHeader(table.Row{"ID", "Title", "Status", "Due"})
						for _, e := range acts.Overdue {
							ow.AppendRow(table.Row{e.ID, e.Fields.Title, e.GroupKey, formatDate(e.Fields.DueDate)})
						}
						ow.Render()
					}

					pw := table.NewWriter()
					pw.SetOutputMirror(os.Stdout)
					pw.SetTitle("Projects")
					pw.AppendRow(table.Row{"Total", projects.Total})
					statuses := make([]string, 0, len(projects.ByStatus))
					for status := range projects.ByStatus {
						statuses = append(statuses, status)
					}
					sort.Strings(statuses)
					for _, status := range statuses {
						pw.AppendRow(table.Row{status, projects.ByStatus[status]})
					}
					pw.AppendRow(table.Row{"Mean progress", fmt.Sprintf("%.1f%%", projects.MeanProgress)})
					pw.AppendRow(table.Row{"Total budget", fmt.Sprintf("%.2f", projects.TotalBudget)})
					pw.Render()
				})
			})
		},
	}
}
