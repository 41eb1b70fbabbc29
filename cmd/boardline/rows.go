package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"boardline/internal/app"
	"boardline/internal/domain"
	"boardline/internal/filter"
	"boardline/internal/kanban"
	"boardline/internal/mutation"
)

// rowsCmd builds the command group managing one collection.
func rowsCmd(use, collection, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
	}
	cmd.AddCommand(rowsListCmd(collection))
	cmd.AddCommand(rowsShowCmd(collection))
	cmd.AddCommand(rowsCreateCmd(collection))
	cmd.AddCommand(rowsUpdateCmd(collection))
	cmd.AddCommand(rowsMoveCmd(collection))
	cmd.AddCommand(rowsProgressCmd(collection))
	cmd.AddCommand(rowsUrgentCmd(collection))
	cmd.AddCommand(rowsDeleteCmd(collection))
	return cmd
}

var listFlags = []string{"search", "search_fields", "status", "priority", "type", "responsible_id", "project_id", "work_group", "department", "tag", "is_urgent", "is_public", "date_field", "from", "to", "sort", "page", "page_size"}

func rowsListCmd(collection string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rows matching filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			values := url.Values{}
			for _, name := range listFlags {
				if v, _ := cmd.Flags().GetString(flagName(name)); v != "" {
					values.Set(name, v)
				}
			}
			q, err := filter.FromValues(values)
			if err != nil {
				return err
			}
			return withRows(cmd.Context(), collection, func(ctx context.Context, s *app.Session, rows rowsHandle) error {
				page, total, err := rows.coord.Store().View(q)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"items": page, "total": total}, func() {
					printRows(s.Board(collection), page)
					fmt.Printf("%d of %d\n", len(page), total)
				})
			})
		},
	}
	for _, name := range listFlags {
		cmd.Flags().String(flagName(name), "", "filter by "+strings.ReplaceAll(name, "_", " "))
	}
	return cmd
}

func flagName(param string) string {
	return strings.ReplaceAll(param, "_", "-")
}

func rowsShowCmd(collection string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRows(cmd.Context(), collection, func(ctx context.Context, s *app.Session, rows rowsHandle) error {
				e, err := rows.coord.Get(ctx, s.Principal, args[0])
				if err != nil {
					return err
				}
				return printEntity(s.Board(collection), e)
			})
		},
	}
}

func rowsCreateCmd(collection string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a row",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f domain.Fields
			if err := fieldsFromFlags(cmd, &f); err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			return withRows(cmd.Context(), collection, func(ctx context.Context, s *app.Session, rows rowsHandle) error {
				e, err := rows.coord.Create(ctx, s.Principal, status, f)
				if err != nil {
					return err
				}
				return printEntity(s.Board(collection), e)
			})
		},
	}
	addFieldFlags(cmd)
	cmd.Flags().String("status", "", "initial status (default depends on the collection)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func rowsUpdateCmd(collection string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := patchFromFlags(cmd)
			if err != nil {
				return err
			}
			if patch.IsEmpty() {
				return domain.Errorf(domain.KindValidation, "nothing to update")
			}
			return withRows(cmd.Context(), collection, func(ctx context.Context, s *app.Session, rows rowsHandle) error {
				e, err := rows.coord.Update(ctx, s.Principal, args[0], patch)
				if err != nil {
					return err
				}
				return printEntity(s.Board(collection), e)
			})
		},
	}
	addFieldFlags(cmd)
	cmd.Flags().String("status", "", "new status")
	cmd.Flags().StringSlice("clear", nil, "fields to reset (e.g. due_date,notes)")
	return cmd
}

func rowsMoveCmd(collection string) *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <column>",
		Short: "Move a row to a board column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRows(cmd.Context(), collection, func(ctx context.Context, s *app.Session, rows rowsHandle) error {
				board := s.Board(collection)
				current, err := rows.coord.Get(ctx, s.Principal, args[0])
				if err != nil {
					return err
				}
				intent, err := board.Move(current.ID, board.Classify(current.GroupKey), args[1])
				if err != nil {
					return err
				}
				if intent == nil {
					fmt.Fprintf(os.Stderr, "%s is already in %s\n", current.ID, args[1])
					return printEntity(board, current)
				}
				e, err := intent.Apply(ctx, rows.coord, s.Principal)
				if err != nil {
					return err
				}
				return printEntity(board, e)
			})
		},
	}
}

func rowsProgressCmd(collection string) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id> <0-100>",
		Short: "Set progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return domain.Errorf(domain.KindValidation, "progress must be an integer: %s", args[1])
			}
			return withRows(cmd.Context(), collection, func(ctx context.Context, s *app.Session, rows rowsHandle) error {
				e, err := rows.coord.SetProgress(ctx, s.Principal, args[0], n)
				if err != nil {
					return err
				}
				return printEntity(s.Board(collection), e)
			})
		},
	}
}

func rowsUrgentCmd(collection string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "urgent <id>",
		Short: "Flag a row as urgent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			off, _ := cmd.Flags().GetBool("off")
			return withRows(cmd.Context(), collection, func(ctx context.Context, s *app.Session, rows rowsHandle) error {
				e, err := rows.coord.ToggleUrgent(ctx, s.Principal, args[0], !off)
				if err != nil {
					return err
				}
				return printEntity(s.Board(collection), e)
			})
		},
	}
	cmd.Flags().Bool("off", false, "clear the urgent flag")
	return cmd
}

func rowsDeleteCmd(collection string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRows(cmd.Context(), collection, func(ctx context.Context, s *app.Session, rows rowsHandle) error {
				if err := rows.coord.Delete(ctx, s.Principal, args[0]); err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"deleted": args[0]}, func() {
					fmt.Println("deleted", args[0])
				})
			})
		},
	}
}

type rowsHandle struct {
	coord *mutation.Coordinator
}

// withRows opens a session, loads collection and hands over its coordinator.
func withRows(ctx context.Context, collection string, fn func(context.Context, *app.Session, rowsHandle) error) error {
	return withSession(ctx, func(ctx context.Context, s *app.Session) error {
		coord, err := s.Coordinator(collection)
		if err != nil {
			return err
		}
		if _, err := coord.Store().Load(ctx, s.Principal, filter.Query{}); err != nil {
			return err
		}
		return fn(ctx, s, rowsHandle{coord: coord})
	})
}

func addFieldFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("title", "", "title")
	flags.String("description", "", "description")
	flags.String("type", "", "type")
	flags.String("priority", "", "priority (low, medium, high, urgent)")
	flags.String("due", "", "due date (YYYY-MM-DD or RFC 3339)")
	flags.String("start", "", "start date")
	flags.String("end", "", "end date")
	flags.String("responsible", "", "responsible user id")
	flags.String("project", "", "project id")
	flags.String("work-group", "", "work group")
	flags.String("department", "", "department")
	flags.StringSlice("tag", nil, "tags (repeatable)")
	flags.Int("progress", 0, "progress 0-100")
	flags.Bool("urgent", false, "mark urgent")
	flags.Bool("public", false, "visible to the tenant")
	flags.Float64("budget", 0, "budget")
	flags.String("notes", "", "notes")
}

func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := domain.ParseTime(raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, domain.Errorf(domain.KindValidation, "invalid date %q", raw)
	}
	t = t.UTC()
	return &t, nil
}

func fieldsFromFlags(cmd *cobra.Command, f *domain.Fields) error {
	flags := cmd.Flags()
	f.Title, _ = flags.GetString("title")
	f.Description, _ = flags.GetString("description")
	f.Type, _ = flags.GetString("type")
	f.Priority, _ = flags.GetString("priority")
	f.ResponsibleID, _ = flags.GetString("responsible")
	f.ProjectID, _ = flags.GetString("project")
	f.WorkGroup, _ = flags.GetString("work-group")
	f.Department, _ = flags.GetString("department")
	f.Tags, _ = flags.GetStringSlice("tag")
	f.Progress, _ = flags.GetInt("progress")
	f.IsUrgent, _ = flags.GetBool("urgent")
	f.IsPublic, _ = flags.GetBool("public")
	f.Notes, _ = flags.GetString("notes")
	if flags.Changed("budget") {
		b, _ := flags.GetFloat64("budget")
		f.Budget = &b
	}
	var err error
	for name, dst := range map[string]**time.Time{"due": &f.DueDate, "start": &f.StartDate, "end": &f.EndDate} {
		raw, _ := flags.GetString(name)
		if *dst, err = parseDate(raw); err != nil {
			return err
		}
	}
	return nil
}

// patchFromFlags turns the flags the user set into a patch.
func patchFromFlags(cmd *cobra.Command) (domain.Patch, error) {
	flags := cmd.Flags()
	var p domain.Patch
	str := func(name string, dst **string) {
		if flags.Changed(name) {
			v, _ := flags.GetString(name)
			*dst = &v
		}
	}
	str("status", &p.GroupKey)
	str("title", &p.Title)
	str("description", &p.Description)
	str("type", &p.Type)
	str("priority", &p.Priority)
	str("responsible", &p.ResponsibleID)
	str("project", &p.ProjectID)
	str("work-group", &p.WorkGroup)
	str("department", &p.Department)
	str("notes", &p.Notes)
	if flags.Changed("tag") {
		p.Tags, _ = flags.GetStringSlice("tag")
	}
	if flags.Changed("progress") {
		n, _ := flags.GetInt("progress")
		p.Progress = &n
	}
	if flags.Changed("urgent") {
		b, _ := flags.GetBool("urgent")
		p.IsUrgent = &b
	}
	if flags.Changed("public") {
		b, _ := flags.GetBool("public")
		p.IsPublic = &b
	}
	if flags.Changed("budget") {
		b, _ := flags.GetFloat64("budget")
		p.Budget = &b
	}
	for name, dst := range map[string]**time.Time{"due": &p.DueDate, "start": &p.StartDate, "end": &p.EndDate} {
		if !flags.Changed(name) {
			continue
		}
		raw, _ := flags.GetString(name)
		t, err := parseDate(raw)
		if err != nil {
			return p, err
		}
		*dst = t
	}
	if flags.Lookup("clear") != nil {
		p.Clear, _ = flags.GetStringSlice("clear")
	}
	return p, nil
}

func printEntity(board kanban.Board, e domain.Entity) error {
	return printJSONOrText(e, func() {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendRow(table.Row{"ID", e.ID})
		tw.AppendRow(table.Row{"Title", e.Fields.Title})
		tw.AppendRow(table.Row{"Status", e.GroupKey})
		tw.AppendRow(table.Row{"Column", board.Classify(e.GroupKey)})
		tw.AppendRow(table.Row{"Priority", e.Fields.Priority})
		tw.AppendRow(table.Row{"Type", e.Fields.Type})
		tw.AppendRow(table.Row{"Progress", fmt.Sprintf("%d%%", e.Fields.Progress)})
		tw.AppendRow(table.Row{"Urgent", e.Fields.IsUrgent})
		tw.AppendRow(table.Row{"Due", formatDate(e.Fields.DueDate)})
		if len(e.Fields.Tags) > 0 {
			tw.AppendRow(table.Row{"Tags", strings.Join(e.Fields.Tags, ", ")})
		}
		if e.Fields.Description != "" {
			tw.AppendRow(table.Row{"Description", e.Fields.Description})
		}
		tw.AppendRow(table.Row{"Owner", e.OwnerID})
		tw.AppendRow(table.Row{"Updated", domain.FormatTime(e.UpdatedAt)})
		tw.Render()
	})
}

func printRows(board kanban.Board, rows []domain.Entity) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Column", "Priority", "Progress", "Urgent", "Due"})
	for _, e := range rows {
		urgent := ""
		if e.Fields.IsUrgent {
			urgent = "!"
		}
		tw.AppendRow(table.Row{e.ID, e.Fields.Title, e.GroupKey, board.Classify(e.GroupKey), e.Fields.Priority,
			fmt.Sprintf("%d%%", e.Fields.Progress), urgent, formatDate(e.Fields.DueDate)})
	}
	tw.Render()
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}
