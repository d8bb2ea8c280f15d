package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/plaintask/internal/audit"
	"github.com/basket/plaintask/internal/cache"
	"github.com/basket/plaintask/internal/codec"
	"github.com/basket/plaintask/internal/task"
)

func newAddCmd(g *globalFlags) *cobra.Command {
	var (
		f        task.Fields
		status   string
		priority string
		due      string
		deferStr string
		effort   int
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Title = strings.Join(args, " ")
			var err error
			if status != "" {
				if f.Status, err = task.ParseStatus(status); err != nil {
					return err
				}
			}
			if priority != "" {
				if f.Priority, err = task.ParsePriority(priority); err != nil {
					return err
				}
			}
			if f.Due, err = parseDate(due); err != nil {
				return fmt.Errorf("--due: %w", err)
			}
			if f.Defer, err = parseDate(deferStr); err != nil {
				return fmt.Errorf("--defer: %w", err)
			}
			if cmd.Flags().Changed("effort") {
				f.Effort = &effort
			}

			ctx := cmd.Context()
			s, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			if f.Parent != "" {
				if f.Parent, err = resolveID(s.engine.Cache(), f.Parent); err != nil {
					s.Close(ctx)
					return err
				}
			}
			rec, addErr := s.engine.Cache().Add(ctx, f)
			if err := errors.Join(addErr, s.Close(ctx)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&f.Project, "project", "", "project name")
	cmd.Flags().StringVar(&f.Context, "context", "", "context name")
	cmd.Flags().StringSliceVar(&f.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&f.Parent, "parent", "", "parent task id or unique prefix")
	cmd.Flags().BoolVar(&f.Flagged, "flag", false, "mark as flagged")
	cmd.Flags().StringVar(&status, "status", "", "inbox, next, waiting, someday or completed")
	cmd.Flags().StringVar(&priority, "priority", "", "none, low, medium or high")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&deferStr, "defer", "", "defer date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().IntVar(&effort, "effort", 0, "estimated effort in minutes")
	return cmd
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return &t, nil
	}
	if t, err := codec.ParseTime(s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("unrecognized date %q", s)
	}
	t = t.UTC()
	return &t, nil
}

// resolveID accepts a full id or a prefix matching exactly one task.
func resolveID(c *cache.Cache, arg string) (string, error) {
	if _, ok := c.Get(arg); ok {
		return arg, nil
	}
	matches := c.Query(func(r task.Record) bool { return strings.HasPrefix(r.ID, arg) })
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", cache.ErrNotFound, arg)
	case 1:
		return matches[0].ID, nil
	}
	return "", fmt.Errorf("id prefix %q matches %d tasks", arg, len(matches))
}

func resolveIDs(c *cache.Cache, args []string) ([]string, error) {
	ids := make([]string, 0, len(args))
	for _, a := range args {
		id, err := resolveID(c, a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newListCmd(g *globalFlags) *cobra.Command {
	var (
		status      string
		project     string
		quarantined bool
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var want task.Status
			if status != "" {
				var err error
				if want, err = task.ParseStatus(status); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			s, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			c := s.engine.Cache()
			if quarantined {
				return printQuarantined(cmd.OutOrStdout(), s.engine.Store().Rel, c.Quarantined(), asJSON)
			}
			recs := c.Query(func(r task.Record) bool {
				if want != "" && r.Status != want {
					return false
				}
				if want == "" && r.Status == task.StatusCompleted {
					return false
				}
				return project == "" || r.Project == project
			})
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			return printTasks(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tasks with this status (default: everything not completed)")
	cmd.Flags().StringVar(&project, "project", "", "only tasks in this project")
	cmd.Flags().BoolVar(&quarantined, "quarantined", false, "list quarantined files instead of tasks")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func printTasks(w io.Writer, recs []task.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRI\tDUE\tPROJECT\tTITLE")
	for _, r := range recs {
		due := "-"
		if r.Due != nil {
			due = r.Due.Format(time.DateOnly)
		}
		project := r.Project
		if project == "" {
			project = "-"
		}
		title := r.Title
		if r.Flagged {
			title = "* " + title
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", shortID(r.ID), r.Status, r.Priority, due, project, title)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 13 {
		return id[:13]
	}
	return id
}

func printQuarantined(w io.Writer, rel func(string) string, qs []cache.Quarantined, asJSON bool) error {
	if asJSON {
		type item struct {
			Path   string    `json:"path"`
			ID     string    `json:"id,omitempty"`
			Reason string    `json:"reason"`
			At     time.Time `json:"at"`
		}
		out := make([]item, 0, len(qs))
		for _, q := range qs {
			out = append(out, item{Path: rel(q.Path), ID: q.ID, Reason: q.Reason, At: q.At})
		}
		return writeJSON(w, out)
	}
	if len(qs) == 0 {
		fmt.Fprintln(w, "no quarantined files")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tREASON")
	for _, q := range qs {
		fmt.Fprintf(tw, "%s\t%s\n", rel(q.Path), q.Reason)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDoneCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>...",
		Short: "Mark tasks completed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, g, args, func(id string) cache.Op {
				return cache.Op{Kind: cache.OpUpdate, ID: id, Mutate: func(r *task.Record) error {
					r.Status = task.StatusCompleted
					return nil
				}}
			}, "completed")
		},
	}
}

func newRmCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete tasks; their subtasks move up to the parent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, g, args, func(id string) cache.Op {
				return cache.Op{Kind: cache.OpDelete, ID: id}
			}, "deleted")
		},
	}
}

func runBatch(cmd *cobra.Command, g *globalFlags, args []string, op func(id string) cache.Op, verb string) error {
	ctx := cmd.Context()
	s, err := g.openEngine(ctx)
	if err != nil {
		return err
	}
	ids, err := resolveIDs(s.engine.Cache(), args)
	if err != nil {
		s.Close(ctx)
		return err
	}
	ops := make([]cache.Op, len(ids))
	for i, id := range ids {
		ops[i] = op(id)
	}
	res := s.engine.Cache().Batch(ctx, ops)
	errs := []error{res.Err}
	for i, item := range res.Items {
		if item.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ids[i], item.Err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, ids[i])
	}
	errs = append(errs, s.Close(ctx))
	return errors.Join(errs...)
}

func newFlushCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Write journaled changes left by an interrupted run to disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			flushErr := s.engine.Cache().Flush(ctx)
			st := s.engine.Cache().Stats()
			if err := errors.Join(flushErr, s.Close(ctx)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d tasks on disk, %d flushes, %d write errors\n", st.Tasks, st.Flushes, st.WriteErrors)
			return nil
		},
	}
}

func newConflictsCmd(g *globalFlags) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Show conflicts settled while serving, with the discarded version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			entries, err := audit.Read(cfg.HomeDir)
			if err != nil {
				return err
			}
			var conflicts []audit.Entry
			for _, e := range entries {
				if e.Kind == audit.KindConflict {
					conflicts = append(conflicts, e)
				}
			}
			if limit > 0 && len(conflicts) > limit {
				conflicts = conflicts[len(conflicts)-limit:]
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, conflicts)
			}
			if len(conflicts) == 0 {
				fmt.Fprintln(out, "no conflicts")
				return nil
			}
			for _, c := range conflicts {
				fmt.Fprintf(out, "%s  %s  %s  %s\n", c.Timestamp, shortID(c.TaskID), c.Decision, c.Path)
				if c.Discarded == "" {
					fmt.Fprintln(out, "    discarded: file deletion")
					continue
				}
				for _, line := range strings.Split(strings.TrimRight(c.Discarded, "\n"), "\n") {
					fmt.Fprintf(out, "    | %s\n", line)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "show only the most recent entries (0 for all)")
	return cmd
}

func newQuarantineCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "List files that could not be loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			defer s.Close(ctx)
			return printQuarantined(cmd.OutOrStdout(), s.engine.Store().Rel, s.engine.Cache().Quarantined(), false)
		},
	}
	cmd.AddCommand(newRepairCmd(g))
	return cmd
}

func newRepairCmd(g *globalFlags) *cobra.Command {
	var f task.Fields
	cmd := &cobra.Command{
		Use:   "repair <path> --title <title>",
		Short: "Replace a quarantined file with a valid task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			path := args[0]
			for _, q := range s.engine.Cache().Quarantined() {
				if s.engine.Store().Rel(q.Path) == path {
					path = q.Path
					break
				}
			}
			rec, repairErr := s.engine.Cache().Repair(ctx, path, f)
			if err := errors.Join(repairErr, s.Close(ctx)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Title, "title", "", "title for the repaired task")
	cmd.Flags().StringVar(&f.Notes, "notes", "", "notes for the repaired task")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}
