package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	clierrors "github.com/kennel-dev/kennel/internal/errors"
	"github.com/kennel-dev/kennel/internal/observability"
	"github.com/kennel-dev/kennel/internal/output"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and restore saved sessions",
		Long: `Work with the date-keyed session snapshots Kennel writes while the
agent runs. Snapshots capture the working directory, the agent
session id, the bound profile, and a tail of recent output, enough to
resume a conversation days later with 'kennel sessions restore'.`,
	}

	cmd.AddCommand(newSessionsDatesCmd())
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsRestoreCmd())

	return cmd
}

func newSessionsDatesCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:     "dates",
		Short:   "List dates that have saved sessions, newest first",
		Example: `  kennel sessions dates --project ~/src/api`,
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			a, err := newApp(out, logger, false)
			if err != nil {
				return err
			}

			dates, err := a.manager.SessionDates(project)
			if err != nil {
				return clierrors.Wrap(clierrors.ExitGeneral, "Could not read the session store", err)
			}

			if out.JSON {
				return out.PrintJSON(dates)
			}

			if len(dates) == 0 {
				out.Muted("No saved sessions")

				return nil
			}

			for _, date := range dates {
				out.Println(date)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Only count sessions for this project path")

	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var (
		date    string
		project string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List the sessions saved under a date",
		Example: `  kennel sessions list --date 2026-08-30`,
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			a, err := newApp(out, logger, false)
			if err != nil {
				return err
			}

			recs, err := a.manager.SessionsForDate(date, project)
			if err != nil {
				return clierrors.Wrap(clierrors.ExitGeneral, "Could not read the session store", err)
			}

			if out.JSON {
				return out.PrintJSON(recs)
			}

			if len(recs) == 0 {
				out.Muted("No sessions saved under %s", date)

				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tPROJECT\tSESSION\tPROFILE")

			for _, rec := range recs {
				sid := rec.SessionID
				if sid == "" {
					if rec.AgentMode {
						sid = "(uncaptured)"
					} else {
						sid = "(shell)"
					}
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Title, rec.ProjectPath, sid, rec.ProfileID)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Snapshot date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&project, "project", "", "Only list sessions for this project path")
	_ = cmd.MarkFlagRequired("date")

	return cmd
}

func newSessionsRestoreCmd() *cobra.Command {
	var (
		date    string
		project string
		cols    int
		rows    int
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the sessions saved under a date",
		Long: `Re-create every session saved under a date: each gets a fresh
terminal in its recorded working directory, and sessions that were in
agent mode get a resume command for their captured session id. This
terminal then attaches to the restored sessions one after another;
detaching (Ctrl-C) moves on to the next and leaves the session
restorable again.`,
		Example: `  kennel sessions restore --date 2026-08-30
  kennel sessions restore --date 2026-08-30 --project ~/src/api`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			if !out.Terminal().IsTTY {
				return clierrors.New(clierrors.ExitUsage, "'kennel sessions restore' requires an interactive terminal")
			}

			a, err := newApp(out, logger, true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go a.manager.Run(ctx)

			if cols <= 0 || rows <= 0 {
				cols, rows = termSize()
			}

			spinner := out.Spinner(fmt.Sprintf("Restoring sessions from %s", date))
			spinner.Start()

			result, err := a.manager.RestoreFromDate(ctx, date, project, cols, rows)
			if err != nil {
				spinner.StopWithFailure("Restore failed")

				return err
			}

			if result.Failed > 0 {
				spinner.StopWithFailure(fmt.Sprintf("Restored %d of %d sessions", result.Restored, result.Restored+result.Failed))
			} else {
				spinner.StopWithSuccess(fmt.Sprintf("Restored %d session(s)", result.Restored))
			}

			for _, id := range sortedFailures(result.PerSession) {
				out.Warning("%s: %v", id, result.PerSession[id])
			}

			if result.Restored == 0 {
				return clierrors.New(clierrors.ExitGeneral, "No session could be restored")
			}

			for _, id := range sortedRestored(result.PerSession) {
				out.Info("Attaching to %s (Ctrl-C to move on)", id)

				if err := bridgeTerminal(ctx, a, id); err != nil {
					return err
				}

				_ = a.manager.Detach(id)

				if ctx.Err() != nil {
					// The interrupt that ended the bridge also ended the
					// command; re-arm so the next session is attachable.
					ctx, stop = signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
					defer stop()
				}
			}

			// Anything still live (restores the user never attached to)
			// gets a final snapshot before the command exits.
			for _, id := range a.manager.ActiveTerminalIDs() {
				_ = a.manager.Detach(id)
			}

			out.Muted("Sessions saved; restore them again with 'kennel sessions restore'")

			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Snapshot date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&project, "project", "", "Only restore sessions for this project path")
	cmd.Flags().IntVar(&cols, "cols", 0, "Terminal width for restored sessions (default: current terminal)")
	cmd.Flags().IntVar(&rows, "rows", 0, "Terminal height for restored sessions (default: current terminal)")
	_ = cmd.MarkFlagRequired("date")

	return cmd
}

func sortedRestored(perSession map[string]error) []string {
	var ids []string
	for id, err := range perSession {
		if err == nil {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}

func sortedFailures(perSession map[string]error) []string {
	var ids []string
	for id, err := range perSession {
		if err != nil {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}
