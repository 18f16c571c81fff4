package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kennel-dev/kennel/internal/config"
	"github.com/kennel-dev/kennel/internal/observability"
	"github.com/kennel-dev/kennel/internal/output"
	"github.com/kennel-dev/kennel/internal/paths"
	"github.com/kennel-dev/kennel/internal/profile"
	"github.com/kennel-dev/kennel/internal/scan"
)

// statusReport is the JSON shape for 'kennel status'.
type statusReport struct {
	ActiveProfile  string        `json:"activeProfile"`
	AgentCommand   string        `json:"agentCommand"`
	AutoSwitch     bool          `json:"autoSwitch"`
	Profiles       []profileInfo `json:"profiles"`
	ConfigRoot     string        `json:"configRoot,omitempty"`
	StateRoot      string        `json:"stateRoot,omitempty"`
	SessionDates   []string      `json:"sessionDates,omitempty"`
	Telemetry      bool          `json:"telemetry"`
	DesktopNotices bool          `json:"desktopNotifications"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show profiles, rate limits, and resolved settings",
		Example: `  kennel status`,
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			cfg := config.Load()

			store, err := newProfileStore(logger)
			if err != nil {
				return err
			}

			// Expired rate-limit events age out the first time anything
			// reads the table.
			if _, err := store.ClearExpired(); err != nil {
				logger.Warn("could not clear expired rate limits", slog.String("error", err.Error()))
			}

			report := statusReport{
				ActiveProfile:  store.Active().ID,
				AgentCommand:   cfg.AgentCommand(),
				AutoSwitch:     cfg.AutoSwitch().Enabled,
				Profiles:       profileInfos(store),
				Telemetry:      observability.IsTelemetryEnabled(),
				DesktopNotices: cfg.DesktopNotifications(),
			}

			if root, err := paths.ConfigRoot(); err == nil {
				report.ConfigRoot = root
			}
			if root, err := paths.StateRoot(); err == nil {
				report.StateRoot = root
			}

			if a, err := newApp(out, logger, false); err == nil {
				if dates, err := a.manager.SessionDates(""); err == nil {
					report.SessionDates = dates
				}
			}

			if out.JSON {
				return out.PrintJSON(report)
			}

			printStatus(out, store, report)

			return nil
		},
	}
}

func printStatus(out *output.Writer, store *profile.Store, report statusReport) {
	out.Print("Agent command:  %s\n", report.AgentCommand)
	out.Print("Active profile: %s\n", report.ActiveProfile)

	autoSwitch := "off"
	if report.AutoSwitch {
		autoSwitch = "on"
	}
	out.Print("Auto-switch:    %s\n\n", autoSwitch)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tEMAIL\tSESSION LIMIT\tWEEKLY LIMIT")

	now := time.Now()
	for _, p := range store.List() {
		marker := ""
		if p.ID == report.ActiveProfile {
			marker = " *"
		}

		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\n",
			p.ID, marker, p.Email,
			limitState(p, scan.LimitSession, now),
			limitState(p, scan.LimitWeekly, now))
	}

	_ = w.Flush()

	out.Print("\n")

	if report.ConfigRoot != "" {
		out.Muted("Config: %s", report.ConfigRoot)
	}
	if report.StateRoot != "" {
		out.Muted("State:  %s", report.StateRoot)
	}

	switch n := len(report.SessionDates); n {
	case 0:
		out.Muted("No saved sessions")
	case 1:
		out.Muted("Saved sessions on 1 date (latest %s)", report.SessionDates[0])
	default:
		out.Muted("Saved sessions on %d dates (latest %s)", n, report.SessionDates[0])
	}
}

// limitState renders the freshest unexpired rate-limit event of one
// type, or "ok".
func limitState(p profile.Profile, typ scan.LimitType, now time.Time) string {
	ev, ok := p.LatestEvent(typ)
	if !ok || ev.Expired(now) {
		return "ok"
	}

	if ev.ResetString != "" {
		return "limited, resets " + ev.ResetString
	}

	return "limited until " + ev.ResetAt.Local().Format("Jan 2 15:04")
}
