package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kennel-dev/kennel/internal/agent"
	"github.com/kennel-dev/kennel/internal/config"
	clierrors "github.com/kennel-dev/kennel/internal/errors"
	"github.com/kennel-dev/kennel/internal/harness"
	"github.com/kennel-dev/kennel/internal/notify"
	"github.com/kennel-dev/kennel/internal/output"
	"github.com/kennel-dev/kennel/internal/paths"
	"github.com/kennel-dev/kennel/internal/profile"
	"github.com/kennel-dev/kennel/internal/pty"
	"github.com/kennel-dev/kennel/internal/snapshot"
)

// app bundles the stores and orchestrator the terminal-facing commands
// share. Construction consolidates the repeated pattern of:
//
//	cfg := config.Load()
//	profiles, _ := profile.Open(paths.ProfilesFile(), ...)
//	snaps := snapshot.NewStore(paths.SessionsDir(), ...)
//	mgr := harness.NewManager(...)
type app struct {
	cfg      *config.Config
	profiles *profile.Store
	snaps    *snapshot.Store
	manager  *harness.Manager

	// closed receives terminal ids as they leave the registry; the
	// bridge uses it to know when the hosted process is gone.
	closed chan string
}

// newProfileStore opens the profile store alone, for commands that do
// not need a full orchestrator.
func newProfileStore(logger *slog.Logger) (*profile.Store, error) {
	path, err := paths.ProfilesFile()
	if err != nil {
		return nil, clierrors.Wrap(clierrors.ExitConfig, "Could not resolve the profile store path", err)
	}

	store, err := profile.Open(path, logger)
	if err != nil {
		return nil, clierrors.Wrap(clierrors.ExitConfig, "Could not open the profile store", err)
	}

	return store, nil
}

// newApp builds the orchestrator stack. When mirror is true, raw
// terminal output is copied to stdout for the pty bridge.
func newApp(out *output.Writer, logger *slog.Logger, mirror bool) (*app, error) {
	cfg := config.Load()

	profiles, err := newProfileStore(logger)
	if err != nil {
		return nil, err
	}

	sessionsDir, err := paths.SessionsDir()
	if err != nil {
		return nil, clierrors.Wrap(clierrors.ExitConfig, "Could not resolve the sessions directory", err)
	}

	snaps := snapshot.NewStore(sessionsDir, logger)

	if removed, pruneErr := snaps.Prune(); pruneErr != nil {
		logger.Warn("snapshot prune failed", slog.String("error", pruneErr.Error()))
	} else if removed > 0 {
		logger.Info("pruned old snapshot dates", slog.Int("snapshot.pruned", removed))
	}

	a := &app{
		cfg:      cfg,
		profiles: profiles,
		snaps:    snaps,
		closed:   make(chan string, 8),
	}

	spawner := pty.NewSpawner(logger)

	var onOutput func(string, []byte)
	if mirror {
		onOutput = func(_ string, chunk []byte) {
			_, _ = os.Stdout.Write(chunk)
		}
	}

	a.manager = harness.NewManager(harness.Options{
		Spawn: func(opts pty.SpawnOptions) (harness.Process, error) {
			return spawner.Spawn(opts)
		},
		Profiles:  profiles,
		Snapshots: snaps,
		Provider:  agent.MustGetProvider("claude"),
		Notifier: &cliNotifier{
			out:     out,
			desktop: notify.New(cfg.DesktopNotifications(), logger),
			log:     logger,
		},
		AutoSwitch:       cfg.AutoSwitch(),
		AgentCommand:     cfg.AgentCommand(),
		SnapshotInterval: cfg.SnapshotInterval(),
		OnOutput:         onOutput,
		OnClosed: func(id string) {
			select {
			case a.closed <- id:
			default:
			}
		},
		Logger: logger,
	})

	return a, nil
}

// cliNotifier surfaces orchestrator events to the user: structured log
// always, desktop notification for the unsolicited ones. Messages to
// stdout use \r\n because they can land while the terminal is raw.
type cliNotifier struct {
	out     *output.Writer
	desktop *notify.Notifier
	log     *slog.Logger
}

func (n *cliNotifier) SessionCaptured(terminalID, sessionID string) {
	n.log.Info("session id captured",
		slog.String("terminal.id", terminalID),
		slog.String("session.id", sessionID))
}

func (n *cliNotifier) RateLimited(terminalID string, ev profile.RateLimitEvent, alternate *profile.Profile, autoSwitching bool) {
	scope := "Session"
	if ev.Type == "weekly" {
		scope = "Weekly"
	}

	msg := fmt.Sprintf("%s limit reached, resets %s", scope, ev.ResetString)

	switch {
	case autoSwitching:
		msg += fmt.Sprintf("; switching to profile %q", alternate.Name)
	case alternate != nil:
		msg += fmt.Sprintf("; profile %q is available (kennel run --profile %s)", alternate.Name, alternate.ID)
	default:
		msg += "; no alternate profile is available"
	}

	fmt.Fprintf(os.Stderr, "\r\nkennel: %s\r\n", msg)
	n.desktop.Notify("Kennel: rate limit", msg)
}

func (n *cliNotifier) TokenCaptured(terminalID, profileID, email string, saved bool, err error) {
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "\r\nkennel: captured a token for profile %q but could not store it: %v\r\n", profileID, err)
		n.desktop.Notify("Kennel: token not saved", err.Error())
	case saved:
		fmt.Fprintf(os.Stderr, "\r\nkennel: token stored for profile %q\r\n", profileID)
		n.desktop.Notify("Kennel: token saved", fmt.Sprintf("Profile %s is ready to use", profileID))
	default:
		n.log.Info("token observed outside a profile setup flow",
			slog.String("terminal.id", terminalID))
	}
}

func (n *cliNotifier) TitleChanged(terminalID, title string) {
	n.log.Debug("terminal title changed",
		slog.String("terminal.id", terminalID),
		slog.String("terminal.title", title))
}
