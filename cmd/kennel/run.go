package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	clierrors "github.com/kennel-dev/kennel/internal/errors"
	"github.com/kennel-dev/kennel/internal/observability"
	"github.com/kennel-dev/kennel/internal/output"
	"github.com/kennel-dev/kennel/internal/terminal"
)

func newRunCmd() *cobra.Command {
	var (
		dir       string
		profileID string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent in a managed terminal",
		Long: `Start the Claude Code CLI inside a managed pseudo-terminal and
bridge this terminal to it. Kennel watches the agent's output for
session ids, rate limits, and tokens while you work, snapshots the
session periodically, and fails over between credential profiles
according to the configured switch policy.`,
		Example: `  kennel run
  kennel run --dir ~/src/api --profile work`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			if !out.Terminal().IsTTY {
				return clierrors.New(clierrors.ExitUsage, "'kennel run' requires an interactive terminal")
			}

			cwd := dir
			if cwd == "" {
				wd, err := os.Getwd()
				if err != nil {
					return clierrors.Wrap(clierrors.ExitGeneral, "Could not determine the working directory", err)
				}

				cwd = wd
			}

			a, err := newApp(out, logger, true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go a.manager.Run(ctx)

			cols, rows := termSize()
			id := "term-" + uuid.NewString()[:8]

			if err := a.manager.Create(ctx, id, cwd, cwd, cols, rows); err != nil {
				return err
			}

			if err := a.manager.InvokeAgent(ctx, id, profileID); err != nil {
				_ = a.manager.Destroy(id)

				return err
			}

			err = bridgeTerminal(ctx, a, id)

			// Ctrl-C or bridge teardown: take a final snapshot and
			// release the process, keeping the record restorable.
			if a.manager.Detach(id) == nil {
				out.Muted("Session saved; restore it later with 'kennel sessions restore'")
			}

			return err
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Working directory for the terminal (default: current directory)")
	cmd.Flags().StringVar(&profileID, "profile", "", "Credential profile to bind (default: the active profile)")

	return cmd
}

// bridgeTerminal puts the local terminal in raw mode and wires it to
// the managed pty until the hosted process exits or ctx is cancelled.
func bridgeTerminal(ctx context.Context, a *app, id string) error {
	stdinFd := int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return clierrors.Wrap(clierrors.ExitTerminal, "Could not put the terminal in raw mode", err)
	}
	defer func() {
		_ = term.Restore(stdinFd, oldState)
		fmt.Print("\r\n")
	}()

	// Keystrokes flow to the managed pty. The goroutine ends when
	// stdin closes or the process goes away; a write to a dead
	// terminal is a reported no-op.
	go func() {
		buf := make([]byte, 1024)
		for {
			n, readErr := os.Stdin.Read(buf)
			if n > 0 {
				if writeErr := a.manager.Write(id, buf[:n]); writeErr != nil {
					return
				}
			}

			if readErr != nil {
				return
			}
		}
	}()

	watchResize(ctx, func() {
		cols, rows := termSize()
		_ = a.manager.Resize(id, cols, rows)
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case closedID := <-a.closed:
			if closedID == id {
				return nil
			}
		}
	}
}

func termSize() (cols, rows int) {
	if c, r, err := term.GetSize(int(os.Stdout.Fd())); err == nil && c > 0 && r > 0 {
		return c, r
	}

	return terminal.DefaultCols, terminal.DefaultRows
}
