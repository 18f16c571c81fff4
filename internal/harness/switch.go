package harness

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	kerrors "github.com/kennel-dev/kennel/internal/errors"
)

// SwitchProfile rebinds a terminal to another profile:
//
//  1. If the agent is running, soft-interrupt it: signal bytes, settle,
//     graceful exit command, settle. A hard kill here can corrupt the
//     agent's on-disk session log.
//  2. Clear the terminal's rate-limit and token de-duplication memory.
//  3. Re-invoke the agent bound to the new profile.
//  4. Mark the new profile active process-wide.
//
// A concurrent Destroy always wins: each step re-checks that the
// terminal still exists and aborts quietly when it does not. A failed
// interrupt (process already gone) does not abort the re-invoke. There
// is no rollback; the terminal is left in whatever state the last
// successful step produced.
func (m *Manager) SwitchProfile(ctx context.Context, id, newProfileID string) error {
	ctx, span := m.tracer.Start(ctx, "harness.switch_profile",
		trace.WithAttributes(
			attribute.String("terminal.id", id),
			attribute.String("profile.id", newProfileID),
		))
	defer span.End()

	if _, ok := m.profiles.Get(newProfileID); !ok {
		return kerrors.ProfileNotFound(newProfileID)
	}

	t := m.get(id)
	if t == nil {
		return kerrors.TerminalNotFound(id)
	}

	m.log.Info(
		"profile switch started",
		slog.String("component", "harness"),
		slog.String("event.type", "switch.start"),
		slog.String("terminal.id", id),
		slog.String("profile.id", newProfileID),
	)

	m.softInterrupt(t)

	// Step 2: a new profile gets a clean notification slate; a reset
	// string that was already notified is notifiable again.
	if t = m.get(id); t == nil {
		return nil
	}

	t.mu.Lock()
	t.lastNotifiedReset = ""
	t.lastSeenToken = ""
	t.mu.Unlock()

	// Step 3.
	if m.get(id) == nil {
		return nil
	}

	if err := m.invokeAgent(ctx, id, newProfileID, "", false); err != nil {
		var cliErr *kerrors.CLIError
		if kerrors.As(err, &cliErr) && cliErr.Code == kerrors.ExitTerminal {
			// Destroyed between steps; destroy wins.
			return nil
		}

		m.log.Warn(
			"profile switch failed at re-invoke",
			slog.String("component", "harness"),
			slog.String("event.type", "switch.invoke_error"),
			slog.String("terminal.id", id),
			slog.String("error", err.Error()),
		)

		return err
	}

	// Step 4.
	if err := m.profiles.SetActive(newProfileID); err != nil {
		m.log.Warn(
			"active profile not updated",
			slog.String("component", "harness"),
			slog.String("event.type", "switch.set_active_error"),
			slog.String("profile.id", newProfileID),
			slog.String("error", err.Error()),
		)

		return err
	}

	m.log.Info(
		"profile switch complete",
		slog.String("component", "harness"),
		slog.String("event.type", "switch.complete"),
		slog.String("terminal.id", id),
		slog.String("profile.id", newProfileID),
	)

	return nil
}

// softInterrupt runs step 1 of the switch protocol. Best-effort: a
// process that is already gone is logged and skipped, never fatal.
func (m *Manager) softInterrupt(t *Terminal) {
	t.mu.Lock()
	running := t.agentMode
	proc := t.proc
	t.mu.Unlock()

	if !running || m.provider.Interrupt == nil {
		return
	}

	if !proc.Alive() {
		m.log.Debug(
			"agent process already gone, skipping interrupt",
			slog.String("component", "harness"),
			slog.String("event.type", "switch.interrupt_skipped"),
			slog.String("terminal.id", t.id),
		)

		return
	}

	if sig := m.provider.Interrupt.SignalBytes; sig != "" {
		proc.Write([]byte(sig))
		m.sleep(interruptSettle)
	}

	// Re-check after the settle; destroy wins mid-protocol.
	if m.get(t.id) == nil {
		return
	}

	proc.Write([]byte(m.provider.Interrupt.ExitCommand))
	m.sleep(exitSettle)

	t.mu.Lock()
	t.agentMode = false
	t.mu.Unlock()
}
