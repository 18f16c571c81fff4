package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kennel-dev/kennel/internal/agent"
	kerrors "github.com/kennel-dev/kennel/internal/errors"
	"github.com/kennel-dev/kennel/internal/profile"
)

// InvokeAgent starts the agent CLI inside the terminal, bound to the
// given profile (empty means the terminal's current profile, falling
// back to the process-wide active one). Credential material for
// non-default profiles is injected just-in-time into the shell and
// cleared in the same composite command, never left resident in the
// terminal's environment.
func (m *Manager) InvokeAgent(ctx context.Context, id, profileOverrideID string) error {
	return m.invokeAgent(ctx, id, profileOverrideID, "", false)
}

func (m *Manager) invokeAgent(ctx context.Context, id, profileOverrideID, resumeSessionID string, resumePicker bool) error {
	_, span := m.tracer.Start(ctx, "harness.invoke_agent",
		trace.WithAttributes(
			attribute.String("terminal.id", id),
			attribute.Bool("agent.resume", resumeSessionID != "" || resumePicker),
		))
	defer span.End()

	t := m.get(id)
	if t == nil {
		return kerrors.TerminalNotFound(id)
	}

	p, err := m.resolveProfile(t, profileOverrideID)
	if err != nil {
		return err
	}

	launch := m.provider.LaunchCommand(m.agentCommand, resumeSessionID, resumePicker)

	cmdline, err := credentialCommand(m.provider, p, m.profiles, launch)
	if err != nil {
		return err
	}

	t.mu.Lock()
	proc := t.proc
	t.mu.Unlock()

	proc.Write([]byte(cmdline + "\r"))

	title := m.provider.DisplayName
	if !p.IsDefault {
		title += " (" + p.Name + ")"
	}

	t.mu.Lock()
	t.agentMode = true
	t.profileID = p.ID
	t.title = title
	t.mu.Unlock()

	if err := m.profiles.MarkUsed(p.ID); err != nil {
		m.log.Warn(
			"profile usage not recorded",
			slog.String("component", "harness"),
			slog.String("event.type", "profile.mark_used_error"),
			slog.String("profile.id", p.ID),
			slog.String("error", err.Error()),
		)
	}

	m.notifier.TitleChanged(id, title)

	m.log.Info(
		"agent invoked",
		slog.String("component", "harness"),
		slog.String("event.type", "agent.invoke"),
		slog.String("terminal.id", id),
		slog.String("profile.id", p.ID),
	)

	return nil
}

// resolveProfile picks the profile for an invocation. An explicit
// override must exist; an implicit dangling back-reference falls back
// to the default profile.
func (m *Manager) resolveProfile(t *Terminal, overrideID string) (profile.Profile, error) {
	if overrideID != "" {
		p, ok := m.profiles.Get(overrideID)
		if !ok {
			return profile.Profile{}, kerrors.ProfileNotFound(overrideID)
		}

		return p, nil
	}

	t.mu.Lock()
	bound := t.profileID
	t.mu.Unlock()

	if bound != "" {
		if p, ok := m.profiles.Get(bound); ok {
			return p, nil
		}

		// The bound profile was deleted out from under the terminal.
		m.log.Warn(
			"bound profile no longer exists, using default",
			slog.String("component", "harness"),
			slog.String("event.type", "profile.dangling"),
			slog.String("terminal.id", t.id),
			slog.String("profile.id", bound),
		)

		p, _ := m.profiles.Get(profile.DefaultProfileID)

		return p, nil
	}

	return m.profiles.Active(), nil
}

// credentialCommand wraps the launch command with just-in-time
// credential injection for non-default profiles. Fallback order:
// stored token, then config directory, then failure.
func credentialCommand(provider *agent.ProviderSpec, p profile.Profile, store *profile.Store, launch string) (string, error) {
	if p.IsDefault {
		return launch, nil
	}

	if provider.Env == nil {
		return "", kerrors.NoCredentials(p.ID)
	}

	token, err := store.Token(p.ID)
	switch {
	case err == nil && provider.Env.TokenVar != "":
		return exportWrap(provider.Env.TokenVar, token, launch), nil
	case err != nil && !errors.Is(err, profile.ErrNoToken):
		return "", kerrors.Wrap(kerrors.ExitProfile, "Could not read profile credentials", err)
	}

	if p.ConfigDir != "" && provider.Env.ConfigDirVar != "" {
		return exportWrap(provider.Env.ConfigDirVar, p.ConfigDir, launch), nil
	}

	return "", kerrors.NoCredentials(p.ID)
}

// exportWrap builds a single composite shell command that sets the
// variable, runs the launch command, and unsets the variable again on
// every exit path. The leading space keeps it out of shell history.
func exportWrap(varName, value, launch string) string {
	return fmt.Sprintf(" export %s=%s; %s; unset %s", varName, shellQuote(value), launch, varName)
}

// shellQuote single-quotes a value for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// StartProfileSetup spawns a dedicated terminal running the provider's
// token-minting flow for the profile. The terminal id encodes the
// profile so a captured token is attributed and saved automatically.
func (m *Manager) StartProfileSetup(ctx context.Context, profileID string, cols, rows int) (string, error) {
	if _, ok := m.profiles.Get(profileID); !ok {
		return "", kerrors.ProfileNotFound(profileID)
	}

	id := ProfileSetupPrefix + profileID

	if err := m.Create(ctx, id, "", "", cols, rows); err != nil {
		return "", err
	}

	t := m.get(id)
	if t == nil {
		return "", kerrors.TerminalNotFound(id)
	}

	binary := m.provider.Binary
	if m.agentCommand != "" {
		binary = m.agentCommand
	}

	cmdline := strings.Join(append([]string{binary}, m.provider.SetupToken...), " ")

	t.mu.Lock()
	t.title = m.provider.DisplayName + " token setup"
	proc := t.proc
	t.mu.Unlock()

	proc.Write([]byte(cmdline + "\r"))

	m.log.Info(
		"profile setup started",
		slog.String("component", "harness"),
		slog.String("event.type", "profile.setup"),
		slog.String("profile.id", profileID),
		slog.String("terminal.id", id),
	)

	return id, nil
}

// resumeCommandFor builds the launch command used when restoring a
// saved agent-mode session: resume by captured id when known, otherwise
// open the agent's own session picker.
func resumeCommandFor(provider *agent.ProviderSpec, binaryOverride, sessionID string) (string, bool) {
	if sessionID != "" {
		return provider.LaunchCommand(binaryOverride, sessionID, false), false
	}

	return provider.LaunchCommand(binaryOverride, "", true), true
}
