package harness

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	kerrors "github.com/kennel-dev/kennel/internal/errors"
	"github.com/kennel-dev/kennel/internal/snapshot"
)

// bufferTailPersisted bounds how much rolling-buffer text is saved per
// snapshot record.
const bufferTailPersisted = 2 * 1024

// RestoreResult aggregates a RestoreFromDate pass.
type RestoreResult struct {
	Restored   int
	Failed     int
	PerSession map[string]error
}

// Restore re-creates a terminal from a saved record. The shell gets a
// short settle delay; if the saved session was in agent mode, a resume
// command referencing the captured session id (or the agent's own
// picker when none was captured) is written in. Session-id capture
// stays armed when no id was previously known.
func (m *Manager) Restore(ctx context.Context, rec snapshot.Record, cols, rows int) error {
	ctx, span := m.tracer.Start(ctx, "harness.restore",
		trace.WithAttributes(
			attribute.String("terminal.id", rec.ID),
			attribute.Bool("agent.mode", rec.AgentMode),
		))
	defer span.End()

	if err := m.Create(ctx, rec.ID, rec.Cwd, rec.ProjectPath, cols, rows); err != nil {
		return err
	}

	t := m.get(rec.ID)
	if t == nil {
		return kerrors.TerminalNotFound(rec.ID)
	}

	t.mu.Lock()
	t.sessionID = rec.SessionID
	t.profileID = rec.ProfileID
	if rec.Title != "" {
		t.title = rec.Title
	}
	t.mu.Unlock()

	// Replay the saved output tail so the restored terminal opens with
	// the context the session ended on.
	if m.onOutput != nil && rec.BufferTail != "" {
		m.onOutput(rec.ID, []byte(rec.BufferTail))
	}

	if !rec.AgentMode {
		return nil
	}

	m.sleep(restoreSettle)

	// Destroy wins over an in-flight restore too.
	if m.get(rec.ID) == nil {
		return nil
	}

	p, err := m.resolveProfile(t, "")
	if err != nil {
		return err
	}

	launch, usedPicker := resumeCommandFor(m.provider, m.agentCommand, rec.SessionID)

	cmdline, err := credentialCommand(m.provider, p, m.profiles, launch)
	if err != nil {
		return err
	}

	t.mu.Lock()
	proc := t.proc
	t.agentMode = true
	t.profileID = p.ID
	t.mu.Unlock()

	proc.Write([]byte(cmdline + "\r"))

	m.log.Info(
		"session restored",
		slog.String("component", "harness"),
		slog.String("event.type", "session.restore"),
		slog.String("terminal.id", rec.ID),
		slog.String("session.id", rec.SessionID),
		slog.Bool("session.picker", usedPicker),
	)

	return nil
}

// RestoreFromDate restores every session saved under date, optionally
// filtered to one project path. Individual failures are collected, not
// fatal to the pass.
func (m *Manager) RestoreFromDate(ctx context.Context, date, projectPath string, cols, rows int) (RestoreResult, error) {
	recs, err := m.snapshots.ForDate(date, projectPath)
	if err != nil {
		return RestoreResult{}, err
	}

	if len(recs) == 0 {
		return RestoreResult{}, kerrors.NoSessionsForDate(date)
	}

	result := RestoreResult{PerSession: make(map[string]error, len(recs))}

	for _, rec := range recs {
		if restoreErr := m.Restore(ctx, rec, cols, rows); restoreErr != nil {
			result.Failed++
			result.PerSession[rec.ID] = restoreErr

			m.log.Warn(
				"session restore failed",
				slog.String("component", "harness"),
				slog.String("event.type", "session.restore_error"),
				slog.String("terminal.id", rec.ID),
				slog.String("error", restoreErr.Error()),
			)

			continue
		}

		result.Restored++
		result.PerSession[rec.ID] = nil
	}

	return result, nil
}

// SessionDates lists snapshot dates, newest first, optionally filtered
// to dates that contain at least one record for projectPath.
func (m *Manager) SessionDates(projectPath string) ([]string, error) {
	dates, err := m.snapshots.Dates()
	if err != nil || projectPath == "" {
		return dates, err
	}

	filtered := dates[:0]
	for _, date := range dates {
		recs, err := m.snapshots.ForDate(date, projectPath)
		if err != nil {
			return nil, err
		}

		if len(recs) > 0 {
			filtered = append(filtered, date)
		}
	}

	return filtered, nil
}

// SessionsForDate returns the saved records for a date.
func (m *Manager) SessionsForDate(date, projectPath string) ([]snapshot.Record, error) {
	return m.snapshots.ForDate(date, projectPath)
}

// Run drives the periodic background work until ctx is cancelled, then
// takes a final persistence pass. One snapshot timer serves the whole
// registry; a second, slower timer sweeps expired rate-limit events so
// profile eligibility recovers without waiting for a status read.
func (m *Manager) Run(ctx context.Context) {
	snapshots := time.NewTicker(m.snapshotInterval)
	defer snapshots.Stop()

	usage := time.NewTicker(m.usageCheckInterval)
	defer usage.Stop()

	for {
		select {
		case <-ctx.Done():
			m.PersistAll()

			return
		case <-snapshots.C:
			m.PersistAll()
		case <-usage.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweepExpiredLimits() {
	removed, err := m.profiles.ClearExpired()
	if err != nil {
		m.log.Warn(
			"rate-limit sweep failed",
			slog.String("component", "harness"),
			slog.String("event.type", "usage.sweep_error"),
			slog.String("error", err.Error()),
		)

		return
	}

	if removed > 0 {
		m.log.Info(
			"expired rate limits cleared",
			slog.String("component", "harness"),
			slog.String("event.type", "usage.sweep"),
			slog.Int("events.removed", removed),
		)
	}
}

// PersistAll snapshots every live terminal. The registry keys are read
// under the lock; writes happen outside it so a slow disk never blocks
// terminal operations. Write failures are logged, never propagated.
func (m *Manager) PersistAll() {
	m.mu.Lock()
	terminals := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terminals = append(terminals, t)
	}
	m.mu.Unlock()

	for _, t := range terminals {
		m.persist(t)
	}
}

func (m *Manager) persist(t *Terminal) {
	t.mu.Lock()
	rec := snapshot.Record{
		ID:          t.id,
		Cwd:         t.cwd,
		ProjectPath: t.projectPath,
		Title:       t.title,
		AgentMode:   t.agentMode,
		SessionID:   t.sessionID,
		ProfileID:   t.profileID,
	}
	t.mu.Unlock()

	rec.BufferTail = t.bufferTail(bufferTailPersisted)

	if err := m.snapshots.Write(rec); err != nil {
		m.log.Warn(
			"session snapshot failed",
			slog.String("component", "harness"),
			slog.String("event.type", "snapshot.write_error"),
			slog.String("terminal.id", t.id),
			slog.String("error", err.Error()),
		)
	}
}
