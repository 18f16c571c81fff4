// Package harness owns the registry of live pty-backed terminals and
// orchestrates the agent CLI running inside them: output classification,
// profile binding, rate-limit failover, and session persistence.
package harness

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kennel-dev/kennel/internal/agent"
	"github.com/kennel-dev/kennel/internal/config"
	kerrors "github.com/kennel-dev/kennel/internal/errors"
	"github.com/kennel-dev/kennel/internal/profile"
	"github.com/kennel-dev/kennel/internal/pty"
	"github.com/kennel-dev/kennel/internal/scan"
	"github.com/kennel-dev/kennel/internal/snapshot"
)

const (
	// ProfileSetupPrefix marks terminals spawned to mint a token for a
	// specific profile; tokens captured there are auto-saved to it.
	ProfileSetupPrefix = "profile-setup-"

	// rollingBufferCap bounds the per-terminal text window used for
	// multi-chunk matches. Large enough for a match spanning two flush
	// boundaries, small enough to keep per-terminal cost flat.
	rollingBufferCap = 16 * 1024

	// interruptSettle and exitSettle pace the two-step soft interrupt.
	// The agent CLI buffers input; an immediate hard kill can corrupt
	// its on-disk session log.
	interruptSettle = 500 * time.Millisecond
	exitSettle      = time.Second

	// restoreSettle lets the restored shell come up before a resume
	// command is written into it.
	restoreSettle = time.Second
)

// Process is the subset of a pty handle the orchestrator drives.
type Process interface {
	Write(p []byte)
	Resize(cols, rows int)
	Kill()
	Alive() bool
}

// SpawnFunc creates a pty-backed process.
type SpawnFunc func(pty.SpawnOptions) (Process, error)

// Notifier receives asynchronous orchestrator events. Implementations
// must not block; they are called from per-terminal output handlers.
type Notifier interface {
	// SessionCaptured fires once per terminal when the agent's own
	// conversation id is first observed.
	SessionCaptured(terminalID, sessionID string)

	// RateLimited fires once per distinct reset string per terminal.
	// alternate is nil when every other profile is also limited;
	// autoSwitching reports whether the switch protocol will run
	// without confirmation.
	RateLimited(terminalID string, event profile.RateLimitEvent, alternate *profile.Profile, autoSwitching bool)

	// TokenCaptured fires when an OAuth token shows up in output.
	// saved is true when the token was attributed to a profile-setup
	// flow and stored; err carries the storage failure if any.
	TokenCaptured(terminalID, profileID, email string, saved bool, err error)

	// TitleChanged fires when a terminal's display label changes.
	TitleChanged(terminalID, title string)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) SessionCaptured(string, string) {}
func (NopNotifier) RateLimited(string, profile.RateLimitEvent, *profile.Profile, bool) {
}
func (NopNotifier) TokenCaptured(string, string, string, bool, error) {}
func (NopNotifier) TitleChanged(string, string)                       {}

// Terminal is one registry entry. All mutable state is guarded by mu;
// output handling for a single terminal is serialized by its reader
// goroutine, so classification sees chunks in arrival order.
type Terminal struct {
	id          string
	cwd         string
	projectPath string

	mu        sync.Mutex
	proc      Process
	title     string
	agentMode bool
	sessionID string
	profileID string
	cols      int
	rows      int

	outBuf []byte

	// Rate-limit and token de-duplication memory; cleared on profile
	// switch so a new profile has a clean slate.
	lastNotifiedReset string
	lastSeenToken     string
}

// Options configures a Manager.
type Options struct {
	Spawn      SpawnFunc
	Profiles   *profile.Store
	Snapshots  *snapshot.Store
	Provider   *agent.ProviderSpec
	Notifier   Notifier
	AutoSwitch config.AutoSwitchSettings

	// AgentCommand overrides the provider's binary when set.
	AgentCommand string

	// Shell runs in freshly created terminals; defaults to $SHELL.
	Shell string

	SnapshotInterval time.Duration

	// OnOutput, when set, receives every raw output chunk after
	// classification. The UI layer uses it to mirror terminal output.
	OnOutput func(terminalID string, chunk []byte)

	// OnClosed, when set, fires after a terminal leaves the registry,
	// whether by explicit destroy or process exit.
	OnClosed func(terminalID string)

	Logger *slog.Logger
}

// Manager is the terminal registry and orchestrator. All exported
// methods are safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	terminals map[string]*Terminal

	spawn      SpawnFunc
	profiles   *profile.Store
	snapshots  *snapshot.Store
	provider   *agent.ProviderSpec
	notifier   Notifier
	autoSwitch config.AutoSwitchSettings

	agentCommand       string
	shell              string
	snapshotInterval   time.Duration
	usageCheckInterval time.Duration

	onOutput func(terminalID string, chunk []byte)
	onClosed func(terminalID string)

	log    *slog.Logger
	tracer trace.Tracer

	// Injectable for tests; real code sleeps.
	sleep func(time.Duration)

	// Injectable for tests; defaults to sweepExpiredLimits.
	sweep func()
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}

	shell := opts.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	interval := opts.SnapshotInterval
	if interval <= 0 {
		interval = config.DefaultSnapshotInterval
	}

	usageInterval := opts.AutoSwitch.UsageCheckInterval
	if usageInterval <= 0 {
		usageInterval = config.DefaultUsageCheckInterval
	}

	m := &Manager{
		terminals:          make(map[string]*Terminal),
		spawn:              opts.Spawn,
		profiles:           opts.Profiles,
		snapshots:          opts.Snapshots,
		provider:           opts.Provider,
		notifier:           notifier,
		autoSwitch:         opts.AutoSwitch,
		agentCommand:       opts.AgentCommand,
		shell:              shell,
		snapshotInterval:   interval,
		usageCheckInterval: usageInterval,
		onOutput:           opts.OnOutput,
		onClosed:           opts.OnClosed,
		log:                logger,
		tracer:             otel.Tracer("kennel/harness"),
		sleep:              time.Sleep,
	}
	m.sweep = m.sweepExpiredLimits

	return m
}

// Create registers a terminal running the user shell in cwd. Creating
// an id that already exists is a no-op success; no second process is
// spawned.
func (m *Manager) Create(ctx context.Context, id, cwd, projectPath string, cols, rows int) error {
	_, span := m.tracer.Start(ctx, "harness.create",
		trace.WithAttributes(attribute.String("terminal.id", id)))
	defer span.End()

	m.mu.Lock()
	if _, exists := m.terminals[id]; exists {
		m.mu.Unlock()

		return nil
	}
	m.mu.Unlock()

	env := map[string]string{}
	for _, pair := range m.provider.StaticEnv() {
		if idx := strings.IndexByte(pair, '='); idx > 0 {
			env[pair[:idx]] = pair[idx+1:]
		}
	}

	// The active profile's config directory is baked in at spawn time;
	// token material never is (it is injected just-in-time on invoke).
	if active := m.profiles.Active(); !active.IsDefault && active.ConfigDir != "" {
		if m.provider.Env != nil && m.provider.Env.ConfigDirVar != "" {
			env[m.provider.Env.ConfigDirVar] = active.ConfigDir
		}
	}

	t := &Terminal{
		id:          id,
		cwd:         cwd,
		projectPath: projectPath,
		title:       filepath.Base(cwd),
		cols:        cols,
		rows:        rows,
	}

	proc, err := m.spawn(pty.SpawnOptions{
		Command: m.shell,
		Cwd:     cwd,
		Cols:    cols,
		Rows:    rows,
		Env:     env,
		OnData:  func(p []byte) { m.handleOutput(t, p) },
		OnExit:  func(error) { m.handleExit(t) },
	})
	if err != nil {
		return kerrors.SpawnFailed(err)
	}

	t.proc = proc

	m.mu.Lock()
	// A concurrent Create for the same id may have won; idempotent
	// create keeps the first process.
	if _, exists := m.terminals[id]; exists {
		m.mu.Unlock()
		proc.Kill()

		return nil
	}
	m.terminals[id] = t
	m.mu.Unlock()

	m.log.Info(
		"terminal created",
		slog.String("component", "harness"),
		slog.String("event.type", "terminal.create"),
		slog.String("terminal.id", id),
		slog.String("terminal.cwd", cwd),
	)

	return nil
}

// Write forwards input to the terminal's process.
func (m *Manager) Write(id string, data []byte) error {
	t := m.get(id)
	if t == nil {
		return kerrors.TerminalNotFound(id)
	}

	t.mu.Lock()
	proc := t.proc
	t.mu.Unlock()

	proc.Write(data)

	return nil
}

// Resize changes a terminal's size.
func (m *Manager) Resize(id string, cols, rows int) error {
	t := m.get(id)
	if t == nil {
		return kerrors.TerminalNotFound(id)
	}

	t.mu.Lock()
	t.cols, t.rows = cols, rows
	proc := t.proc
	t.mu.Unlock()

	proc.Resize(cols, rows)

	return nil
}

// Destroy removes the terminal: persisted record, de-duplication state,
// process, registry entry. Destroying an unknown id reports failure
// without side effects. A destroy always wins over an in-flight switch
// protocol.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	t, ok := m.terminals[id]
	delete(m.terminals, id)
	m.mu.Unlock()

	if !ok {
		return kerrors.TerminalNotFound(id)
	}

	if err := m.snapshots.Remove(id); err != nil {
		m.log.Warn(
			"snapshot removal failed",
			slog.String("component", "harness"),
			slog.String("event.type", "terminal.destroy.snapshot_error"),
			slog.String("terminal.id", id),
			slog.String("error", err.Error()),
		)
	}

	t.mu.Lock()
	t.lastNotifiedReset = ""
	t.lastSeenToken = ""
	proc := t.proc
	t.mu.Unlock()

	proc.Kill()

	m.log.Info(
		"terminal destroyed",
		slog.String("component", "harness"),
		slog.String("event.type", "terminal.destroy"),
		slog.String("terminal.id", id),
	)

	if m.onClosed != nil {
		m.onClosed(id)
	}

	return nil
}

// Detach persists a final snapshot, kills the process, and removes the
// registry entry, keeping the dated record so the session can be
// restored later. Destroy is the variant that erases the record.
func (m *Manager) Detach(id string) error {
	m.mu.Lock()
	t, ok := m.terminals[id]
	delete(m.terminals, id)
	m.mu.Unlock()

	if !ok {
		return kerrors.TerminalNotFound(id)
	}

	m.persist(t)

	t.mu.Lock()
	proc := t.proc
	t.mu.Unlock()

	proc.Kill()

	m.log.Info(
		"terminal detached",
		slog.String("component", "harness"),
		slog.String("event.type", "terminal.detach"),
		slog.String("terminal.id", id),
	)

	if m.onClosed != nil {
		m.onClosed(id)
	}

	return nil
}

// ActiveTerminalIDs returns the sorted ids of live terminals.
func (m *Manager) ActiveTerminalIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// IsAgentMode reports whether the terminal is running the agent CLI.
func (m *Manager) IsAgentMode(id string) (bool, error) {
	t := m.get(id)
	if t == nil {
		return false, kerrors.TerminalNotFound(id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.agentMode, nil
}

// SessionCorrelationID returns the agent conversation id captured for
// the terminal, or empty if none has been observed yet.
func (m *Manager) SessionCorrelationID(id string) (string, error) {
	t := m.get(id)
	if t == nil {
		return "", kerrors.TerminalNotFound(id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.sessionID, nil
}

// Title returns a terminal's display label.
func (m *Manager) Title(id string) (string, error) {
	t := m.get(id)
	if t == nil {
		return "", kerrors.TerminalNotFound(id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.title, nil
}

func (m *Manager) get(id string) *Terminal {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.terminals[id]
}

// handleExit evicts the exiting terminal. The registry entry is removed
// only when it still points at this terminal: the loser of a concurrent
// Create race is killed after the winner registered, and its exit must
// not take the winner's live entry with it.
func (m *Manager) handleExit(t *Terminal) {
	id := t.id

	m.mu.Lock()
	ours := m.terminals[id] == t
	if ours {
		delete(m.terminals, id)
	}
	m.mu.Unlock()

	if !ours {
		return
	}

	// The dated snapshot record is kept so the session can still be
	// restored later; only an explicit Destroy removes it.
	m.log.Info(
		"terminal process exited",
		slog.String("component", "harness"),
		slog.String("event.type", "terminal.exit"),
		slog.String("terminal.id", id),
	)

	if m.onClosed != nil {
		m.onClosed(id)
	}
}

// handleOutput runs inline in the terminal's reader goroutine, so
// chunks for one terminal are classified in arrival order and one
// terminal's handling never blocks another's.
func (m *Manager) handleOutput(t *Terminal, chunk []byte) {
	t.mu.Lock()

	buffer := t.appendOutputLocked(chunk)
	text := string(chunk)

	// Session id: first match wins; the agent echoes session-like
	// tokens freely and later matches must not overwrite the binding.
	if t.sessionID == "" {
		if sid, ok := scan.SessionID(text, buffer); ok {
			t.sessionID = sid
			t.mu.Unlock()
			m.notifier.SessionCaptured(t.id, sid)
			m.log.Info(
				"session id captured",
				slog.String("component", "harness"),
				slog.String("event.type", "session.captured"),
				slog.String("terminal.id", t.id),
				slog.String("session.id", sid),
			)
			t.mu.Lock()
		}
	}

	if hit, ok := scan.RateLimit(text); ok && hit.ResetString != t.lastNotifiedReset {
		t.lastNotifiedReset = hit.ResetString
		boundProfile := t.profileID
		t.mu.Unlock()
		m.handleRateLimit(t, boundProfile, hit)
		t.mu.Lock()
	}

	if tok, ok := scan.OAuthToken(text, buffer); ok && tok != t.lastSeenToken {
		t.lastSeenToken = tok
		t.mu.Unlock()
		m.handleToken(t.id, tok, buffer)
		t.mu.Lock()
	}

	t.mu.Unlock()

	if m.onOutput != nil {
		m.onOutput(t.id, chunk)
	}
}

// handleRateLimit records the event, proposes an alternate profile, and
// either runs the switch protocol or surfaces the candidate. Called
// with t.mu released.
func (m *Manager) handleRateLimit(t *Terminal, boundProfile string, hit scan.RateLimitHit) {
	if boundProfile == "" {
		boundProfile = profile.DefaultProfileID
	}

	ev, err := m.profiles.RecordRateLimit(boundProfile, hit.Type, hit.ResetString)
	if err != nil {
		// Dangling back-reference; the synthetic default always exists.
		boundProfile = profile.DefaultProfileID
		ev, err = m.profiles.RecordRateLimit(boundProfile, hit.Type, hit.ResetString)
	}
	if err != nil {
		m.log.Warn(
			"rate-limit event not recorded",
			slog.String("component", "harness"),
			slog.String("event.type", "ratelimit.record_error"),
			slog.String("terminal.id", t.id),
			slog.String("error", err.Error()),
		)

		return
	}

	var alternate *profile.Profile
	if alt, ok := m.profiles.BestAvailable(boundProfile); ok {
		alternate = &alt
	}

	autoSwitching := m.autoSwitch.Enabled && m.autoSwitch.OnRateLimit && alternate != nil

	m.log.Warn(
		"rate limit detected",
		slog.String("component", "harness"),
		slog.String("event.type", "ratelimit.detected"),
		slog.String("terminal.id", t.id),
		slog.String("ratelimit.type", string(ev.Type)),
		slog.String("ratelimit.reset", ev.ResetString),
		slog.Bool("ratelimit.auto_switch", autoSwitching),
	)

	m.notifier.RateLimited(t.id, ev, alternate, autoSwitching)

	if autoSwitching {
		// The switch protocol sleeps between steps; never run it on
		// the terminal's reader goroutine.
		go func() {
			if err := m.SwitchProfile(context.Background(), t.id, alternate.ID); err != nil {
				m.log.Warn(
					"automatic profile switch failed",
					slog.String("component", "harness"),
					slog.String("event.type", "switch.auto_failed"),
					slog.String("terminal.id", t.id),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// handleToken attributes a captured OAuth token. Terminals spawned by a
// profile-setup flow encode the target profile in their id; tokens seen
// anywhere else are reported but never auto-saved.
func (m *Manager) handleToken(terminalID, token, buffer string) {
	if !strings.HasPrefix(terminalID, ProfileSetupPrefix) {
		m.notifier.TokenCaptured(terminalID, "", "", false, nil)

		return
	}

	profileID := strings.TrimPrefix(terminalID, ProfileSetupPrefix)

	email, _ := scan.Email(buffer)

	err := m.profiles.SetToken(profileID, token)
	if err == nil && email != "" {
		if emailErr := m.profiles.SetEmail(profileID, email); emailErr != nil {
			m.log.Warn(
				"email not recorded",
				slog.String("component", "harness"),
				slog.String("event.type", "token.email_error"),
				slog.String("profile.id", profileID),
				slog.String("error", emailErr.Error()),
			)
		}
	}

	m.notifier.TokenCaptured(terminalID, profileID, email, err == nil, err)

	if err != nil {
		m.log.Warn(
			"captured token not saved",
			slog.String("component", "harness"),
			slog.String("event.type", "token.save_error"),
			slog.String("profile.id", profileID),
			slog.String("error", err.Error()),
		)

		return
	}

	m.log.Info(
		"token captured and saved",
		slog.String("component", "harness"),
		slog.String("event.type", "token.captured"),
		slog.String("profile.id", profileID),
	)
}

// appendOutputLocked grows the rolling buffer and returns its current
// text. Caller holds t.mu.
func (t *Terminal) appendOutputLocked(chunk []byte) string {
	t.outBuf = append(t.outBuf, chunk...)

	if len(t.outBuf) > rollingBufferCap {
		trimmed := make([]byte, rollingBufferCap)
		copy(trimmed, t.outBuf[len(t.outBuf)-rollingBufferCap:])
		t.outBuf = trimmed
	}

	return string(t.outBuf)
}

// bufferTail returns the last n bytes of the rolling buffer.
func (t *Terminal) bufferTail(n int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.outBuf) <= n {
		return string(t.outBuf)
	}

	return string(t.outBuf[len(t.outBuf)-n:])
}
