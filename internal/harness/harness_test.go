package harness

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/kennel-dev/kennel/internal/agent"
	"github.com/kennel-dev/kennel/internal/config"
	kerrors "github.com/kennel-dev/kennel/internal/errors"
	"github.com/kennel-dev/kennel/internal/profile"
	"github.com/kennel-dev/kennel/internal/pty"
	"github.com/kennel-dev/kennel/internal/snapshot"
)

type fakeProc struct {
	mu     sync.Mutex
	writes []string
	alive  bool
	kills  int
}

func (p *fakeProc) Write(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writes = append(p.writes, string(b))
}

func (p *fakeProc) Resize(int, int) {}

func (p *fakeProc) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.kills++
	p.alive = false
}

func (p *fakeProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.alive
}

func (p *fakeProc) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return strings.Join(p.writes, "")
}

type spawned struct {
	opts pty.SpawnOptions
	proc *fakeProc
}

type rateLimitNote struct {
	terminalID  string
	event       profile.RateLimitEvent
	alternateID string
	auto        bool
}

type tokenNote struct {
	terminalID string
	profileID  string
	email      string
	saved      bool
	err        error
}

type fakeNotifier struct {
	mu         sync.Mutex
	sessions   []string
	rateLimits []rateLimitNote
	tokens     []tokenNote
	titles     []string
}

func (n *fakeNotifier) SessionCaptured(_, sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.sessions = append(n.sessions, sessionID)
}

func (n *fakeNotifier) RateLimited(terminalID string, ev profile.RateLimitEvent, alternate *profile.Profile, auto bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	note := rateLimitNote{terminalID: terminalID, event: ev, auto: auto}
	if alternate != nil {
		note.alternateID = alternate.ID
	}

	n.rateLimits = append(n.rateLimits, note)
}

func (n *fakeNotifier) TokenCaptured(terminalID, profileID, email string, saved bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.tokens = append(n.tokens, tokenNote{terminalID, profileID, email, saved, err})
}

func (n *fakeNotifier) TitleChanged(_, title string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.titles = append(n.titles, title)
}

func (n *fakeNotifier) rateLimitCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.rateLimits)
}

type fixture struct {
	mu      sync.Mutex
	spawns  []spawned
	notes   *fakeNotifier
	profs   *profile.Store
	snaps   *snapshot.Store
	manager *Manager
}

func (f *fixture) spawn(opts pty.SpawnOptions) (Process, error) {
	proc := &fakeProc{alive: true}

	f.mu.Lock()
	f.spawns = append(f.spawns, spawned{opts: opts, proc: proc})
	f.mu.Unlock()

	return proc, nil
}

func (f *fixture) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.spawns)
}

func (f *fixture) proc(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.spawns[i].proc
}

// feed delivers output to the i-th spawned process as if the agent
// printed it.
func (f *fixture) feed(i int, text string) {
	f.mu.Lock()
	onData := f.spawns[i].opts.OnData
	f.mu.Unlock()

	onData([]byte(text))
}

func newFixture(t *testing.T, autoSwitch config.AutoSwitchSettings) *fixture {
	t.Helper()

	keyring.MockInit()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	profs, err := profile.Open(filepath.Join(t.TempDir(), "profiles.toml"), logger)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		notes: &fakeNotifier{},
		profs: profs,
		snaps: snapshot.NewStore(t.TempDir(), logger),
	}

	f.manager = NewManager(Options{
		Spawn:      f.spawn,
		Profiles:   profs,
		Snapshots:  f.snaps,
		Provider:   agent.MustGetProvider("claude"),
		Notifier:   f.notes,
		AutoSwitch: autoSwitch,
		Shell:      "/bin/sh",
		Logger:     logger,
	})
	f.manager.sleep = func(time.Duration) {}

	return f
}

func mustCreate(t *testing.T, f *fixture, id, cwd string) {
	t.Helper()

	if err := f.manager.Create(context.Background(), id, cwd, cwd, 80, 24); err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal(msg)
}

func TestCreateIsIdempotent(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})

	mustCreate(t, f, "t1", "/proj")
	mustCreate(t, f, "t1", "/proj")

	if got := f.spawnCount(); got != 1 {
		t.Errorf("spawn count = %d, want 1", got)
	}

	ids := f.manager.ActiveTerminalIDs()
	if len(ids) != 1 || ids[0] != "t1" {
		t.Errorf("ActiveTerminalIDs() = %v", ids)
	}
}

func TestUnknownTerminalOperations(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})

	var cliErr *kerrors.CLIError

	if err := f.manager.Write("ghost", []byte("x")); !kerrors.As(err, &cliErr) {
		t.Errorf("Write(ghost) error = %v, want CLIError", err)
	}

	if err := f.manager.Resize("ghost", 80, 24); !kerrors.As(err, &cliErr) {
		t.Errorf("Resize(ghost) error = %v, want CLIError", err)
	}

	if err := f.manager.Destroy("ghost"); !kerrors.As(err, &cliErr) {
		t.Errorf("Destroy(ghost) error = %v, want CLIError", err)
	}

	if err := f.manager.InvokeAgent(context.Background(), "ghost", ""); !kerrors.As(err, &cliErr) {
		t.Errorf("InvokeAgent(ghost) error = %v, want CLIError", err)
	}
}

func TestInvokeAgentDefaultProfile(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})
	mustCreate(t, f, "t1", "/proj")

	if err := f.manager.InvokeAgent(context.Background(), "t1", ""); err != nil {
		t.Fatalf("InvokeAgent() error = %v", err)
	}

	got := f.proc(0).written()
	if got != "claude\r" {
		t.Errorf("written = %q, want plain launch", got)
	}

	agentMode, err := f.manager.IsAgentMode("t1")
	if err != nil || !agentMode {
		t.Errorf("IsAgentMode() = %v, %v", agentMode, err)
	}

	def, _ := f.profs.Get(profile.DefaultProfileID)
	if def.LastUsedAt.IsZero() {
		t.Error("default profile should be marked used")
	}
}

func TestInvokeAgentInjectsTokenJustInTime(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})

	if _, err := f.profs.Create("work"); err != nil {
		t.Fatal(err)
	}

	if err := f.profs.SetToken("work", "sk-ant-oat01-worktoken"); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, f, "t1", "/proj")

	if err := f.manager.InvokeAgent(context.Background(), "t1", "work"); err != nil {
		t.Fatalf("InvokeAgent() error = %v", err)
	}

	got := f.proc(0).written()
	want := " export CLAUDE_CODE_OAUTH_TOKEN='sk-ant-oat01-worktoken'; claude; unset CLAUDE_CODE_OAUTH_TOKEN\r"
	if got != want {
		t.Errorf("written = %q, want %q", got, want)
	}
}

func TestInvokeAgentConfigDirFallback(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})

	if _, err := f.profs.Create("alt"); err != nil {
		t.Fatal(err)
	}

	if err := f.profs.SetConfigDir("alt", "/home/dev/.claude-alt"); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, f, "t1", "/proj")

	if err := f.manager.InvokeAgent(context.Background(), "t1", "alt"); err != nil {
		t.Fatalf("InvokeAgent() error = %v", err)
	}

	got := f.proc(0).written()
	if !strings.Contains(got, "export CLAUDE_CONFIG_DIR='/home/dev/.claude-alt'; claude; unset CLAUDE_CONFIG_DIR") {
		t.Errorf("written = %q, want config-dir injection", got)
	}
}

func TestInvokeAgentWithoutCredentialsFails(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})

	if _, err := f.profs.Create("bare"); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, f, "t1", "/proj")

	err := f.manager.InvokeAgent(context.Background(), "t1", "bare")

	var cliErr *kerrors.CLIError
	if !kerrors.As(err, &cliErr) || cliErr.Code != kerrors.ExitProfile {
		t.Fatalf("InvokeAgent(bare) error = %v, want profile CLIError", err)
	}

	if got := f.proc(0).written(); got != "" {
		t.Errorf("nothing should be written on credential failure, got %q", got)
	}
}

func TestSessionIDFirstMatchWins(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})
	mustCreate(t, f, "t1", "/proj")

	f.feed(0, "Session ID: 3f9a2b1c-4d5e-6f70-8a9b-0c1d2e3f4a5b\r\n")
	f.feed(0, "Session ID: deadbeef-dead-beef-dead-beefdeadbeef\r\n")

	sid, err := f.manager.SessionCorrelationID("t1")
	if err != nil {
		t.Fatal(err)
	}

	if sid != "3f9a2b1c-4d5e-6f70-8a9b-0c1d2e3f4a5b" {
		t.Errorf("session id = %q, want the first match frozen", sid)
	}

	f.notes.mu.Lock()
	defer f.notes.mu.Unlock()

	if len(f.notes.sessions) != 1 {
		t.Errorf("SessionCaptured fired %d times, want 1", len(f.notes.sessions))
	}
}

func TestRateLimitNotifiedOncePerResetString(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})
	mustCreate(t, f, "t1", "/proj")

	if err := f.manager.InvokeAgent(context.Background(), "t1", ""); err != nil {
		t.Fatal(err)
	}

	phrase := "Weekly limit reached ∙ resets Dec 17 at 6am\r\n"
	f.feed(0, phrase)
	f.feed(0, phrase)
	f.feed(0, "still limited: "+phrase)

	if got := f.notes.rateLimitCount(); got != 1 {
		t.Fatalf("RateLimited fired %d times, want 1", got)
	}

	f.notes.mu.Lock()
	note := f.notes.rateLimits[0]
	f.notes.mu.Unlock()

	if note.event.Type != "weekly" {
		t.Errorf("event type = %q, want weekly", note.event.Type)
	}

	if note.event.ResetString != "Dec 17 at 6am" {
		t.Errorf("reset string = %q", note.event.ResetString)
	}

	// Only the default profile exists and it is the bound one, so no
	// alternate can be suggested.
	if note.alternateID != "" || note.auto {
		t.Errorf("note = %+v, want no alternate and no auto switch", note)
	}

	def, _ := f.profs.Get(profile.DefaultProfileID)
	if len(def.RateLimits) != 1 || def.RateLimits[0].ResetString != "Dec 17 at 6am" {
		t.Errorf("recorded history = %+v, want exactly one entry", def.RateLimits)
	}
}

func TestTokenCapturedInProfileSetupFlow(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})

	if _, err := f.profs.Create("work"); err != nil {
		t.Fatal(err)
	}

	id, err := f.manager.StartProfileSetup(context.Background(), "work", 80, 24)
	if err != nil {
		t.Fatalf("StartProfileSetup() error = %v", err)
	}

	if id != "profile-setup-work" {
		t.Errorf("terminal id = %q", id)
	}

	if got := f.proc(0).written(); got != "claude setup-token\r" {
		t.Errorf("written = %q, want setup-token invocation", got)
	}

	f.feed(0, "Logged in as dev@example.com\r\n")
	f.feed(0, "Your token: sk-ant-REDACTED\r\n")

	tok, err := f.profs.Token("work")
	if err != nil {
		t.Fatalf("Token(work) error = %v", err)
	}

	if tok != "sk-ant-REDACTED" {
		t.Errorf("stored token = %q", tok)
	}

	work, _ := f.profs.Get("work")
	if work.Email != "dev@example.com" {
		t.Errorf("stored email = %q", work.Email)
	}

	f.notes.mu.Lock()
	defer f.notes.mu.Unlock()

	if len(f.notes.tokens) != 1 {
		t.Fatalf("TokenCaptured fired %d times, want 1", len(f.notes.tokens))
	}

	note := f.notes.tokens[0]
	if !note.saved || note.profileID != "work" || note.err != nil {
		t.Errorf("token note = %+v", note)
	}
}

func TestTokenOutsideSetupFlowIsReportedNotSaved(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})
	mustCreate(t, f, "t1", "/proj")

	f.feed(0, "stray token sk-ant-REDACTED\r\n")

	f.notes.mu.Lock()
	defer f.notes.mu.Unlock()

	if len(f.notes.tokens) != 1 {
		t.Fatalf("TokenCaptured fired %d times, want 1", len(f.notes.tokens))
	}

	if f.notes.tokens[0].saved || f.notes.tokens[0].profileID != "" {
		t.Errorf("token note = %+v, want unsaved", f.notes.tokens[0])
	}
}

func TestDestroyRemovesEntryAndKillsProcess(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})
	mustCreate(t, f, "t1", "/proj")

	if err := f.manager.Destroy("t1"); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	if len(f.manager.ActiveTerminalIDs()) != 0 {
		t.Error("registry should be empty after destroy")
	}

	if f.proc(0).kills != 1 {
		t.Errorf("kills = %d, want 1", f.proc(0).kills)
	}
}

// exitOnKillProc mimics a real pty handle: killing it fires the exit
// callback it was spawned with.
type exitOnKillProc struct {
	fakeProc
	onExit func(error)
}

func (p *exitOnKillProc) Kill() {
	p.fakeProc.Kill()

	if p.onExit != nil {
		p.onExit(nil)
	}
}

func TestCreateRaceLoserExitKeepsWinner(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})

	// The first spawn call simulates losing the create race: a second
	// Create for the same id completes before the first one registers,
	// so the first process is killed by the idempotency double-check.
	// Its exit must not evict the winner's registry entry.
	first := true
	f.manager.spawn = func(opts pty.SpawnOptions) (Process, error) {
		if first {
			first = false

			if err := f.manager.Create(context.Background(), "t1", "/proj", "/proj", 80, 24); err != nil {
				t.Errorf("nested Create() error = %v", err)
			}

			return &exitOnKillProc{fakeProc: fakeProc{alive: true}, onExit: opts.OnExit}, nil
		}

		return f.spawn(opts)
	}

	if err := f.manager.Create(context.Background(), "t1", "/proj", "/proj", 80, 24); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ids := f.manager.ActiveTerminalIDs()
	if len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("ActiveTerminalIDs() = %v, want [t1]", ids)
	}
}

func TestDetachKeepsRecordRestorable(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})
	mustCreate(t, f, "t1", "/proj")

	if err := f.manager.Detach("t1"); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}

	if len(f.manager.ActiveTerminalIDs()) != 0 {
		t.Error("registry should be empty after detach")
	}

	if f.proc(0).kills != 1 {
		t.Errorf("kills = %d, want 1", f.proc(0).kills)
	}

	recs, err := f.manager.SessionsForDate(time.Now().UTC().Format(snapshot.DateLayout), "")
	if err != nil {
		t.Fatal(err)
	}

	if len(recs) != 1 || recs[0].ID != "t1" {
		t.Errorf("records after detach = %+v, want the detached terminal kept", recs)
	}
}

func TestProcessExitRemovesRegistryEntry(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})
	mustCreate(t, f, "t1", "/proj")

	f.mu.Lock()
	onExit := f.spawns[0].opts.OnExit
	f.mu.Unlock()

	onExit(nil)

	if len(f.manager.ActiveTerminalIDs()) != 0 {
		t.Error("registry should be empty after process exit")
	}
}
