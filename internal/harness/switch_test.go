package harness

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kennel-dev/kennel/internal/config"
	kerrors "github.com/kennel-dev/kennel/internal/errors"
	"github.com/kennel-dev/kennel/internal/profile"
)

func TestSwitchProfileProtocol(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})

	if _, err := f.profs.Create("work"); err != nil {
		t.Fatal(err)
	}

	if err := f.profs.SetToken("work", "sk-ant-oat01-worktoken"); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, f, "t1", "/proj")

	if err := f.manager.InvokeAgent(context.Background(), "t1", ""); err != nil {
		t.Fatal(err)
	}

	if err := f.manager.SwitchProfile(context.Background(), "t1", "work"); err != nil {
		t.Fatalf("SwitchProfile() error = %v", err)
	}

	proc := f.proc(0)
	proc.mu.Lock()
	writes := append([]string(nil), proc.writes...)
	proc.mu.Unlock()

	// launch, interrupt signal, graceful exit, re-invoke.
	if len(writes) != 4 {
		t.Fatalf("writes = %q, want 4 entries", writes)
	}

	if writes[1] != "\x1b" {
		t.Errorf("interrupt signal = %q, want ESC", writes[1])
	}

	if writes[2] != "/exit\r" {
		t.Errorf("graceful exit = %q", writes[2])
	}

	if !strings.Contains(writes[3], "export CLAUDE_CODE_OAUTH_TOKEN='sk-ant-oat01-worktoken'") {
		t.Errorf("re-invoke = %q, want token injection for work", writes[3])
	}

	if f.profs.Active().ID != "work" {
		t.Errorf("active profile = %q, want work", f.profs.Active().ID)
	}

	agentMode, err := f.manager.IsAgentMode("t1")
	if err != nil || !agentMode {
		t.Errorf("IsAgentMode() = %v, %v after switch", agentMode, err)
	}
}

func TestSwitchUnknownProfile(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})
	mustCreate(t, f, "t1", "/proj")

	err := f.manager.SwitchProfile(context.Background(), "t1", "ghost")

	var cliErr *kerrors.CLIError
	if !kerrors.As(err, &cliErr) || cliErr.Code != kerrors.ExitProfile {
		t.Errorf("SwitchProfile(ghost) error = %v, want profile CLIError", err)
	}
}

func TestSwitchClearsRateLimitDedup(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})

	if _, err := f.profs.Create("work"); err != nil {
		t.Fatal(err)
	}

	if err := f.profs.SetToken("work", "sk-ant-oat01-worktoken"); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, f, "t1", "/proj")

	if err := f.manager.InvokeAgent(context.Background(), "t1", ""); err != nil {
		t.Fatal(err)
	}

	phrase := "Weekly limit reached ∙ resets Dec 17 at 6am\r\n"
	f.feed(0, phrase)
	f.feed(0, phrase)

	if got := f.notes.rateLimitCount(); got != 1 {
		t.Fatalf("RateLimited fired %d times before switch, want 1", got)
	}

	if err := f.manager.SwitchProfile(context.Background(), "t1", "work"); err != nil {
		t.Fatal(err)
	}

	// The new profile has a clean slate; the same reset string is
	// notifiable again.
	f.feed(0, phrase)

	if got := f.notes.rateLimitCount(); got != 2 {
		t.Errorf("RateLimited fired %d times after switch, want 2", got)
	}
}

func TestDestroyWinsOverInFlightSwitch(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{})

	if _, err := f.profs.Create("work"); err != nil {
		t.Fatal(err)
	}

	if err := f.profs.SetToken("work", "sk-ant-oat01-worktoken"); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, f, "t1", "/proj")

	if err := f.manager.InvokeAgent(context.Background(), "t1", ""); err != nil {
		t.Fatal(err)
	}

	// Destroy the terminal during the first settle delay of the
	// interrupt step.
	f.manager.sleep = func(time.Duration) {
		if err := f.manager.Destroy("t1"); err != nil {
			var cliErr *kerrors.CLIError
			if !kerrors.As(err, &cliErr) {
				t.Errorf("Destroy during switch error = %v", err)
			}
		}
	}

	if err := f.manager.SwitchProfile(context.Background(), "t1", "work"); err != nil {
		t.Fatalf("SwitchProfile() error = %v, want quiet abort", err)
	}

	if len(f.manager.ActiveTerminalIDs()) != 0 {
		t.Error("registry should have no entry for a destroyed terminal")
	}

	if strings.Contains(f.proc(0).written(), "export") {
		t.Error("no re-invoke command should reach a destroyed terminal")
	}

	if f.profs.Active().ID != profile.DefaultProfileID {
		t.Errorf("active profile = %q, want unchanged default", f.profs.Active().ID)
	}
}

func TestAutoSwitchOnRateLimit(t *testing.T) {
	f := newFixture(t, config.AutoSwitchSettings{
		Enabled:     true,
		OnRateLimit: true,
	})

	if _, err := f.profs.Create("work"); err != nil {
		t.Fatal(err)
	}

	if err := f.profs.SetToken("work", "sk-ant-oat01-worktoken"); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, f, "t1", "/proj")

	if err := f.manager.InvokeAgent(context.Background(), "t1", "work"); err != nil {
		t.Fatal(err)
	}

	f.feed(0, "5-hour limit reached ∙ resets 6pm\r\n")

	f.notes.mu.Lock()
	note := f.notes.rateLimits[0]
	f.notes.mu.Unlock()

	if !note.auto || note.alternateID != profile.DefaultProfileID {
		t.Errorf("note = %+v, want auto switch to default", note)
	}

	// The switch protocol runs off the reader goroutine; wait for its
	// final step.
	waitFor(t, func() bool {
		return f.profs.Active().ID == profile.DefaultProfileID
	}, "auto switch never completed")

	waitFor(t, func() bool {
		return strings.HasSuffix(f.proc(0).written(), "claude\r")
	}, "agent never re-invoked on the default profile")
}
