package agent

import (
	"strings"
	"testing"
)

func TestClaudeProviderLoads(t *testing.T) {
	spec, ok := GetProvider("claude")
	if !ok {
		t.Fatal("claude provider should be embedded")
	}

	if spec.Binary != "claude" {
		t.Errorf("Binary = %q, want claude", spec.Binary)
	}

	if spec.Env == nil || spec.Env.TokenVar != "CLAUDE_CODE_OAUTH_TOKEN" {
		t.Error("claude provider should name the OAuth token env var")
	}

	if spec.Interrupt == nil || spec.Interrupt.ExitCommand != "/exit\r" {
		t.Error("claude provider should declare the graceful exit command")
	}

	if spec.Interrupt.SignalBytes != "\x1b" {
		t.Errorf("SignalBytes = %q, want ESC", spec.Interrupt.SignalBytes)
	}
}

func TestLaunchCommand(t *testing.T) {
	spec := MustGetProvider("claude")

	tests := []struct {
		name      string
		override  string
		sessionID string
		picker    bool
		want      string
	}{
		{
			name: "plain launch",
			want: "claude",
		},
		{
			name:      "resume with session id",
			sessionID: "abc123",
			want:      "claude --resume abc123",
		},
		{
			name:   "resume picker without id",
			picker: true,
			want:   "claude --resume",
		},
		{
			name:     "binary override",
			override: "/opt/fake/claude",
			want:     "/opt/fake/claude",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := spec.LaunchCommand(tt.override, tt.sessionID, tt.picker)
			if got != tt.want {
				t.Errorf("LaunchCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStaticEnvSortedPairs(t *testing.T) {
	spec := MustGetProvider("claude")

	pairs := spec.StaticEnv()
	if len(pairs) != 2 {
		t.Fatalf("StaticEnv() returned %d pairs, want 2", len(pairs))
	}

	joined := strings.Join(pairs, ";")
	if !strings.Contains(joined, "TERM=xterm-256color") || !strings.Contains(joined, "FORCE_COLOR=1") {
		t.Errorf("StaticEnv() = %v", pairs)
	}
}

func TestProviderNames(t *testing.T) {
	names := ProviderNames()
	if len(names) == 0 {
		t.Fatal("no embedded providers")
	}

	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("ProviderNames() not sorted: %v", names)
		}
	}
}
