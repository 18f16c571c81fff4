package notify

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestNewWiresDesktopBackend(t *testing.T) {
	if New(true, nil).send == nil {
		t.Fatal("New() left send unset")
	}
}

func TestNotifyDisabledIsNoop(t *testing.T) {
	n := New(false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.send = func(string, string, any) error {
		t.Error("send should not be called when disabled")
		return nil
	}

	n.Notify("Rate limit", "weekly limit reached")
}

func TestNotifySwallowsErrors(t *testing.T) {
	n := New(true, slog.New(slog.NewTextHandler(io.Discard, nil)))

	called := false
	n.send = func(title, message string, _ any) error {
		called = true

		if title != "Rate limit" {
			t.Errorf("title = %q", title)
		}

		return errors.New("no notification daemon")
	}

	n.Notify("Rate limit", "weekly limit reached")

	if !called {
		t.Error("send was not called")
	}
}
