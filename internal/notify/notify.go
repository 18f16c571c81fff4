// Package notify sends best-effort desktop notifications.
package notify

import (
	"log/slog"

	"github.com/gen2brain/beeep"
)

// Notifier posts desktop notifications when enabled. Delivery failures
// are logged and swallowed; notifications are never load-bearing.
type Notifier struct {
	enabled bool
	log     *slog.Logger

	// Injectable for tests. Matches beeep.Notify's signature.
	send func(title, message string, icon any) error
}

// New creates a Notifier. When enabled is false every call is a no-op.
func New(enabled bool, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{
		enabled: enabled,
		log:     logger,
		send:    beeep.Notify,
	}
}

// Notify posts one notification.
func (n *Notifier) Notify(title, message string) {
	if !n.enabled {
		return
	}

	if err := n.send(title, message, ""); err != nil {
		n.log.Debug(
			"desktop notification failed",
			slog.String("component", "notify"),
			slog.String("event.type", "notify.error"),
			slog.String("notify.title", title),
			slog.String("error", err.Error()),
		)
	}
}
