// Package notify defines the user-notification sink. Components that
// need to surface something to the user (a permanently failed sync
// action, a stream error) receive a Notifier at construction instead of
// reaching for process-wide state; the UI layer provides the real
// implementation.
package notify

import (
	"log/slog"
)

// Level classifies a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier receives user-facing notifications.
type Notifier interface {
	Notify(level Level, message string)
}

// Slog is a Notifier that writes notifications to a structured logger.
// Used by headless binaries and as the default sink.
type Slog struct {
	Logger *slog.Logger
}

// Notify logs the notification at a level matching its severity.
func (n *Slog) Notify(level Level, message string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch level {
	case LevelError:
		logger.Error(message, "notification", true)
	case LevelWarning:
		logger.Warn(message, "notification", true)
	default:
		logger.Info(message, "notification", true)
	}
}

// Noop discards all notifications.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(Level, string) {}
