// Package notify is the fire-and-forget user feedback sink. The rest of
// the system treats it as a side effect and never depends on its result.
package notify

import "github.com/rs/zerolog"

// Severity of a user-visible notification.
type Severity string

const (
	Success Severity = "success"
	Warning Severity = "warning"
	Failure Severity = "failure"
)

// Notifier delivers user-visible feedback.
type Notifier interface {
	Notify(severity Severity, title, message string)
}

// LogNotifier writes notifications to the log. It is the default sink when
// no richer frontend is attached.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n *LogNotifier) Notify(severity Severity, title, message string) {
	ev := n.Log.Info()
	if severity == Failure {
		ev = n.Log.Error()
	} else if severity == Warning {
		ev = n.Log.Warn()
	}
	ev.Str("title", title).Msg(message)
}

// Discard drops every notification. Used in tests.
type Discard struct{}

func (Discard) Notify(Severity, string, string) {}
