package hub

import (
	"github.com/rs/zerolog"

	"github.com/chadrwalters/harmonyctl/internal/harmony"
	"github.com/chadrwalters/harmonyctl/internal/notify"
	"github.com/chadrwalters/harmonyctl/internal/session"
)

// Dispatcher maps an error's taxonomy bucket to its recovery action and
// always surfaces a user-visible message. Network errors have already been
// retried by the time they reach here; authentication errors clear the
// session so the next operation forces a fresh connect.
type Dispatcher struct {
	sessions *session.Manager
	notifier notify.Notifier
	log      zerolog.Logger
}

func NewDispatcher(sessions *session.Manager, n notify.Notifier, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{sessions: sessions, notifier: n, log: log}
}

// Handle runs the recovery action for err. Returns the category it acted
// on so callers can react further (e.g. show an inline error).
func (d *Dispatcher) Handle(err error) harmony.ErrorCategory {
	category := harmony.Categorize(err)
	switch category {
	case harmony.CategoryNetwork:
		d.log.Error().Err(err).Msg("network failure")
		d.notifier.Notify(notify.Failure, "Connection problem", err.Error())
	case harmony.CategoryAuthentication:
		d.log.Warn().Err(err).Msg("session rejected")
		if clearErr := d.sessions.Clear(); clearErr != nil {
			d.log.Error().Err(clearErr).Msg("session clear failed")
		}
		d.notifier.Notify(notify.Warning, "Session expired", "Please reconnect to your hub")
	case harmony.CategoryValidation:
		d.log.Error().Err(err).Msg("malformed hub data")
		d.notifier.Notify(notify.Failure, "Invalid hub response", err.Error())
	case harmony.CategoryCache:
		d.log.Error().Err(err).Msg("persisted store failure")
		d.notifier.Notify(notify.Failure, "Storage problem", err.Error())
	default:
		d.log.Error().Err(err).Msg("unexpected failure")
		d.notifier.Notify(notify.Failure, "Something went wrong", err.Error())
	}
	return category
}
