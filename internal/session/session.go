// Package session tracks the single authentication session that gates
// privileged hub operations.
package session

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadrwalters/harmonyctl/internal/harmony"
	"github.com/chadrwalters/harmonyctl/internal/notify"
	"github.com/chadrwalters/harmonyctl/internal/store"
)

const (
	DefaultTTL                 = 24 * time.Hour
	DefaultInactivityThreshold = 30 * time.Minute
)

type Manager struct {
	store    *store.Store
	notifier notify.Notifier
	log      zerolog.Logger

	// TTL and InactivityThreshold default to the production values; tests
	// shrink them.
	TTL                 time.Duration
	InactivityThreshold time.Duration

	// now is the clock, swappable in tests.
	now func() time.Time
}

func NewManager(s *store.Store, n notify.Notifier, log zerolog.Logger) *Manager {
	return &Manager{
		store:               s,
		notifier:            n,
		log:                 log,
		TTL:                 DefaultTTL,
		InactivityThreshold: DefaultInactivityThreshold,
		now:                 time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Create persists a fresh session for token, overwriting any prior one.
func (m *Manager) Create(token string) (harmony.Session, error) {
	now := m.now()
	sess := harmony.Session{
		Token:          token,
		ExpiresAt:      now.Add(m.TTL),
		LastActivityAt: now,
	}
	if err := m.persist(sess); err != nil {
		return harmony.Session{}, err
	}
	m.log.Debug().Time("expiresAt", sess.ExpiresAt).Msg("session created")
	return sess, nil
}

// Get loads the persisted session. An absent, unparsable, expired, or
// inactive session yields (zero, false); expired and inactive sessions are
// deleted as a side effect. A successful read refreshes LastActivityAt.
func (m *Manager) Get() (harmony.Session, bool, error) {
	data, ok, err := m.store.Get(store.KeySession)
	if err != nil {
		return harmony.Session{}, false, &harmony.CacheError{Op: "read session", Err: err}
	}
	if !ok {
		return harmony.Session{}, false, nil
	}

	var sess harmony.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		m.log.Warn().Err(err).Msg("discarding unparsable session")
		_ = m.store.Delete(store.KeySession)
		return harmony.Session{}, false, nil
	}

	now := m.now()
	if now.After(sess.ExpiresAt) {
		m.log.Debug().Msg("session past absolute expiry, deleting")
		_ = m.store.Delete(store.KeySession)
		return harmony.Session{}, false, nil
	}
	if now.Sub(sess.LastActivityAt) > m.InactivityThreshold {
		m.log.Debug().Msg("session past inactivity threshold, deleting")
		_ = m.store.Delete(store.KeySession)
		return harmony.Session{}, false, nil
	}

	sess.LastActivityAt = now
	if err := m.persist(sess); err != nil {
		return harmony.Session{}, false, err
	}
	return sess, true, nil
}

// Clear deletes the persisted session unconditionally.
func (m *Manager) Clear() error {
	if err := m.store.Delete(store.KeySession); err != nil {
		return &harmony.CacheError{Op: "clear session", Err: err}
	}
	return nil
}

// Validate is the gate every privileged operation passes before
// proceeding. A failed gate only logs; the user-visible notification is
// the error dispatcher's, so one failure surfaces one message.
func (m *Manager) Validate() bool {
	_, ok, err := m.Get()
	if err != nil {
		m.log.Error().Err(err).Msg("session validation failed")
	}
	if !ok {
		m.log.Debug().Msg("session gate rejected")
		return false
	}
	return true
}

func (m *Manager) persist(sess harmony.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return &harmony.CacheError{Op: "encode session", Err: err}
	}
	if err := m.store.Set(store.KeySession, data); err != nil {
		return &harmony.CacheError{Op: "write session", Err: err}
	}
	return nil
}
