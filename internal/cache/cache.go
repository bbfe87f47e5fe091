// Package cache persists the last-known hub configuration. Cached data is
// rebuildable from a live connection and is never consulted to decide
// whether a command may execute.
package cache

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadrwalters/harmonyctl/internal/harmony"
	"github.com/chadrwalters/harmonyctl/internal/store"
)

// DefaultMaxAge bounds how stale a cached hub record may be before Load
// treats it as absent.
const DefaultMaxAge = 24 * time.Hour

type Store struct {
	store *store.Store
	log   zerolog.Logger

	MaxAge time.Duration

	now func() time.Time
}

func New(s *store.Store, log zerolog.Logger) *Store {
	return &Store{store: s, log: log, MaxAge: DefaultMaxAge, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (c *Store) SetClock(now func() time.Time) { c.now = now }

// Save persists the hub configuration with the current timestamp.
func (c *Store) Save(hub harmony.Hub, activities []harmony.Activity, devices []harmony.Device) error {
	cached := harmony.CachedData{
		Hub:        hub,
		Activities: activities,
		Devices:    devices,
		Timestamp:  c.now(),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return &harmony.CacheError{Op: "encode hub cache", Err: err}
	}
	if err := c.store.Set(store.KeyHubCache, data); err != nil {
		return &harmony.CacheError{Op: "write hub cache", Err: err}
	}
	c.log.Debug().Str("hub", hub.FriendlyName).Int("activities", len(activities)).Int("devices", len(devices)).Msg("hub cache saved")
	return nil
}

// Load returns the cached configuration if present, parsable, and fresher
// than MaxAge. Stale or unparsable entries read as absent.
func (c *Store) Load() (harmony.CachedData, bool, error) {
	data, ok, err := c.store.Get(store.KeyHubCache)
	if err != nil {
		return harmony.CachedData{}, false, &harmony.CacheError{Op: "read hub cache", Err: err}
	}
	if !ok {
		return harmony.CachedData{}, false, nil
	}
	var cached harmony.CachedData
	if err := json.Unmarshal(data, &cached); err != nil {
		c.log.Warn().Err(err).Msg("discarding unparsable hub cache")
		return harmony.CachedData{}, false, nil
	}
	if c.now().Sub(cached.Timestamp) > c.MaxAge {
		c.log.Debug().Time("cachedAt", cached.Timestamp).Msg("hub cache stale")
		return harmony.CachedData{}, false, nil
	}
	return cached, true, nil
}

// ClearAll deletes every persisted key, session included. The deletion is
// all-or-nothing from the caller's view: every key is attempted and the
// first failure is reported after all attempts.
func (c *Store) ClearAll() error {
	if err := c.store.DeleteAll(store.AllKeys...); err != nil {
		return &harmony.CacheError{Op: "clear cache", Err: err}
	}
	return nil
}
