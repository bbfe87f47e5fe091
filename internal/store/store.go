// Package store is the process-local persisted key/value store. Each key
// is one JSON file in the platform config directory, written atomically.
package store

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Persisted keys. All three are deleted together by any clear-cache
// operation.
const (
	KeyHubCache = "harmony_hub_cache"
	KeySession  = "harmony_session"
	KeyGeneral  = "harmony_cache"
)

// AllKeys lists every persisted key, in deletion order.
var AllKeys = []string{KeyHubCache, KeySession, KeyGeneral}

type Store struct {
	mu  sync.Mutex
	dir string
}

// New opens the store rooted at the platform config directory.
func New() (*Store, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// NewAt opens the store rooted at an explicit directory.
func NewAt(dir string) *Store {
	return &Store{dir: dir}
}

// Get loads the value for key. The second return is false when the key is
// absent.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set writes the value for key atomically (tmp file + rename).
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	p := s.path(key)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeleteAll removes every key in keys, returning the first failure after
// attempting all of them.
func (s *Store) DeleteAll(keys ...string) error {
	var firstErr error
	for _, k := range keys {
		if err := s.Delete(k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) path(key string) string {
	// Keys are fixed constants, but sanitize anyway so a bad key cannot
	// escape the store directory.
	safe := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, safe+".json")
}

func configDir() (string, error) {
	var dir string
	switch runtime.GOOS {
	case "windows":
		dir = os.Getenv("APPDATA")
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, "Library", "Application Support")
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "harmonyctl"), nil
}
