package config

import (
	"errors"
	"sync"
)

// Store holds the active configuration. Readers take the lock only for as
// long as the callback passed to With runs.
type Store struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

func NewStore(cfg *Config) (*Store, error) {
	s := &Store{}
	if cfg == nil {
		return s, nil
	}
	if err := s.Replace(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenStore loads path and keeps it for Reload.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Replace(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if err := cfg.Compile(); err != nil {
		return err
	}
	if cfg.Revision == "" {
		cfg.Revision = newRevision()
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Store) Reload() error {
	if s.path == "" {
		return errors.New("store has no config path")
	}
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.Replace(cfg)
}

// With runs fn against the current configuration under a read lock. fn must
// copy out what it needs; references into cfg must not outlive the call.
// The boolean is false when no configuration is loaded.
func With[T any](s *Store, fn func(cfg *Config) T) (T, bool) {
	var zero T
	if s == nil {
		return zero, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return zero, false
	}
	return fn(s.cfg), true
}
