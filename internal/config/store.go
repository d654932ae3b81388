package config

import (
	"errors"
	"sync/atomic"
)

// Store publishes the live configuration. Readers take the current pointer
// once and keep using it; Reload swaps in a freshly parsed value so a reader
// never observes a half-updated configuration.
type Store struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewStore creates a store seeded with cfg. path is used by Reload and may
// be empty when the store is fed through Replace only.
func NewStore(path string, cfg *Config) *Store {
	if cfg == nil {
		cfg = Default()
	}
	s := &Store{path: path}
	s.cur.Store(cfg)
	return s
}

// Load parses the file at path and returns a store holding it.
func Load(path string) (*Store, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	return NewStore(path, cfg), nil
}

// Current returns the configuration in effect right now.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Path returns the file the store reloads from.
func (s *Store) Path() string {
	return s.path
}

// Replace installs cfg and returns the previous value.
func (s *Store) Replace(cfg *Config) *Config {
	return s.cur.Swap(cfg)
}

// Reload re-reads the config file and installs it. On error the current
// value is left untouched.
func (s *Store) Reload() (old, cur *Config, err error) {
	if s.path == "" {
		return nil, nil, errors.New("config store has no file path")
	}
	cfg, err := Parse(s.path)
	if err != nil {
		return nil, nil, err
	}
	return s.Replace(cfg), cfg, nil
}
