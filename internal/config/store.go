package config

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Store holds the live configuration snapshot consulted by the streaming core.
// Readers call Current at each decision point; writers replace the snapshot
// through Update so a reader never observes a half-applied change.
type Store struct {
	current atomic.Pointer[Config]
	mu      sync.Mutex // serializes writers
}

// NewStore creates a store holding cfg. A nil cfg means defaults.
func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = Default()
	}
	s := &Store{}
	s.current.Store(cfg.clone())
	return s
}

// Current returns the current snapshot. Callers must not mutate it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Update applies fn to a copy of the current snapshot and publishes it if valid.
func (s *Store) Update(fn func(*Config)) error {
	return s.Apply(func(c *Config) error {
		fn(c)
		return nil
	})
}

// Apply is like Update for a mutation that can fail. Nothing is published
// when fn returns an error.
func (s *Store) Apply(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("rejecting configuration update: %w", err)
	}
	s.current.Store(next)
	return nil
}

func (c *Config) clone() *Config {
	out := *c
	out.Prioritizer.SegmentPrioritySteps = slices.Clone(c.Prioritizer.SegmentPrioritySteps)
	return &out
}
