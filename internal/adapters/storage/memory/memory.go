// Package memory keeps session records and checkpoints in process memory.
// It backs the "memory" storage driver and tests.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type Directory struct {
	mu      sync.RWMutex
	configs map[domain.SessionID]domain.SessionConfig
	closed  map[domain.SessionID]bool
}

func NewDirectory() *Directory {
	return &Directory{
		configs: make(map[domain.SessionID]domain.SessionConfig),
		closed:  make(map[domain.SessionID]bool),
	}
}

func (d *Directory) Create(_ context.Context, cfg domain.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.AllowedReactions = slices.Clone(cfg.AllowedReactions)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs[cfg.ID] = cfg
	delete(d.closed, cfg.ID)
	return nil
}

func (d *Directory) GetConfig(_ context.Context, id domain.SessionID) (domain.SessionConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg, ok := d.configs[id]
	if !ok {
		return domain.SessionConfig{}, core.ErrSessionNotFound
	}
	if d.closed[id] {
		return domain.SessionConfig{}, core.ErrSessionClosed
	}
	cfg.AllowedReactions = slices.Clone(cfg.AllowedReactions)
	return cfg, nil
}

func (d *Directory) MarkClosed(_ context.Context, id domain.SessionID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.configs[id]; !ok {
		return core.ErrSessionNotFound
	}
	d.closed[id] = true
	return nil
}

type CheckpointStore struct {
	mu    sync.RWMutex
	saved map[domain.SessionID]domain.Checkpoint
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{saved: make(map[domain.SessionID]domain.Checkpoint)}
}

func (s *CheckpointStore) Checkpoint(_ context.Context, id domain.SessionID, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[id] = cp
	return nil
}

func (s *CheckpointStore) LoadCheckpoint(_ context.Context, id domain.SessionID) (domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.saved[id]
	if !ok {
		return domain.Checkpoint{}, core.ErrCheckpointNotFound
	}
	return cp, nil
}

func (s *CheckpointStore) Delete(_ context.Context, id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, id)
	return nil
}
