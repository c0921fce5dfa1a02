// Package pebblestore stores coordinator checkpoints in a Pebble key-value store.
package pebblestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

const keyPrefix = "checkpoint/"

type Store struct {
	db *pebble.DB
}

// Open opens (or creates) a Pebble database at path.
func Open(path string) (*Store, error) {
	return open(path, &pebble.Options{})
}

// OpenInMemory keeps everything in an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(path string, opts *pebble.Options) (*Store, error) {
	log.Info().Str("module", "storage.pebble").Str("path", path).Msg("opening checkpoint store")
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(id domain.SessionID) []byte {
	return []byte(keyPrefix + string(id))
}

func (s *Store) Checkpoint(ctx context.Context, id domain.SessionID, cp domain.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", id, err)
	}
	if err := s.db.Set(key(id), data, pebble.Sync); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, id domain.SessionID) (domain.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return domain.Checkpoint{}, err
	}
	val, closer, err := s.db.Get(key(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return domain.Checkpoint{}, core.ErrCheckpointNotFound
	}
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	defer closer.Close()

	var cp domain.Checkpoint
	if err := json.Unmarshal(val, &cp); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return cp, nil
}

func (s *Store) Delete(_ context.Context, id domain.SessionID) error {
	if err := s.db.Delete(key(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}
