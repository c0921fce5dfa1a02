package core

import (
	"context"

	"github.com/dkeye/Pulse/internal/domain"
)

// Directory is the durable record of session configuration.
type Directory interface {
	GetConfig(ctx context.Context, id domain.SessionID) (domain.SessionConfig, error)
}

// CheckpointStore is a best-effort sink used only for warm restarts.
// LoadCheckpoint returns ErrCheckpointNotFound when nothing was saved.
// Delete is a no-op for sessions without a checkpoint.
type CheckpointStore interface {
	Checkpoint(ctx context.Context, id domain.SessionID, cp domain.Checkpoint) error
	LoadCheckpoint(ctx context.Context, id domain.SessionID) (domain.Checkpoint, error)
	Delete(ctx context.Context, id domain.SessionID) error
}

// PublishResult reports delivery stats/backpressure to the coordinator.
type PublishResult struct {
	SendTo  int
	Dropped []Connection
}
