package app

import (
	"context"
	"errors"
	"slices"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

// restore seeds fresh state from the latest checkpoint. The sink is best effort:
// any failure other than "nothing saved" is logged and the session starts fresh.
func (c *Coordinator) restore(ctx context.Context) {
	if c.opts.Store == nil {
		return
	}
	cp, err := c.opts.Store.LoadCheckpoint(ctx, c.id)
	switch {
	case errors.Is(err, core.ErrCheckpointNotFound):
		return
	case err != nil:
		c.logger.Error().Err(err).Msg("load checkpoint, starting fresh")
		return
	}
	if cp.CursorVersion == 0 && len(cp.Tally) == 0 && len(cp.Questions) == 0 {
		return
	}

	c.cursor.Restore(cp.CurrentSlide, cp.CursorVersion)
	c.tally.Restore(cp.Tally)
	for _, q := range cp.Questions {
		if !c.cursor.InRange(q.Slide) {
			continue
		}
		if _, dup := c.questionIdx[q.ID]; dup {
			continue
		}
		c.questionIdx[q.ID] = len(c.questions)
		c.questions = append(c.questions, q)
	}
	c.logger.Info().Int("slide", c.cursor.Current()).Uint64("reactions", c.tally.Total()).
		Int("questions", len(c.questions)).Time("saved_at", cp.SavedAt).Msg("restored from checkpoint")
}

func (c *Coordinator) checkpoint() domain.Checkpoint {
	return domain.Checkpoint{
		SessionID:     c.id,
		CurrentSlide:  c.cursor.Current(),
		CursorVersion: c.cursor.Version(),
		Tally:         c.tally.SnapshotAll(),
		Questions:     slices.Clone(c.questions),
		SavedAt:       c.opts.Now().UTC(),
	}
}

// offerCheckpoint hands the current state to the writer without blocking.
// Only the run goroutine sends on pending, so replacing a queued, unwritten
// checkpoint with the newer one is race free.
func (c *Coordinator) offerCheckpoint() {
	if c.pending == nil {
		return
	}
	cp := c.checkpoint()
	select {
	case c.pending <- cp:
		return
	default:
	}
	select {
	case <-c.pending:
	default:
	}
	select {
	case c.pending <- cp:
	default:
	}
}

func (c *Coordinator) checkpointLoop() {
	defer close(c.cpDone)
	for cp := range c.pending {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CheckpointTimeout)
		err := c.opts.Store.Checkpoint(ctx, c.id, cp)
		cancel()
		if err != nil {
			c.cpFailed.Store(true)
			if m := c.opts.Metrics; m != nil {
				m.CheckpointFailures.Inc()
			}
			c.logger.Error().Err(err).Msg("checkpoint failed")
			continue
		}
		c.cpFailed.Store(false)
		if m := c.opts.Metrics; m != nil {
			m.Checkpoints.Inc()
		}
		c.logger.Debug().Int("slide", cp.CurrentSlide).Msg("checkpoint saved")
	}
}
