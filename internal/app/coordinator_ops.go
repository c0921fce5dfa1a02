package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/dkeye/Pulse/internal/protocol"
	"github.com/google/uuid"
)

const MaxQuestionLen = 1000

// Connect registers a connection, sends it the full state and tells everyone
// the new participant count.
func (c *Coordinator) Connect(ctx context.Context, sig core.SignalConnection, member domain.Member) (core.ConnID, InitialSnapshot, error) {
	var (
		id   core.ConnID
		snap InitialSnapshot
	)
	err := c.exec(ctx, func() error {
		id = c.registry.Add(member, sig)
		c.participants.Add(member.Token)
		snap = InitialSnapshot{
			CurrentSlide:          c.cursor.Current(),
			Reactions:             c.tally.SnapshotAll(),
			CurrentSlideReactions: c.tally.SnapshotSlide(c.cursor.Current()),
			Participants:          c.participants.Len(),
		}
		conn, _ := c.registry.Get(id)
		c.publish([]core.Connection{conn}, protocol.Init(snap))
		c.publishAll(protocol.Participants{Count: snap.Participants})
		c.logger.Info().Str("conn", id.String()).Str("role", string(member.Role)).
			Str("token", string(member.Token)).Int("participants", snap.Participants).Msg("connected")
		return nil
	})
	return id, snap, err
}

// Disconnect is a no-op for unknown or stale handles.
func (c *Coordinator) Disconnect(ctx context.Context, id core.ConnID) error {
	return c.exec(ctx, func() error {
		c.disconnect(id)
		return nil
	})
}

func (c *Coordinator) disconnect(id core.ConnID) {
	conn, ok := c.registry.Remove(id)
	if !ok {
		return
	}
	left := c.participants.Remove(conn.Member.Token)
	c.logger.Info().Str("conn", id.String()).Str("token", string(conn.Member.Token)).Bool("left", left).Msg("disconnected")
	if left {
		c.publishAll(protocol.Participants{Count: c.participants.Len()})
	}
}

// SubmitReaction returns the post-increment count for (slide, symbol).
// Reactions for slides other than the current one are accepted.
func (c *Coordinator) SubmitReaction(ctx context.Context, slide int, symbol string, token domain.ParticipantToken) (uint64, error) {
	var count uint64
	err := c.exec(ctx, func() error {
		switch {
		case !c.participants.Contains(token):
			return c.reject(core.ErrNotConnected)
		case !c.tally.Allowed(symbol):
			return c.reject(core.ErrUnknownSymbol)
		case !c.cursor.InRange(slide):
			return c.reject(core.ErrSlideOutOfRange)
		}
		n, err := c.tally.Increment(slide, symbol)
		if err != nil {
			return c.reject(err)
		}
		count = n
		c.dirty = true
		if m := c.opts.Metrics; m != nil {
			m.Reactions.Inc()
		}
		c.publishAll(protocol.ReactionUpdate{Emoji: symbol, Slide: slide, Count: n})
		return nil
	})
	return count, err
}

// SubmitQuestion records a question and shows it to presenters only.
func (c *Coordinator) SubmitQuestion(ctx context.Context, slide int, text string, token domain.ParticipantToken) (domain.Question, error) {
	var q domain.Question
	text = strings.TrimSpace(text)
	err := c.exec(ctx, func() error {
		if !c.cursor.InRange(slide) {
			return c.reject(core.ErrSlideOutOfRange)
		}
		if text == "" || len(text) > MaxQuestionLen {
			return c.reject(core.ErrInvalidQuestion)
		}
		q = domain.Question{
			ID:        uuid.NewString(),
			Slide:     slide,
			Text:      text,
			Token:     token,
			Approved:  !c.cfg.ModerateQuestions,
			CreatedAt: c.opts.Now().UTC(),
		}
		c.questionIdx[q.ID] = len(c.questions)
		c.questions = append(c.questions, q)
		c.dirty = true
		if m := c.opts.Metrics; m != nil {
			m.Questions.Inc()
		}
		c.publishPresenters(protocol.QuestionPosted{
			ID:           q.ID,
			Text:         q.Text,
			Slide:        q.Slide,
			SessionToken: string(q.Token),
			Approved:     q.Approved,
		})
		return nil
	})
	return q, err
}

func (c *Coordinator) ApproveQuestion(ctx context.Context, id string, role domain.Role) (domain.Question, error) {
	return c.updateQuestion(ctx, id, role, func(q *domain.Question) { q.Approved = true })
}

func (c *Coordinator) AnswerQuestion(ctx context.Context, id string, role domain.Role) (domain.Question, error) {
	return c.updateQuestion(ctx, id, role, func(q *domain.Question) { q.Answered = true })
}

func (c *Coordinator) updateQuestion(ctx context.Context, id string, role domain.Role, mutate func(*domain.Question)) (domain.Question, error) {
	var out domain.Question
	err := c.exec(ctx, func() error {
		if role != domain.RolePresenter {
			return c.reject(core.ErrForbidden)
		}
		i, ok := c.questionIdx[id]
		if !ok {
			return c.reject(core.ErrQuestionNotFound)
		}
		q := &c.questions[i]
		mutate(q)
		out = *q
		c.dirty = true
		c.publishPresenters(protocol.QuestionUpdate{ID: q.ID, Approved: q.Approved, Answered: q.Answered})
		return nil
	})
	return out, err
}

// ChangeSlide moves the cursor. Tallies of other slides are kept.
func (c *Coordinator) ChangeSlide(ctx context.Context, slide int, role domain.Role) error {
	return c.exec(ctx, func() error {
		if role != domain.RolePresenter {
			return c.reject(core.ErrForbidden)
		}
		if err := c.cursor.Set(slide); err != nil {
			return c.reject(err)
		}
		c.dirty = true
		if m := c.opts.Metrics; m != nil {
			m.SlideChanges.Inc()
		}
		c.logger.Info().Int("slide", slide).Uint64("version", c.cursor.Version()).Msg("slide changed")
		c.publishAll(protocol.SlideChanged{Slide: slide})
		return nil
	})
}

// Ping answers on the same ordered path as every other event, so a pong
// always follows the effects of earlier messages from that connection.
func (c *Coordinator) Ping(ctx context.Context, id core.ConnID) error {
	return c.exec(ctx, func() error {
		conn, ok := c.registry.Get(id)
		if !ok {
			return core.ErrNotConnected
		}
		c.publish([]core.Connection{conn}, protocol.Pong{})
		return nil
	})
}

// SlideReactions reads one slide's counts from the authoritative tally.
// slide 0 means the current slide.
func (c *Coordinator) SlideReactions(ctx context.Context, slide int) (int, map[string]uint64, error) {
	var (
		at  int
		out map[string]uint64
	)
	err := c.exec(ctx, func() error {
		n := slide
		if n == 0 {
			n = c.cursor.Current()
		}
		if !c.cursor.InRange(n) {
			return c.reject(core.ErrSlideOutOfRange)
		}
		at, out = n, c.tally.SnapshotSlide(n)
		return nil
	})
	return at, out, err
}

func (c *Coordinator) Snapshot(ctx context.Context) (FullState, error) {
	var st FullState
	err := c.exec(ctx, func() error {
		st = FullState{
			SessionID:     c.id,
			CurrentSlide:  c.cursor.Current(),
			CursorVersion: c.cursor.Version(),
			Reactions:     c.tally.SnapshotAll(),
			Participants:  c.participants.Len(),
			Connections:   c.registry.Len(),
			Questions:     slices.Clone(c.questions),
		}
		return nil
	})
	return st, err
}

// Close ends the session: everyone gets a closed notice and is disconnected.
// It returns once the final checkpoint has been flushed.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.terminate(ctx, true)
}

// Stop tears the session down without a closed notice, e.g. on process shutdown.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.terminate(ctx, false)
}

// CloseIfIdle stops the session if it has had no connections for at least grace.
// The check runs inside the loop so a connection racing in keeps it alive.
func (c *Coordinator) CloseIfIdle(ctx context.Context, grace time.Duration) (bool, error) {
	var stopped bool
	err := c.exec(ctx, func() error {
		since, idle := c.IdleSince()
		if c.registry.Len() > 0 || !idle || c.opts.Now().Sub(since) < grace {
			return nil
		}
		c.closeAll(false)
		stopped = true
		return nil
	})
	if err != nil || !stopped {
		return false, err
	}
	return true, c.wait(ctx)
}

func (c *Coordinator) terminate(ctx context.Context, notify bool) error {
	if err := c.exec(ctx, func() error {
		c.closeAll(notify)
		return nil
	}); err != nil {
		return err
	}
	return c.wait(ctx)
}

func (c *Coordinator) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) closeAll(notify bool) {
	conns := c.registry.All()
	if notify {
		c.publish(conns, protocol.Closed{})
	}
	for _, conn := range conns {
		conn.Signal.Close()
		if _, ok := c.registry.Remove(conn.ID); ok {
			c.participants.Remove(conn.Member.Token)
		}
	}
	c.pendingDrops = nil
	c.closed = true
	c.dirty = true
	c.logger.Info().Int("connections", len(conns)).Bool("notified", notify).Msg("session closing")
}

func (c *Coordinator) reject(err error) error {
	c.opts.Metrics.Reject(err)
	return err
}
