package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/dkeye/Pulse/internal/metrics"
	"github.com/dkeye/Pulse/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultInboxSize = 256

type Options struct {
	Store              core.CheckpointStore
	Policy             Policy
	Metrics            *metrics.Metrics
	CheckpointInterval time.Duration
	CheckpointTimeout  time.Duration
	InboxSize          int
	Now                func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Policy == nil {
		o.Policy = SimplePolicy{}
	}
	if o.InboxSize <= 0 {
		o.InboxSize = defaultInboxSize
	}
	if o.CheckpointTimeout <= 0 {
		o.CheckpointTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type InitialSnapshot struct {
	CurrentSlide          int               `json:"currentSlide"`
	Reactions             domain.Tally      `json:"reactions"`
	CurrentSlideReactions map[string]uint64 `json:"currentSlideReactions"`
	Participants          int               `json:"participants"`
}

// FullState is a consistent point-in-time copy of a session.
type FullState struct {
	SessionID     domain.SessionID  `json:"sessionId"`
	CurrentSlide  int               `json:"currentSlide"`
	CursorVersion uint64            `json:"cursorVersion"`
	Reactions     domain.Tally      `json:"reactions"`
	Participants  int               `json:"participants"`
	Connections   int               `json:"connections"`
	Questions     []domain.Question `json:"questions"`
}

type event struct {
	fn    func() error
	reply chan error
}

// Coordinator is the single owner of one session's live state.
// Every operation is queued on the inbox and run by one goroutine in arrival order,
// so the registry, tally, cursor and participant set need no locks of their own.
type Coordinator struct {
	id     domain.SessionID
	opts   Options
	logger zerolog.Logger

	startMu sync.Mutex
	cfg     domain.SessionConfig
	started atomic.Bool

	inbox chan event
	done  chan struct{}

	// Owned by the run goroutine.
	registry     *core.Registry
	tally        *core.Tally
	cursor       *core.Cursor
	participants *core.ParticipantSet
	questions    []domain.Question
	questionIdx  map[string]int
	bc           *core.Broadcaster
	closed       bool
	dirty        bool
	pendingDrops []core.ConnID

	pending  chan domain.Checkpoint
	cpDone   chan struct{}
	cpFailed atomic.Bool

	connCount        atomic.Int64
	participantCount atomic.Int64
	idleSince        atomic.Int64
}

func NewCoordinator(id domain.SessionID, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		id:     id,
		opts:   opts,
		logger: log.With().Str("module", "app.coordinator").Str("session", string(id)).Logger(),
		inbox:  make(chan event, opts.InboxSize),
		done:   make(chan struct{}),
	}
}

func (c *Coordinator) ID() domain.SessionID { return c.id }

// Config returns the config the coordinator was started with.
func (c *Coordinator) Config() domain.SessionConfig {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	return c.cfg
}

// Start is idempotent for an identical config. A running session refuses a
// materially different one with ErrConfigConflict.
func (c *Coordinator) Start(ctx context.Context, cfg domain.SessionConfig) error {
	if cfg.ID == "" {
		cfg.ID = c.id
	}
	if cfg.ID != c.id {
		return fmt.Errorf("start %s with config for %s: %w", c.id, cfg.ID, core.ErrConfigConflict)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("start %s: %w", c.id, err)
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started.Load() {
		if c.Closed() {
			return core.ErrSessionClosed
		}
		if !c.cfg.Equal(cfg) {
			return core.ErrConfigConflict
		}
		return nil
	}

	cfg.AllowedReactions = slices.Clone(cfg.AllowedReactions)
	c.cfg = cfg
	c.registry = core.NewRegistry()
	c.tally = core.NewTally(cfg.AllowedReactions)
	c.cursor = core.NewCursor(cfg.SlideCount)
	c.participants = core.NewParticipantSet()
	c.questionIdx = make(map[string]int)
	c.bc = core.NewBroadcaster(string(c.id))
	c.restore(ctx)
	c.idleSince.Store(c.opts.Now().UnixNano())

	if c.opts.Store != nil {
		c.pending = make(chan domain.Checkpoint, 1)
		c.cpDone = make(chan struct{})
		go c.checkpointLoop()
	}
	go c.run()
	c.started.Store(true)

	if m := c.opts.Metrics; m != nil {
		m.ActiveSessions.Inc()
	}
	c.logger.Info().Int("slides", cfg.SlideCount).Strs("reactions", cfg.AllowedReactions).
		Bool("moderated", cfg.ModerateQuestions).Msg("session started")
	return nil
}

// Closed reports whether the coordinator stopped accepting operations.
func (c *Coordinator) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once the session is torn down and its final checkpoint flushed.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) ConnectionCount() int { return int(c.connCount.Load()) }

func (c *Coordinator) ParticipantCount() int { return int(c.participantCount.Load()) }

// IdleSince reports when the last connection went away.
func (c *Coordinator) IdleSince() (time.Time, bool) {
	ns := c.idleSince.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (c *Coordinator) exec(ctx context.Context, fn func() error) error {
	if !c.started.Load() {
		return core.ErrSessionNotFound
	}
	ev := event{fn: fn, reply: make(chan error, 1)}
	select {
	case c.inbox <- ev:
	case <-c.done:
		return core.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-c.done:
		select {
		case err := <-ev.reply:
			return err
		default:
			return core.ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run() {
	var tick <-chan time.Time
	if c.opts.CheckpointInterval > 0 && c.pending != nil {
		t := time.NewTicker(c.opts.CheckpointInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case ev := <-c.inbox:
			err := ev.fn()
			ev.reply <- err
			c.settle()
			if c.closed {
				c.shutdown()
				return
			}
		case <-tick:
			if c.cpFailed.Load() {
				c.offerCheckpoint()
			}
		}
	}
}

// settle runs after every event: drops connections that failed a send,
// refreshes the counters read outside the loop and schedules a checkpoint.
func (c *Coordinator) settle() {
	for len(c.pendingDrops) > 0 {
		id := c.pendingDrops[0]
		c.pendingDrops = c.pendingDrops[1:]
		conn, ok := c.registry.Get(id)
		if !ok {
			continue
		}
		c.logger.Warn().Str("conn", id.String()).Str("token", string(conn.Member.Token)).Msg("dropping unresponsive connection")
		if m := c.opts.Metrics; m != nil {
			m.BroadcastDropped.Inc()
		}
		conn.Signal.Close()
		c.disconnect(id)
	}

	n := c.registry.Len()
	if m := c.opts.Metrics; m != nil {
		m.Connections.Add(float64(int64(n) - c.connCount.Load()))
	}
	c.connCount.Store(int64(n))
	c.participantCount.Store(int64(c.participants.Len()))
	switch {
	case n > 0:
		c.idleSince.Store(0)
	case c.idleSince.Load() == 0:
		c.idleSince.Store(c.opts.Now().UnixNano())
	}

	if c.dirty {
		c.dirty = false
		c.offerCheckpoint()
	}
}

func (c *Coordinator) shutdown() {
	if c.pending != nil {
		close(c.pending)
		<-c.cpDone
	}
	if m := c.opts.Metrics; m != nil {
		m.ActiveSessions.Dec()
	}
	close(c.done)
	c.logger.Info().Msg("session torn down")
}

func (c *Coordinator) publish(conns []core.Connection, msg protocol.Outbound) {
	if len(conns) == 0 {
		return
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode outbound")
		return
	}
	res := c.bc.Send(conns, frame)
	for _, d := range res.Dropped {
		switch c.opts.Policy.OnBackPressure(c.cfg, d) {
		case KickMember:
			c.pendingDrops = append(c.pendingDrops, d.ID)
		case DropFrame:
		}
	}
}

func (c *Coordinator) publishAll(msg protocol.Outbound) {
	c.publish(c.registry.All(), msg)
}

func (c *Coordinator) publishPresenters(msg protocol.Outbound) {
	c.publish(c.registry.ConnectionsWithRole(domain.RolePresenter), msg)
}
