package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

type SessionInfo struct {
	ID           domain.SessionID `json:"id"`
	Connections  int              `json:"connections"`
	Participants int              `json:"participants"`
}

type ManagerOptions struct {
	Coordinator     Options
	IdleGrace       time.Duration
	JanitorInterval time.Duration
}

// Manager owns one coordinator per live session. Coordinators share nothing,
// the manager lock only guards the id -> coordinator map.
type Manager struct {
	dir  core.Directory
	opts ManagerOptions

	mu       sync.RWMutex
	sessions map[domain.SessionID]*Coordinator
}

func NewManager(dir core.Directory, opts ManagerOptions) *Manager {
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = 5 * time.Minute
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = 30 * time.Second
	}
	return &Manager{
		dir:      dir,
		opts:     opts,
		sessions: make(map[domain.SessionID]*Coordinator),
	}
}

// Get returns the live coordinator without creating one.
func (m *Manager) Get(id domain.SessionID) (*Coordinator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	co, ok := m.sessions[id]
	if !ok || !co.started.Load() || co.Closed() {
		return nil, false
	}
	return co, true
}

// Acquire returns the session's coordinator, creating and starting it from the
// directory record on first use.
func (m *Manager) Acquire(ctx context.Context, id domain.SessionID) (*Coordinator, error) {
	if co, ok := m.Get(id); ok {
		return co, nil
	}
	cfg, err := m.dir.GetConfig(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return m.Start(ctx, cfg)
}

// Init is the explicit form of lazy creation.
func (m *Manager) Init(ctx context.Context, id domain.SessionID) (*Coordinator, error) {
	return m.Acquire(ctx, id)
}

// Start runs a coordinator for cfg. It is idempotent for the same config and
// fails with ErrConfigConflict when the running session has a different one.
// Concurrent callers for a coordinator that is still restoring block in
// co.Start until it is running; Get hides it until then.
func (m *Manager) Start(ctx context.Context, cfg domain.SessionConfig) (*Coordinator, error) {
	m.mu.Lock()
	co, ok := m.sessions[cfg.ID]
	if !ok || co.Closed() {
		co = NewCoordinator(cfg.ID, m.opts.Coordinator)
		m.sessions[cfg.ID] = co
	}
	m.mu.Unlock()

	if err := co.Start(ctx, cfg); err != nil {
		if !errors.Is(err, core.ErrConfigConflict) {
			m.forget(cfg.ID, co)
		}
		return nil, err
	}

	m.mu.Lock()
	if cur, ok := m.sessions[cfg.ID]; !ok || cur.Closed() {
		m.sessions[cfg.ID] = co
	}
	m.mu.Unlock()
	return co, nil
}

func (m *Manager) forget(id domain.SessionID, co *Coordinator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] == co {
		delete(m.sessions, id)
	}
}

func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for id, co := range m.sessions {
		if !co.started.Load() || co.Closed() {
			continue
		}
		out = append(out, SessionInfo{
			ID:           id,
			Connections:  co.ConnectionCount(),
			Participants: co.ParticipantCount(),
		})
	}
	return out
}

// Close ends a session explicitly and notifies its connections. Its checkpoint
// is discarded once the final flush is done, including one left behind by an
// earlier idle teardown, so a re-created session starts empty.
func (m *Manager) Close(ctx context.Context, id domain.SessionID) error {
	m.mu.Lock()
	co, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	err := core.ErrSessionNotFound
	if ok {
		log.Info().Str("module", "app.manager").Str("session", string(id)).Msg("closing session")
		err = co.Close(ctx)
	}
	if err != nil && !errors.Is(err, core.ErrSessionNotFound) && !errors.Is(err, core.ErrSessionClosed) {
		return err
	}
	if store := m.opts.Coordinator.Store; store != nil {
		if derr := store.Delete(ctx, id); derr != nil {
			return fmt.Errorf("discard checkpoint %s: %w", id, derr)
		}
	}
	return err
}

// ReapIdle tears down sessions that have had no connections for the grace period.
func (m *Manager) ReapIdle(ctx context.Context) int {
	m.mu.RLock()
	candidates := make([]*Coordinator, 0, len(m.sessions))
	for _, co := range m.sessions {
		if _, idle := co.IdleSince(); idle || co.Closed() {
			candidates = append(candidates, co)
		}
	}
	m.mu.RUnlock()

	reaped := 0
	for _, co := range candidates {
		if co.Closed() {
			m.forget(co.ID(), co)
			continue
		}
		stopped, err := co.CloseIfIdle(ctx, m.opts.IdleGrace)
		if err != nil && !errors.Is(err, core.ErrSessionClosed) {
			log.Error().Err(err).Str("module", "app.manager").Str("session", string(co.ID())).Msg("idle teardown")
			continue
		}
		if stopped || co.Closed() {
			m.forget(co.ID(), co)
			reaped++
			log.Info().Str("module", "app.manager").Str("session", string(co.ID())).Msg("idle session torn down")
		}
	}
	return reaped
}

// Run reaps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.JanitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.ReapIdle(ctx)
		}
	}
}

// Shutdown stops every session, flushing their final checkpoints.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Coordinator, 0, len(m.sessions))
	for _, co := range m.sessions {
		all = append(all, co)
	}
	m.sessions = make(map[domain.SessionID]*Coordinator)
	m.mu.Unlock()

	var errs []error
	for _, co := range all {
		err := co.Stop(ctx)
		if err != nil && !errors.Is(err, core.ErrSessionClosed) && !errors.Is(err, core.ErrSessionNotFound) {
			errs = append(errs, fmt.Errorf("stop %s: %w", co.ID(), err))
		}
	}
	return errors.Join(errs...)
}
