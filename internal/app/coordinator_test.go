package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Pulse/internal/adapters/storage/memory"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/dkeye/Pulse/internal/metrics"
)

// fakeSignal records frames instead of writing to a socket.
type fakeSignal struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func (f *fakeSignal) TrySend(b core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.fail {
		return core.ErrBackpressure
	}
	f.frames = append(f.frames, append([]byte(nil), b...))
	return nil
}

func (f *fakeSignal) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSignal) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSignal) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func (f *fakeSignal) messages(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, b := range f.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeSignal) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range f.messages(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() domain.SessionConfig {
	return domain.SessionConfig{
		ID:               "talk",
		SlideCount:       3,
		AllowedReactions: []string{"👍", "🔥"},
	}
}

func startCoordinator(t *testing.T, cfg domain.SessionConfig, opts Options) *Coordinator {
	t.Helper()
	co := NewCoordinator(cfg.ID, opts)
	require.NoError(t, co.Start(context.Background(), cfg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = co.Stop(ctx)
	})
	return co
}

func connect(t *testing.T, co *Coordinator, role domain.Role, token string) (*fakeSignal, core.ConnID, InitialSnapshot) {
	t.Helper()
	sig := &fakeSignal{}
	id, snap, err := co.Connect(context.Background(), sig, domain.Member{Token: domain.ParticipantToken(token), Role: role})
	require.NoError(t, err)
	return sig, id, snap
}

func TestCoordinator_ReactionScenario(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{})

	sigA, _, snap := connect(t, co, domain.RoleAudience, "tokenA")
	assert.Equal(t, 1, snap.CurrentSlide)
	assert.Empty(t, snap.Reactions)
	assert.Equal(t, 1, snap.Participants)

	inits := sigA.ofType(t, "init")
	require.Len(t, inits, 1)
	assert.EqualValues(t, 1, inits[0]["currentSlide"])

	n, err := co.SubmitReaction(ctx, 1, "👍", "tokenA")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	reactions := sigA.ofType(t, "reaction")
	require.Len(t, reactions, 1)
	assert.Equal(t, "👍", reactions[0]["emoji"])
	assert.EqualValues(t, 1, reactions[0]["slide"])
	assert.EqualValues(t, 1, reactions[0]["count"])

	_, err = co.SubmitReaction(ctx, 1, "💀", "tokenA")
	require.ErrorIs(t, err, core.ErrUnknownSymbol)
	assert.Len(t, sigA.ofType(t, "reaction"), 1, "rejected reaction must not broadcast")

	require.NoError(t, co.ChangeSlide(ctx, 2, domain.RolePresenter))
	changes := sigA.ofType(t, "slideChange")
	require.Len(t, changes, 1)
	assert.EqualValues(t, 2, changes[0]["slide"])

	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.CurrentSlide)
	assert.Equal(t, domain.Tally{1: {"👍": 1}}, st.Reactions)
}

func TestCoordinator_ReactionValidation(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{})
	connect(t, co, domain.RoleAudience, "tokenA")

	tests := []struct {
		name   string
		slide  int
		symbol string
		token  domain.ParticipantToken
		want   error
	}{
		{"not connected", 1, "👍", "stranger", core.ErrNotConnected},
		{"unknown symbol", 1, "💀", "tokenA", core.ErrUnknownSymbol},
		{"slide zero", 0, "👍", "tokenA", core.ErrSlideOutOfRange},
		{"slide past end", 4, "🔥", "tokenA", core.ErrSlideOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := co.SubmitReaction(ctx, tt.slide, tt.symbol, tt.token)
			require.ErrorIs(t, err, tt.want)
		})
	}

	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Reactions)
}

func TestCoordinator_ReactionOnNonCurrentSlide(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{})
	connect(t, co, domain.RoleAudience, "a")

	_, err := co.SubmitReaction(ctx, 3, "🔥", "a")
	require.NoError(t, err)

	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentSlide)
	assert.EqualValues(t, 1, st.Reactions[3]["🔥"])
}

func TestCoordinator_ConcurrentReactionsAreExact(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{})

	const workers, perWorker = 20, 50
	for i := 0; i < workers; i++ {
		connect(t, co, domain.RoleAudience, string(rune('a'+i)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(token domain.ParticipantToken) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				n, err := co.SubmitReaction(ctx, 2, "🔥", token)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[n] = true
				mu.Unlock()
			}
		}(domain.ParticipantToken(rune('a' + i)))
	}
	wg.Wait()

	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, workers*perWorker, st.Reactions[2]["🔥"])
	assert.Len(t, seen, workers*perWorker, "every accepted reaction gets a distinct post-increment count")
}

func TestCoordinator_ChangeSlide(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{})
	sig, _, _ := connect(t, co, domain.RoleAudience, "a")

	require.ErrorIs(t, co.ChangeSlide(ctx, 2, domain.RoleAudience), core.ErrForbidden)
	require.ErrorIs(t, co.ChangeSlide(ctx, 0, domain.RolePresenter), core.ErrSlideOutOfRange)
	require.ErrorIs(t, co.ChangeSlide(ctx, 4, domain.RolePresenter), core.ErrSlideOutOfRange)
	assert.Empty(t, sig.ofType(t, "slideChange"))

	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentSlide)
	assert.Zero(t, st.CursorVersion)

	require.NoError(t, co.ChangeSlide(ctx, 3, domain.RolePresenter))
	_, _, snap := connect(t, co, domain.RoleAudience, "late")
	assert.Equal(t, 3, snap.CurrentSlide, "connect sees the last acknowledged slide")
}

func TestCoordinator_ParticipantRefcount(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{})

	_, first, _ := connect(t, co, domain.RoleAudience, "same")
	_, second, snap := connect(t, co, domain.RoleAudience, "same")
	assert.Equal(t, 1, snap.Participants)

	require.NoError(t, co.Disconnect(ctx, first))
	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Participants, "second connection keeps the token present")

	_, err = co.SubmitReaction(ctx, 1, "👍", "same")
	require.NoError(t, err)

	require.NoError(t, co.Disconnect(ctx, second))
	st, err = co.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Participants)

	_, err = co.SubmitReaction(ctx, 1, "👍", "same")
	require.ErrorIs(t, err, core.ErrNotConnected)
}

func TestCoordinator_DisconnectBroadcastsOnce(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{})

	sigA, _, _ := connect(t, co, domain.RoleAudience, "a")
	_, idB, snap := connect(t, co, domain.RoleAudience, "b")
	assert.Equal(t, 2, snap.Participants)

	sigA.reset()
	require.NoError(t, co.Disconnect(ctx, idB))

	msgs := sigA.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "participants", msgs[0]["type"])
	assert.EqualValues(t, 1, msgs[0]["count"])

	// Unknown and repeated handles are no-ops.
	require.NoError(t, co.Disconnect(ctx, idB))
	require.NoError(t, co.Disconnect(ctx, core.ConnID{}))
	assert.Len(t, sigA.messages(t), 1)
}

func TestCoordinator_StaleHandleDoesNotHitReusedSlot(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{})

	_, old, _ := connect(t, co, domain.RoleAudience, "a")
	require.NoError(t, co.Disconnect(ctx, old))
	_, _, _ = connect(t, co, domain.RoleAudience, "b")

	require.NoError(t, co.Disconnect(ctx, old))
	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Connections)
}

func TestCoordinator_QuestionsReachPresentersOnly(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ModerateQuestions = true
	co := startCoordinator(t, cfg, Options{})

	presenter, _, _ := connect(t, co, domain.RolePresenter, "host")
	audience, _, _ := connect(t, co, domain.RoleAudience, "a")

	q, err := co.SubmitQuestion(ctx, 2, "  why?  ", "a")
	require.NoError(t, err)
	assert.False(t, q.Approved)
	assert.Equal(t, "why?", q.Text)

	posted := presenter.ofType(t, "question")
	require.Len(t, posted, 1)
	assert.Equal(t, "a", posted[0]["sessionToken"])
	assert.Equal(t, false, posted[0]["approved"])
	assert.Empty(t, audience.ofType(t, "question"))

	_, err = co.ApproveQuestion(ctx, q.ID, domain.RoleAudience)
	require.ErrorIs(t, err, core.ErrForbidden)
	approved, err := co.ApproveQuestion(ctx, q.ID, domain.RolePresenter)
	require.NoError(t, err)
	assert.True(t, approved.Approved)
	answered, err := co.AnswerQuestion(ctx, q.ID, domain.RolePresenter)
	require.NoError(t, err)
	assert.True(t, answered.Answered)
	_, err = co.AnswerQuestion(ctx, "missing", domain.RolePresenter)
	require.ErrorIs(t, err, core.ErrQuestionNotFound)

	assert.Len(t, presenter.ofType(t, "questionUpdate"), 2)
	for _, m := range audience.messages(t) {
		assert.NotContains(t, []string{"question", "questionUpdate"}, m["type"])
	}

	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, st.Questions, 1)
	assert.True(t, st.Questions[0].Answered)
}

func TestCoordinator_QuestionValidation(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{})

	q, err := co.SubmitQuestion(ctx, 1, "auto approved", "a")
	require.NoError(t, err)
	assert.True(t, q.Approved)

	_, err = co.SubmitQuestion(ctx, 9, "late", "a")
	require.ErrorIs(t, err, core.ErrSlideOutOfRange)
	_, err = co.SubmitQuestion(ctx, 1, "   ", "a")
	require.ErrorIs(t, err, core.ErrInvalidQuestion)
}

func TestCoordinator_Ping(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{})
	sig, id, _ := connect(t, co, domain.RoleAudience, "a")

	require.NoError(t, co.Ping(ctx, id))
	assert.Len(t, sig.ofType(t, "pong"), 1)

	require.NoError(t, co.Disconnect(ctx, id))
	require.ErrorIs(t, co.Ping(ctx, id), core.ErrNotConnected)
}

func TestCoordinator_DropsFailingConnection(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(nil)
	co := startCoordinator(t, testConfig(), Options{Metrics: m})

	healthy, _, _ := connect(t, co, domain.RoleAudience, "a")
	stale, _, _ := connect(t, co, domain.RoleAudience, "b")
	stale.mu.Lock()
	stale.fail = true
	stale.mu.Unlock()

	n, err := co.SubmitReaction(ctx, 1, "👍", "a")
	require.NoError(t, err, "a failing peer never fails the operation")
	assert.EqualValues(t, 1, n)
	assert.Len(t, healthy.ofType(t, "reaction"), 1)

	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Connections)
	assert.Equal(t, 1, st.Participants)
	assert.True(t, stale.isClosed())
	assert.EqualValues(t, 1, testutil.ToFloat64(m.BroadcastDropped))

	counts := healthy.ofType(t, "participants")
	assert.EqualValues(t, 1, counts[len(counts)-1]["count"])
}

type dropFramePolicy struct{}

func (dropFramePolicy) OnBackPressure(domain.SessionConfig, core.Connection) BackpressureAction {
	return DropFrame
}

func TestCoordinator_DropFramePolicyKeepsConnection(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{Policy: dropFramePolicy{}})

	connect(t, co, domain.RoleAudience, "a")
	slow, _, _ := connect(t, co, domain.RoleAudience, "b")
	slow.mu.Lock()
	slow.fail = true
	slow.mu.Unlock()

	_, err := co.SubmitReaction(ctx, 1, "👍", "a")
	require.NoError(t, err)
	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Connections)
	assert.False(t, slow.isClosed())
}

func TestCoordinator_StartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	co := startCoordinator(t, cfg, Options{})

	same := cfg
	same.AllowedReactions = []string{"🔥", "👍"}
	require.NoError(t, co.Start(ctx, same))

	changed := cfg
	changed.SlideCount = 10
	require.ErrorIs(t, co.Start(ctx, changed), core.ErrConfigConflict)

	other := cfg
	other.ID = "elsewhere"
	require.ErrorIs(t, co.Start(ctx, other), core.ErrConfigConflict)
}

func TestCoordinator_RejectsInvalidConfig(t *testing.T) {
	co := NewCoordinator("bad", Options{})
	err := co.Start(context.Background(), domain.SessionConfig{ID: "bad", SlideCount: 0, AllowedReactions: []string{"👍"}})
	require.ErrorIs(t, err, domain.ErrNoSlides)
}

func TestCoordinator_NotStarted(t *testing.T) {
	co := NewCoordinator("idle", Options{})
	_, _, err := co.Connect(context.Background(), &fakeSignal{}, domain.Member{Token: "a", Role: domain.RoleAudience})
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestCoordinator_Close(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCheckpointStore()
	co := startCoordinator(t, testConfig(), Options{Store: store})

	a, _, _ := connect(t, co, domain.RoleAudience, "a")
	p, _, _ := connect(t, co, domain.RolePresenter, "host")
	_, err := co.SubmitReaction(ctx, 1, "🔥", "a")
	require.NoError(t, err)

	require.NoError(t, co.Close(ctx))
	assert.True(t, co.Closed())
	for _, sig := range []*fakeSignal{a, p} {
		assert.Len(t, sig.ofType(t, "closed"), 1)
		assert.True(t, sig.isClosed())
	}

	_, err = co.SubmitReaction(ctx, 1, "🔥", "a")
	require.ErrorIs(t, err, core.ErrSessionClosed)
	_, err = co.Snapshot(ctx)
	require.ErrorIs(t, err, core.ErrSessionClosed)
	require.ErrorIs(t, co.Close(ctx), core.ErrSessionClosed)

	cp, err := store.LoadCheckpoint(ctx, "talk")
	require.NoError(t, err, "close flushes a final checkpoint")
	assert.EqualValues(t, 1, cp.Tally[1]["🔥"])
}

func TestCoordinator_RestoresFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCheckpointStore()
	require.NoError(t, store.Checkpoint(ctx, "talk", domain.Checkpoint{
		SessionID:     "talk",
		CurrentSlide:  3,
		CursorVersion: 4,
		Tally:         domain.Tally{1: {"👍": 7, "💀": 2}, 2: {"🔥": 1}},
		Questions:     []domain.Question{{ID: "q1", Slide: 2, Text: "kept", Upvotes: 3}, {ID: "q2", Slide: 8, Text: "dropped"}},
	}))

	co := startCoordinator(t, testConfig(), Options{Store: store})
	_, _, snap := connect(t, co, domain.RoleAudience, "a")
	assert.Equal(t, 3, snap.CurrentSlide)
	assert.Equal(t, domain.Tally{1: {"👍": 7}, 2: {"🔥": 1}}, snap.Reactions)

	n, err := co.SubmitReaction(ctx, 1, "👍", "a")
	require.NoError(t, err)
	assert.EqualValues(t, 8, n)

	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, st.Questions, 1)
	assert.Equal(t, "q1", st.Questions[0].ID)
	assert.EqualValues(t, 3, st.Questions[0].Upvotes, "upvotes come from the record and are carried as-is")
	assert.EqualValues(t, 4, st.CursorVersion)
}

func TestCoordinator_CheckpointsOnMutation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCheckpointStore()
	co := startCoordinator(t, testConfig(), Options{Store: store})
	connect(t, co, domain.RoleAudience, "a")

	require.NoError(t, co.ChangeSlide(ctx, 2, domain.RolePresenter))
	require.Eventually(t, func() bool {
		cp, err := store.LoadCheckpoint(ctx, "talk")
		return err == nil && cp.CurrentSlide == 2
	}, time.Second, 5*time.Millisecond)
}

type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (s *failingStore) Checkpoint(context.Context, domain.SessionID, domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return errors.New("disk full")
}

func (s *failingStore) LoadCheckpoint(context.Context, domain.SessionID) (domain.Checkpoint, error) {
	return domain.Checkpoint{}, errors.New("disk unreadable")
}

func (s *failingStore) Delete(context.Context, domain.SessionID) error { return nil }

func (s *failingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestCoordinator_CheckpointFailureIsNotSurfaced(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{}
	m := metrics.New(nil)
	co := startCoordinator(t, testConfig(), Options{Store: store, Metrics: m})
	connect(t, co, domain.RoleAudience, "a")

	_, err := co.SubmitReaction(ctx, 1, "👍", "a")
	require.NoError(t, err)
	require.NoError(t, co.ChangeSlide(ctx, 2, domain.RolePresenter))

	require.Eventually(t, func() bool { return store.Calls() > 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.CheckpointFailures) > 0 }, time.Second, 5*time.Millisecond)

	st, err := co.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.CurrentSlide)
}

func TestCoordinator_CloseIfIdle(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	co := startCoordinator(t, testConfig(), Options{Now: clock.Now})

	_, id, _ := connect(t, co, domain.RoleAudience, "a")
	clock.Advance(time.Hour)
	stopped, err := co.CloseIfIdle(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, stopped, "sessions with connections stay up")

	require.NoError(t, co.Disconnect(ctx, id))
	since, idle := co.IdleSince()
	require.True(t, idle)
	assert.WithinDuration(t, clock.Now(), since, 0)

	stopped, err = co.CloseIfIdle(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, stopped, "grace period not over")

	clock.Advance(2 * time.Minute)
	stopped, err = co.CloseIfIdle(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.True(t, co.Closed())
}

func TestCoordinator_SlideReactions(t *testing.T) {
	ctx := context.Background()
	co := startCoordinator(t, testConfig(), Options{})
	connect(t, co, domain.RoleAudience, "a")

	_, err := co.SubmitReaction(ctx, 2, "🔥", "a")
	require.NoError(t, err)
	_, err = co.SubmitReaction(ctx, 1, "👍", "a")
	require.NoError(t, err)
	require.NoError(t, co.ChangeSlide(ctx, 2, domain.RolePresenter))

	slide, counts, err := co.SlideReactions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, slide)
	assert.Equal(t, map[string]uint64{"🔥": 1}, counts)

	slide, counts, err = co.SlideReactions(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, slide)
	assert.NotNil(t, counts)
	assert.Empty(t, counts)

	_, _, err = co.SlideReactions(ctx, 4)
	require.ErrorIs(t, err, core.ErrSlideOutOfRange)

	sig, _, snap := connect(t, co, domain.RolePresenter, "host")
	assert.Equal(t, map[string]uint64{"🔥": 1}, snap.CurrentSlideReactions)
	inits := sig.ofType(t, "init")
	require.Len(t, inits, 1)
	assert.Equal(t, map[string]any{"🔥": float64(1)}, inits[0]["currentSlideReactions"])
}
