package session

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/harun/tata/pkg/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupTestStore(t *testing.T) (*SQLiteStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	store, err := NewSQLiteStore(SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "sessions.db"),
		Now:  clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, clock
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(SQLiteConfig{})
	assert.Error(t, err)
}

func TestNewSessionID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := NewSessionID(now)
	assert.Regexp(t, regexp.MustCompile(`^session_1700000000123_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewSessionID(now))
}

func TestDeriveStatus(t *testing.T) {
	paused := agent.NewState("q")
	paused.Pause("继续吗？")

	finished := agent.NewState("q")
	finished.SetAction(agent.Finish("done"))

	assert.Equal(t, StatusPaused, DeriveStatus(paused))
	assert.Equal(t, StatusCompleted, DeriveStatus(finished))
	assert.Equal(t, StatusActive, DeriveStatus(agent.NewState("q")))
	assert.Equal(t, StatusActive, DeriveStatus(nil))
}

func TestSQLiteStore_LoadMissing(t *testing.T) {
	store, _ := setupTestStore(t)

	snap, err := store.Load(context.Background(), "session_missing")
	assert.NoError(t, err)
	assert.Nil(t, snap)

	_, err = store.Load(context.Background(), "")
	assert.Error(t, err)
}

func TestSQLiteStore_SaveLoadRoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	state := agent.NewState("去杭州")
	state.AgendaDoc = "- [ ] 去杭州 @overall_goal"
	state.SessionMemory = "- 喜欢美食"
	state.Messages = []agent.Message{agent.SystemMessage("sys"), agent.UserMessage("去杭州")}
	state.DraftOutputs["itinerary_planner_42"] = "第1天..."
	state.Pause("预算多少？")

	require.NoError(t, store.Save(ctx, "s1", Snapshot{UserID: "u1", State: state}))

	snap, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, StatusPaused, snap.Status)
	assert.Equal(t, state.AgendaDoc, snap.State.AgendaDoc)
	assert.Equal(t, state.SessionMemory, snap.State.SessionMemory)
	assert.Equal(t, state.Messages, snap.State.Messages)
	assert.True(t, snap.State.IsInteractivePause)
	assert.Equal(t, "第1天...", snap.State.DraftOutputs["itinerary_planner_42"])

	draft := snap.Drafts["itinerary_planner_42"]
	assert.Equal(t, 1, draft.Version)
	assert.Equal(t, CreatedByAI, draft.CreatedBy)
}

func TestSQLiteStore_SaveKeepsUserID(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s1", Snapshot{UserID: "u1", State: agent.NewState("a")}))
	require.NoError(t, store.Save(ctx, "s1", Snapshot{State: agent.NewState("b")}))

	snap, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, "b", snap.State.InputQuery)
}

func TestSQLiteStore_AppendMessageIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendMessage(ctx, "s1", "user", "你好", nil))
	require.NoError(t, store.AppendMessage(ctx, "s1", "user", "你好", nil))
	require.NoError(t, store.AppendMessage(ctx, "s1", RoleAIPause, "预算多少？", map[string]interface{}{"paused": true}))
	require.NoError(t, store.AppendMessage(ctx, "s1", RoleAIPause, "预算多少？", nil))
	require.NoError(t, store.AppendMessage(ctx, "s1", "user", "你好", nil))

	msgs, err := store.Messages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, agent.RoleUser, msgs[0].Role)
	assert.Equal(t, agent.RoleAssistant, msgs[1].Role)
	assert.Equal(t, RoleAIPause, msgs[1].RawRole)
	assert.Equal(t, true, msgs[1].Metadata["paused"])
	assert.Equal(t, "你好", msgs[2].Content)
}

func TestSQLiteStore_AppendDraftsVersioning(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendDrafts(ctx, "s1", map[string]string{
		"travel_planner_1": "v1",
		"user_notes":       "mine",
	}))
	clock.Advance(time.Minute)
	require.NoError(t, store.AppendDrafts(ctx, "s1", map[string]string{
		"travel_planner_1": "v1",
		"user_notes":       "mine, edited",
	}))
	require.NoError(t, store.Save(ctx, "s1", Snapshot{State: agent.NewState("q")}))

	snap, err := store.Load(ctx, "s1")
	require.NoError(t, err)

	ai := snap.Drafts["travel_planner_1"]
	assert.Equal(t, 1, ai.Version)
	assert.Equal(t, CreatedByAI, ai.CreatedBy)

	user := snap.Drafts["user_notes"]
	assert.Equal(t, 2, user.Version)
	assert.Equal(t, CreatedByUser, user.CreatedBy)
	assert.Equal(t, "mine, edited", user.Content)
	assert.Equal(t, "mine, edited", snap.State.DraftOutputs["user_notes"])
}

func TestSQLiteStore_ConcurrentLoadsGetIndependentCopies(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	state := agent.NewState("q")
	state.DraftOutputs["a"] = "x"
	require.NoError(t, store.Save(ctx, "s1", Snapshot{State: state}))

	const loaders = 8
	results := make([]*Snapshot, loaders)
	var wg sync.WaitGroup
	for i := 0; i < loaders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := store.Load(ctx, "s1")
			assert.NoError(t, err)
			results[i] = snap
		}(i)
	}
	wg.Wait()

	for i := 1; i < loaders; i++ {
		require.NotNil(t, results[i])
		assert.NotSame(t, results[0].State, results[i].State)
	}
	results[0].State.DraftOutputs["a"] = "changed"
	assert.Equal(t, "x", results[1].State.DraftOutputs["a"])
}

func TestSQLiteStore_SharedLoadSurvivesCancelledCaller(t *testing.T) {
	store, _ := setupTestStore(t)
	require.NoError(t, store.Save(context.Background(), "s1", Snapshot{State: agent.NewState("q")}))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	const loaders = 6
	errs := make([]error, loaders)
	snaps := make([]*Snapshot, loaders)
	var wg sync.WaitGroup
	for i := 0; i < loaders; i++ {
		ctx := context.Background()
		if i%2 == 0 {
			ctx = cancelled
		}
		wg.Add(1)
		go func(i int, ctx context.Context) {
			defer wg.Done()
			snaps[i], errs[i] = store.Load(ctx, "s1")
		}(i, ctx)
	}
	wg.Wait()

	for i := 0; i < loaders; i++ {
		require.NoError(t, errs[i], "loader %d", i)
		require.NotNil(t, snaps[i])
		assert.Equal(t, "q", snaps[i].State.InputQuery)
	}
}

func TestSQLiteStore_DraftOrderRoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	state := agent.NewState("q")
	state.AddDraft("travel_planner_9", "行程")
	state.AddDraft("accommodation_planner_1", "住宿")
	require.NoError(t, store.Save(ctx, "s1", Snapshot{State: state}))

	snap, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"travel_planner_9", "accommodation_planner_1"}, snap.State.DraftIDs())
}

func TestSQLiteStore_ListAndDelete(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s1", Snapshot{UserID: "u1", State: agent.NewState("a")}))
	clock.Advance(time.Second)
	require.NoError(t, store.Save(ctx, "s2", Snapshot{UserID: "u2", State: agent.NewState("b")}))
	require.NoError(t, store.AppendMessage(ctx, "s1", "user", "a", nil))

	all, err := store.ListSessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s2", all[0].ID)

	mine, err := store.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, 1, mine[0].MessageCount)

	require.NoError(t, store.DeleteSession(ctx, "s1"))
	snap, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	msgs, err := store.Messages(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCleanup_RunOnce(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	done := agent.NewState("old")
	done.SetAction(agent.Finish("bye"))
	require.NoError(t, store.Save(ctx, "old_done", Snapshot{State: done}))
	require.NoError(t, store.Save(ctx, "old_active", Snapshot{State: agent.NewState("x")}))

	clock.Advance(40 * 24 * time.Hour)
	require.NoError(t, store.Save(ctx, "new_done", Snapshot{State: done}))

	cleanup, err := NewCleanup(store, "", 30*24*time.Hour)
	require.NoError(t, err)
	cleanup.now = clock.Now

	n, err := cleanup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	infos, err := store.ListSessions(ctx, "")
	require.NoError(t, err)
	var ids []string
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	assert.ElementsMatch(t, []string{"old_active", "new_done"}, ids)
}

func TestCleanup_StartStop(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := NewCleanup(store, "not a schedule", time.Hour)
	assert.Error(t, err)

	cleanup, err := NewCleanup(store, "@every 1h", time.Hour)
	require.NoError(t, err)

	require.NoError(t, cleanup.Start())
	assert.Error(t, cleanup.Start())
	require.NoError(t, cleanup.Stop())
	assert.Error(t, cleanup.Stop())
}
