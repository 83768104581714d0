package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func user(s string) domain.Turn      { return domain.UserTurn(domain.Text(s)) }
func assistant(s string) domain.Turn { return domain.AssistantTurn(s) }

func texts(turns []domain.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content.PlainText()
	}
	return out
}

func TestTrim(t *testing.T) {
	turns := []domain.Turn{
		domain.SystemTurn("sys"),
		user("u1"), assistant("a1"),
		user("u2"),
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCallRequest{{ID: "c", Name: "x"}}},
		domain.ToolCallResult{ToolCallID: "c", Name: "x", Content: "t2"}.Turn(),
		assistant("a2"),
		user("u3"), assistant("a3"),
	}

	tests := []struct {
		name string
		max  int
		want []string
	}{
		{"keep all when under", 5, texts(turns)},
		{"zero keeps everything", 0, texts(turns)},
		{"two newest", 2, []string{"sys", "u2", "", "t2", "a2", "u3", "a3"}},
		{"one newest", 1, []string{"sys", "u3", "a3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, texts(Trim(turns, tt.max)))
		})
	}
}

func TestTrimKeepsToolTurnsWithTheirAssistant(t *testing.T) {
	turns := []domain.Turn{
		user("old"), assistant("a"),
		user("new"),
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCallRequest{{ID: "c1", Name: "x"}}},
		domain.ToolCallResult{ToolCallID: "c1", Name: "x", Content: "r"}.Turn(),
	}
	got := Trim(turns, 1)
	require.Len(t, got, 3)
	assert.Equal(t, domain.RoleTool, got[2].Role)
	assert.Equal(t, "c1", got[2].ToolCallID)
}

func TestWindowLeavesRoomForTheQuestion(t *testing.T) {
	turns := []domain.Turn{
		domain.SystemTurn("sys"),
		user("u1"), assistant("a1"),
		user("u2"), assistant("a2"),
	}
	assert.Equal(t, []string{"sys", "u2", "a2"}, texts(Window(turns, 2)))
	assert.Equal(t, []string{"sys"}, texts(Window(turns, 1)))
	assert.Equal(t, texts(turns), texts(Window(turns, 3)))
	assert.Equal(t, texts(turns), texts(Window(turns, 0)))
}

func TestRetainBoundsStoredTurns(t *testing.T) {
	ctx := context.Background()
	id := domain.ChatID("qq_group_9")
	backend := NewMemoryStore()
	cached := NewCachedStore(backend, time.Minute, logging.New(nil, "silent"))
	_, _ = cached.Load(ctx, id)

	require.NoError(t, cached.AppendTurns(ctx, id, domain.SystemTurn("sys")))
	for i := range 5 {
		require.NoError(t, cached.AppendTurns(ctx, id, user(fmt.Sprint("u", i)), assistant(fmt.Sprint("a", i))))
		require.NoError(t, cached.Retain(ctx, id, 3))
	}

	want := []string{"sys", "u2", "a2", "u3", "a3", "u4", "a4"}
	c, _ := cached.Load(ctx, id)
	assert.Equal(t, want, texts(c.Turns))
	c, _ = backend.Load(ctx, id)
	assert.Equal(t, want, texts(c.Turns))

	require.NoError(t, backend.Retain(ctx, "qq_group_unknown", 1))
	assert.Equal(t, 1, backend.Len())
}

func TestChatContextEffective(t *testing.T) {
	c := &ChatContext{}
	assert.Equal(t, "local_model", c.EffectiveModel("local_model"))
	assert.True(t, c.EffectiveTools(true))

	off := false
	c = &ChatContext{Model: "vision", ToolsEnabled: &off}
	assert.Equal(t, "vision", c.EffectiveModel("local_model"))
	assert.False(t, c.EffectiveTools(true))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := domain.ChatID("qq_group_1")

	c, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, c.ChatID)
	assert.Empty(t, c.Turns)
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.AppendTurns(ctx, id, user("hi"), assistant("hello")))
	require.NoError(t, s.SetModel(ctx, id, "vision"))
	require.NoError(t, s.SetToolsEnabled(ctx, id, false))
	require.NoError(t, s.SetCustomPrompt(ctx, id, "be terse"))

	c, err = s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"hi", "hello"}, texts(c.Turns))
	assert.Equal(t, "vision", c.Model)
	assert.False(t, *c.ToolsEnabled)
	assert.Equal(t, "be terse", c.CustomPrompt)
	assert.False(t, c.UpdatedAt.IsZero())

	// Loaded copies are independent of the store.
	c.Turns[0] = user("mutated")
	again, _ := s.Load(ctx, id)
	assert.Equal(t, "hi", again.Turns[0].Content.Text)

	require.NoError(t, s.Clear(ctx, id))
	c, _ = s.Load(ctx, id)
	assert.Empty(t, c.Turns)
	assert.Equal(t, "vision", c.Model, "clear keeps settings")
}

// countingStore records backend loads.
type countingStore struct {
	*MemoryStore
	loads   int
	failSet bool
}

func (c *countingStore) Load(ctx context.Context, id domain.ChatID) (*ChatContext, error) {
	c.loads++
	return c.MemoryStore.Load(ctx, id)
}

func (c *countingStore) SetModel(ctx context.Context, id domain.ChatID, model string) error {
	if c.failSet {
		return errors.New("disk full")
	}
	return c.MemoryStore.SetModel(ctx, id, model)
}

func TestCachedStoreCachesLoads(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{MemoryStore: NewMemoryStore()}
	s := NewCachedStore(backend, time.Minute, logging.New(nil, "silent"))
	id := domain.ChatID("qq_private_7")

	_, err := s.Load(ctx, id)
	require.NoError(t, err)
	_, err = s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.loads)
	assert.Equal(t, 1, s.Cached())

	require.NoError(t, s.AppendTurns(ctx, id, user("a")))
	require.NoError(t, s.SetCustomPrompt(ctx, id, "p"))
	c, _ := s.Load(ctx, id)
	assert.Equal(t, []string{"a"}, texts(c.Turns))
	assert.Equal(t, "p", c.CustomPrompt)
	assert.Equal(t, 1, backend.loads)

	fromBackend, _ := backend.MemoryStore.Load(ctx, id)
	assert.Equal(t, []string{"a"}, texts(fromBackend.Turns), "writes go through")
}

func TestCachedStoreWriteFailureLeavesCache(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{MemoryStore: NewMemoryStore(), failSet: true}
	s := NewCachedStore(backend, time.Minute, logging.New(nil, "silent"))
	id := domain.ChatID("qq_private_7")

	_, _ = s.Load(ctx, id)
	assert.Error(t, s.SetModel(ctx, id, "vision"))
	c, _ := s.Load(ctx, id)
	assert.Empty(t, c.Model)
}

func TestCachedStoreUnload(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{MemoryStore: NewMemoryStore()}
	s := NewCachedStore(backend, 10*time.Minute, logging.New(nil, "silent"))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, _ = s.Load(ctx, "qq_group_old")
	now = now.Add(8 * time.Minute)
	_, _ = s.Load(ctx, "qq_group_new")
	now = now.Add(5 * time.Minute)

	assert.Equal(t, 1, s.Unload())
	assert.Equal(t, 1, s.Cached())

	_, _ = s.Load(ctx, "qq_group_old")
	assert.Equal(t, 3, backend.loads, "unloaded chat is read from the backend again")
}

func TestCachedStoreStartStop(t *testing.T) {
	s := NewCachedStore(NewMemoryStore(), time.Nanosecond, logging.New(nil, "silent"))
	_, _ = s.Load(context.Background(), "qq_group_1")

	require.NoError(t, s.Start(time.Second))
	assert.Eventually(t, func() bool { return s.Cached() == 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}

func TestCachedStoreDisabledUnload(t *testing.T) {
	s := NewCachedStore(NewMemoryStore(), 0, logging.New(nil, "silent"))
	_, _ = s.Load(context.Background(), "qq_group_1")
	assert.Equal(t, 0, s.Unload())
	require.NoError(t, s.Start(time.Second))
	s.Stop()
}
