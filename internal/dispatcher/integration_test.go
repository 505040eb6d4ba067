package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starkcore/starkcore/internal/storage"
)

// TestTurnCompletedEventCarriesStats exercises TurnStats end to end: a
// tool-calling turn should report the tool call count and a non-negative
// wall time on agent.turn_completed.
func TestTurnCompletedEventCarriesStats(t *testing.T) {
	h := newHarness(t, DefaultConfig(),
		toolStep("echo", map[string]any{"text": "hi"}),
		textStep("done"),
	)
	ctx := context.Background()
	s, err := h.mgr.GetOrCreate(ctx, "telegram", "chat-stats")
	require.NoError(t, err)
	require.NoError(t, h.d.Submit(s, &storage.Message{Content: "run echo"}))

	e := waitForEvent(t, h.events.ch, "agent.turn_completed")
	assert.EqualValues(t, 1, e.data["tool_calls"])
	assert.GreaterOrEqual(t, e.data["wall_time_ms"].(int64), int64(0))
}

// TestAutoMemoryHookWritesInferredMemory exercises the post-turn
// extraction hook: a completed turn should trigger a second Provider
// call whose FACT: lines land as inferred memories.
func TestAutoMemoryHookWritesInferredMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoMemoryHook = true
	h := newHarness(t, cfg,
		textStep("hello there"),
		textStep("FACT: user prefers dark roast coffee"),
	)
	ctx := context.Background()
	s, err := h.mgr.GetOrCreate(ctx, "telegram", "chat-automem")
	require.NoError(t, err)
	require.NoError(t, h.d.Submit(s, &storage.Message{Content: "hi"}))

	waitForEvent(t, h.events.ch, "agent.turn_completed")

	require.Eventually(t, func() bool {
		rows, err := h.store.ListMemories(ctx, storage.MemoryFilter{MemoryType: storage.MemoryFact}, 10, 0)
		return err == nil && len(rows) == 1 && rows[0].SourceType == storage.SourceInferred
	}, 2*time.Second, 20*time.Millisecond, "expected an inferred fact memory to be written")
}

// TestAutoMemoryHookDisabledByDefault confirms DefaultConfig doesn't pay
// for the extra extraction call unless AutoMemoryHook is turned on.
func TestAutoMemoryHookDisabledByDefault(t *testing.T) {
	h := newHarness(t, DefaultConfig(), textStep("hello there"))
	ctx := context.Background()
	s, err := h.mgr.GetOrCreate(ctx, "telegram", "chat-automem-off")
	require.NoError(t, err)
	require.NoError(t, h.d.Submit(s, &storage.Message{Content: "hi"}))

	waitForEvent(t, h.events.ch, "agent.turn_completed")

	rows, err := h.store.ListMemories(ctx, storage.MemoryFilter{MemoryType: storage.MemoryFact}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
