package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBase = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func seedEvents(t *testing.T, l *MemoryLogger, n int) {
	t.Helper()
	ctx := context.Background()
	for i := range n {
		require.NoError(t, l.Log(ctx, Event{
			ID:          fmt.Sprintf("evt-%d", i),
			Timestamp:   testBase.Add(time.Duration(i) * time.Minute),
			SessionHash: HashSessionID(fmt.Sprintf("sess-%d", i%2)),
			Action:      ActionConsumed,
			Success:     true,
		}))
	}
}

func TestHashSessionID(t *testing.T) {
	assert.Empty(t, HashSessionID(""))
	assert.Len(t, HashSessionID("sess-1"), 64)
	assert.Equal(t, HashSessionID("sess-1"), HashSessionID("sess-1"))
	assert.NotEqual(t, HashSessionID("sess-1"), HashSessionID("sess-2"))
	assert.NotContains(t, HashSessionID("sess-1"), "sess-1")
}

func TestMemoryLogger_QueryNewestFirst(t *testing.T) {
	l := NewMemoryLogger(0)
	seedEvents(t, l, 5)

	events, err := l.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, "evt-4", events[0].ID)
	assert.Equal(t, "evt-0", events[4].ID)
}

func TestMemoryLogger_Filters(t *testing.T) {
	l := NewMemoryLogger(0)
	ctx := context.Background()
	seedEvents(t, l, 4)
	require.NoError(t, l.Log(ctx, Event{
		ID:          "evt-err",
		Timestamp:   testBase.Add(time.Hour),
		SessionHash: HashSessionID("sess-err"),
		Action:      ActionError,
		Success:     false,
	}))

	t.Run("by session hash", func(t *testing.T) {
		events, err := l.Query(ctx, QueryFilter{SessionHash: HashSessionID("sess-0")})
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("by action", func(t *testing.T) {
		events, err := l.Query(ctx, QueryFilter{Action: ActionError})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "evt-err", events[0].ID)
	})

	t.Run("by success", func(t *testing.T) {
		failed := false
		events, err := l.Query(ctx, QueryFilter{Success: &failed})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "evt-err", events[0].ID)
	})

	t.Run("by time window", func(t *testing.T) {
		start := testBase.Add(2 * time.Minute)
		end := testBase.Add(3 * time.Minute)
		events, err := l.Query(ctx, QueryFilter{StartTime: &start, EndTime: &end})
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("no match", func(t *testing.T) {
		events, err := l.Query(ctx, QueryFilter{Action: "no-such-action"})
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestMemoryLogger_Pagination(t *testing.T) {
	l := NewMemoryLogger(0)
	ctx := context.Background()
	seedEvents(t, l, 10)

	events, err := l.Query(ctx, QueryFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "evt-9", events[0].ID)

	events, err = l.Query(ctx, QueryFilter{Limit: 3, Offset: 3})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "evt-6", events[0].ID)

	events, err = l.Query(ctx, QueryFilter{Offset: 50})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryLogger_CapacityTrim(t *testing.T) {
	l := NewMemoryLogger(3)
	ctx := context.Background()
	seedEvents(t, l, 5)

	events, err := l.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3, "oldest events fall off at capacity")
	assert.Equal(t, "evt-4", events[0].ID)
	assert.Equal(t, "evt-2", events[2].ID)
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, Event{ID: "evt-1"}))

	events, err := l.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, l.Close())
}
