package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestMemoryServiceCreateAndGet(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	assert.Empty(t, sess.Events)

	got, err := svc.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = svc.Get(ctx, "app", "alice", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryServiceCreateGeneratesID(t *testing.T) {
	svc := NewMemoryService()

	sess, err := svc.Create(context.Background(), "app", "alice", "")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
}

func TestMemoryServiceCreateIsIdempotent(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()

	first, err := svc.Create(ctx, "app", "alice", "s1")
	require.NoError(t, err)

	ev := models.NewEvent("inv", "user")
	ev.Content = models.NewTextContent(models.RoleUser, "hi")
	require.NoError(t, svc.AppendEvent(ctx, first, ev))

	again, err := svc.Create(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Len(t, again.Events, 1, "re-creating must return the existing session")
}

func TestMemoryServiceAppendAppliesTieredDelta(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "alice", "s1")
	require.NoError(t, err)

	ev := models.NewEvent("inv", "agent")
	ev.Actions.StateDelta = map[string]any{
		"app:theme":   "dark",
		"user:tz":     "UTC",
		"temp:scratch": "gone",
		"step":        1,
	}
	require.NoError(t, svc.AppendEvent(ctx, sess, ev))

	assert.Equal(t, "dark", sess.State["app:theme"])
	assert.Equal(t, "UTC", sess.State["user:tz"])
	assert.Equal(t, 1, sess.State["step"])
	_, hasTemp := sess.State["temp:scratch"]
	assert.False(t, hasTemp, "temp keys must not persist")

	// app tier visible to another user's session, user tier not.
	other, err := svc.Create(ctx, "app", "bob", "s2")
	require.NoError(t, err)
	assert.Equal(t, "dark", other.State["app:theme"])
	_, hasTZ := other.State["user:tz"]
	assert.False(t, hasTZ)

	// user tier shared across sessions of the same user.
	second, err := svc.Create(ctx, "app", "alice", "s3")
	require.NoError(t, err)
	assert.Equal(t, "UTC", second.State["user:tz"])
	_, hasStep := second.State["step"]
	assert.False(t, hasStep, "session tier is per session")
}

func TestMemoryServiceAppendSkipsPartials(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "alice", "s1")
	require.NoError(t, err)

	partial := models.NewEvent("inv", "agent")
	partial.Partial = true
	partial.Content = models.NewTextContent(models.RoleModel, "chu")
	require.NoError(t, svc.AppendEvent(ctx, sess, partial))

	got, err := svc.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Events)
}

func TestMemoryServiceSnapshotsAreIsolated(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "alice", "s1")
	require.NoError(t, err)

	ev := models.NewEvent("inv", "user")
	ev.Content = models.NewTextContent(models.RoleUser, "original")
	require.NoError(t, svc.AppendEvent(ctx, sess, ev))

	got, err := svc.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	got.Events[0].Content.Parts[0].Text = "mutated"

	fresh, err := svc.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "original", fresh.Events[0].Content.Parts[0].Text)
}

func TestMemoryServiceListAndDelete(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()

	_, err := svc.Create(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "app", "alice", "s2")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "app", "bob", "s3")
	require.NoError(t, err)

	got, err := svc.List(ctx, "app", "alice")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, svc.Delete(ctx, "app", "alice", "s1"))
	got, err = svc.List(ctx, "app", "alice")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = svc.Get(ctx, "app", "alice", "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryServiceConcurrentAppends(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "alice", "s1")
	require.NoError(t, err)

	const writers = 8
	const perWriter = 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := sess.Clone()
			for i := 0; i < perWriter; i++ {
				ev := models.NewEvent("inv", "agent")
				ev.Content = models.NewTextContent(models.RoleModel, fmt.Sprintf("w%d-%d", w, i))
				if err := svc.AppendEvent(ctx, local, ev); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	got, err := svc.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Len(t, got.Events, writers*perWriter)
}
