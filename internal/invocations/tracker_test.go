package invocations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndStatus(t *testing.T) {
	tracker := NewTracker()

	id, ctx := tracker.Register(context.Background())
	assert.NotEmpty(t, id)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, StatusActive, tracker.Status(id))
}

func TestCancelFiresSignal(t *testing.T) {
	tracker := NewTracker()
	id, ctx := tracker.Register(context.Background())

	require.True(t, tracker.Cancel(id))
	assert.Error(t, ctx.Err())
	assert.Equal(t, StatusCancelled, tracker.Status(id))

	assert.False(t, tracker.Cancel("unknown"))
}

func TestCompleteRemovesEntry(t *testing.T) {
	tracker := NewTracker()
	id, _ := tracker.Register(context.Background())

	tracker.Complete(id)
	// The entry vanishes on completion; not_found is terminal success.
	assert.Equal(t, StatusNotFound, tracker.Status(id))
	assert.False(t, tracker.Cancel(id))
}

func TestParentCancellationPropagates(t *testing.T) {
	tracker := NewTracker()
	parent, cancel := context.WithCancel(context.Background())

	id, ctx := tracker.Register(parent)
	cancel()
	assert.Error(t, ctx.Err())
	// Parent cancellation does not change tracked status by itself.
	assert.Equal(t, StatusActive, tracker.Status(id))
}
