package checkpoint_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint"
)

func TestNewID_Sortable(t *testing.T) {
	// IDs minted in sequence must sort in creation order; "latest
	// checkpoint" queries depend on it.
	prev := ""
	for i := 0; i < 1000; i++ {
		id := checkpoint.NewID()
		require.NotEmpty(t, id)
		if prev != "" {
			assert.Greater(t, id, prev, "IDs must be monotonically increasing")
		}
		prev = id
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := checkpoint.NewID()
		require.False(t, seen[id], "duplicate ID %s", id)
		seen[id] = true
	}
}

func TestCheckpoint_Clone(t *testing.T) {
	cp := checkpoint.Checkpoint{
		ID:              checkpoint.NewID(),
		ParentID:        checkpoint.NewID(),
		State:           []byte(`{"v":1}`),
		ChannelVersions: checkpoint.ChannelVersions{"messages": 3},
	}

	clone := cp.Clone()
	assert.Equal(t, cp, clone)

	// Mutating the clone must not leak into the original.
	clone.State[0] = 'x'
	clone.ChannelVersions["messages"] = 99
	assert.Equal(t, []byte(`{"v":1}`), cp.State)
	assert.Equal(t, int64(3), cp.ChannelVersions["messages"])
}

func TestMetadata_Clone(t *testing.T) {
	md := checkpoint.Metadata{"source": "input", "step": "1"}
	clone := md.Clone()
	assert.Equal(t, md, clone)

	clone["source"] = "loop"
	assert.Equal(t, "input", md["source"])

	assert.Nil(t, checkpoint.Metadata(nil).Clone())
}

func TestAll_DrainsAndCloses(t *testing.T) {
	tuples := []*checkpoint.Tuple{
		{ThreadID: "t", Checkpoint: checkpoint.Checkpoint{ID: "3"}},
		{ThreadID: "t", Checkpoint: checkpoint.Checkpoint{ID: "2"}},
		{ThreadID: "t", Checkpoint: checkpoint.Checkpoint{ID: "1"}},
	}

	got, err := checkpoint.All(context.Background(), checkpoint.NewSliceIterator(tuples))
	require.NoError(t, err)
	assert.Equal(t, tuples, got)
}

func TestAll_Empty(t *testing.T) {
	got, err := checkpoint.All(context.Background(), checkpoint.NewSliceIterator(nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSliceIterator_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	it := checkpoint.NewSliceIterator([]*checkpoint.Tuple{
		{Checkpoint: checkpoint.Checkpoint{ID: "1"}},
	})
	defer it.Close()

	_, err := it.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestErrorClassification(t *testing.T) {
	conflict := checkpoint.Conflictf("put %s/%s", "thread-1", "cp-1")
	assert.True(t, checkpoint.IsConflict(conflict))
	assert.False(t, checkpoint.IsUnavailable(conflict))
	assert.Contains(t, conflict.Error(), "thread-1")

	cause := errors.New("connection refused")
	unavailable := checkpoint.Unavailablef(cause, "get latest %s", "thread-1")
	assert.True(t, checkpoint.IsUnavailable(unavailable))
	assert.False(t, checkpoint.IsConflict(unavailable))
	assert.ErrorIs(t, unavailable, cause)
}
