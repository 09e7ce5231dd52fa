package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint"
	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint/memory"
	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint/savertest"
)

func TestMemorySaver_Contract(t *testing.T) {
	savertest.Run(t, "memory", func(t *testing.T) checkpoint.Saver {
		return memory.New()
	})
}

func TestMemorySaver_Len(t *testing.T) {
	s := memory.New()
	defer s.Close()
	ctx := context.Background()

	assert.Equal(t, 0, s.Len())

	_, err := s.Put(ctx, "thread-1", checkpoint.Checkpoint{ID: checkpoint.NewID()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	_, err = s.Put(ctx, "thread-2", checkpoint.Checkpoint{ID: checkpoint.NewID()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.DeleteThread(ctx, "thread-1"))
	assert.Equal(t, 1, s.Len())
}

func TestMemorySaver_Closed(t *testing.T) {
	s := memory.New()
	require.NoError(t, s.Close())
	ctx := context.Background()

	_, err := s.Put(ctx, "thread-1", checkpoint.Checkpoint{ID: checkpoint.NewID()}, nil)
	assert.ErrorIs(t, err, checkpoint.ErrSaverClosed)

	_, err = s.GetTuple(ctx, "thread-1", "")
	assert.ErrorIs(t, err, checkpoint.ErrSaverClosed)

	err = s.PutWrites(ctx, "thread-1", "cp", "task", nil)
	assert.ErrorIs(t, err, checkpoint.ErrSaverClosed)

	_, err = checkpoint.All(ctx, s.List(ctx, "thread-1", checkpoint.ListOptions{}))
	assert.ErrorIs(t, err, checkpoint.ErrSaverClosed)

	assert.ErrorIs(t, s.DeleteThread(ctx, "thread-1"), checkpoint.ErrSaverClosed)

	// Close is idempotent.
	assert.NoError(t, s.Close())
}

func TestMemorySaver_NoAliasing(t *testing.T) {
	s := memory.New()
	defer s.Close()
	ctx := context.Background()

	state := []byte(`{"v":1}`)
	cp := checkpoint.Checkpoint{ID: checkpoint.NewID(), State: state}
	_, err := s.Put(ctx, "thread-1", cp, nil)
	require.NoError(t, err)

	// Mutating the caller's slice must not corrupt the stored copy.
	state[0] = 'x'

	tp, err := s.GetTuple(ctx, "thread-1", cp.ID)
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.Equal(t, []byte(`{"v":1}`), tp.Checkpoint.State)
}

func TestMemorySaver_Concurrent(t *testing.T) {
	s := memory.New()
	defer s.Close()

	const numGoroutines = 50
	const numOps = 20

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			ctx := context.Background()

			threadID := fmt.Sprintf("thread-%d", id%8)
			for j := 0; j < numOps; j++ {
				switch j % 4 {
				case 0, 1:
					_, _ = s.Put(ctx, threadID, checkpoint.Checkpoint{
						ID:    checkpoint.NewID(),
						State: []byte(`{}`),
					}, checkpoint.Metadata{"source": "loop"})
				case 2:
					_, _ = s.GetTuple(ctx, threadID, "")
				case 3:
					_, _ = checkpoint.All(ctx, s.List(ctx, threadID, checkpoint.ListOptions{Limit: 3}))
				}
			}
		}(i)
	}

	wg.Wait()
}
