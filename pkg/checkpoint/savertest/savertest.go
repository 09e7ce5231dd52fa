// Package savertest provides the conformance suite every Saver backend
// must pass. Backend packages call Run from their own tests with a
// factory for a fresh, empty saver.
package savertest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint"
)

// Factory creates a fresh saver for one subtest. Cleanup is registered
// by the factory itself (t.Cleanup or t.TempDir).
type Factory func(t *testing.T) checkpoint.Saver

// Run executes the full saver conformance suite against a backend.
func Run(t *testing.T, name string, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s checkpoint.Saver)
	}{
		{"PutGetRoundTrip", testPutGetRoundTrip},
		{"GetLatest", testGetLatest},
		{"GetTupleNotFound", testGetTupleNotFound},
		{"PutIdempotent", testPutIdempotent},
		{"PutConflict", testPutConflict},
		{"ParentThreading", testParentThreading},
		{"PendingWrites", testPendingWrites},
		{"PutWritesIdempotent", testPutWritesIdempotent},
		{"ListDescending", testListDescending},
		{"ListLimit", testListLimit},
		{"ListBeforeCursor", testListBeforeCursor},
		{"ListFilter", testListFilter},
		{"MetadataNumeric", testMetadataNumeric},
		{"ListEmptyThread", testListEmptyThread},
		{"DeleteThread", testDeleteThread},
		{"DeleteUnknownThread", testDeleteUnknownThread},
		{"ThreadIsolation", testThreadIsolation},
	}

	for _, tc := range tests {
		t.Run(name+"/"+tc.name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

// putN stores n sequential checkpoints on a thread and returns them in
// insertion order. Each checkpoint's parent is its predecessor.
func putN(t *testing.T, s checkpoint.Saver, threadID string, n int) []checkpoint.Checkpoint {
	t.Helper()

	ctx := context.Background()
	cps := make([]checkpoint.Checkpoint, 0, n)
	parent := ""
	for i := 0; i < n; i++ {
		cp := checkpoint.Checkpoint{
			ID:       checkpoint.NewID(),
			ParentID: parent,
			State:    []byte(fmt.Sprintf(`{"step":%d}`, i)),
			ChannelVersions: checkpoint.ChannelVersions{
				"messages": int64(i + 1),
			},
		}
		id, err := s.Put(ctx, threadID, cp, checkpoint.Metadata{
			"step":   fmt.Sprintf("%d", i),
			"source": "loop",
		})
		require.NoError(t, err)
		require.Equal(t, cp.ID, id)
		cps = append(cps, cp)
		parent = cp.ID
	}
	return cps
}

func testPutGetRoundTrip(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()

	cp := checkpoint.Checkpoint{
		ID:    checkpoint.NewID(),
		State: []byte(`{"messages":["hello"],"counter":3}`),
		ChannelVersions: checkpoint.ChannelVersions{
			"messages": 1,
			"counter":  4,
		},
	}
	md := checkpoint.Metadata{"source": "input", "writes": "none"}

	id, err := s.Put(ctx, "thread-1", cp, md)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, id)

	tp, err := s.GetTuple(ctx, "thread-1", cp.ID)
	require.NoError(t, err)
	require.NotNil(t, tp)

	assert.Equal(t, "thread-1", tp.ThreadID)
	assert.Equal(t, cp.ID, tp.Checkpoint.ID)
	assert.Equal(t, cp.State, tp.Checkpoint.State)
	assert.Equal(t, cp.ChannelVersions, tp.Checkpoint.ChannelVersions)
	assert.Equal(t, md, tp.Metadata)
	assert.Empty(t, tp.Checkpoint.ParentID)
}

func testGetLatest(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	cps := putN(t, s, "thread-1", 5)

	tp, err := s.GetTuple(ctx, "thread-1", "")
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.Equal(t, cps[len(cps)-1].ID, tp.Checkpoint.ID)
}

func testGetTupleNotFound(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()

	tp, err := s.GetTuple(ctx, "no-such-thread", "")
	require.NoError(t, err)
	assert.Nil(t, tp)

	putN(t, s, "thread-1", 1)
	tp, err = s.GetTuple(ctx, "thread-1", checkpoint.NewID())
	require.NoError(t, err)
	assert.Nil(t, tp)
}

func testPutIdempotent(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()

	cp := checkpoint.Checkpoint{
		ID:    checkpoint.NewID(),
		State: []byte(`{"v":1}`),
	}
	md := checkpoint.Metadata{"source": "input"}

	_, err := s.Put(ctx, "thread-1", cp, md)
	require.NoError(t, err)

	// Same identifiers, same payload: retry must be a no-op.
	id, err := s.Put(ctx, "thread-1", cp, md)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, id)

	tuples, err := checkpoint.All(ctx, s.List(ctx, "thread-1", checkpoint.ListOptions{}))
	require.NoError(t, err)
	assert.Len(t, tuples, 1)
}

func testPutConflict(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()

	cp := checkpoint.Checkpoint{
		ID:    checkpoint.NewID(),
		State: []byte(`{"v":1}`),
	}
	_, err := s.Put(ctx, "thread-1", cp, nil)
	require.NoError(t, err)

	cp.State = []byte(`{"v":2}`)
	_, err = s.Put(ctx, "thread-1", cp, nil)
	require.Error(t, err)
	assert.True(t, checkpoint.IsConflict(err), "expected conflict, got %v", err)
}

func testParentThreading(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	cps := putN(t, s, "thread-1", 3)

	tp, err := s.GetTuple(ctx, "thread-1", cps[2].ID)
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.Equal(t, cps[1].ID, tp.Checkpoint.ParentID)

	tp, err = s.GetTuple(ctx, "thread-1", cps[0].ID)
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.Empty(t, tp.Checkpoint.ParentID)
}

func testPendingWrites(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	cps := putN(t, s, "thread-1", 1)

	writes := []checkpoint.PendingWrite{
		{TaskID: "task-1", Idx: 0, Channel: "messages", Value: []byte(`"a"`)},
		{TaskID: "task-1", Idx: 1, Channel: "counter", Value: []byte(`2`)},
		{TaskID: "task-2", Idx: 0, Channel: "messages", Value: []byte(`"b"`)},
	}
	require.NoError(t, s.PutWrites(ctx, "thread-1", cps[0].ID, "task-1", writes[:2]))
	require.NoError(t, s.PutWrites(ctx, "thread-1", cps[0].ID, "task-2", writes[2:]))

	tp, err := s.GetTuple(ctx, "thread-1", cps[0].ID)
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.Len(t, tp.PendingWrites, 3)

	// Ordered by (task, idx).
	assert.Equal(t, writes, tp.PendingWrites)
}

func testPutWritesIdempotent(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	cps := putN(t, s, "thread-1", 1)

	writes := []checkpoint.PendingWrite{
		{TaskID: "task-1", Idx: 0, Channel: "messages", Value: []byte(`"a"`)},
	}
	require.NoError(t, s.PutWrites(ctx, "thread-1", cps[0].ID, "task-1", writes))
	require.NoError(t, s.PutWrites(ctx, "thread-1", cps[0].ID, "task-1", writes))

	tp, err := s.GetTuple(ctx, "thread-1", cps[0].ID)
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.Len(t, tp.PendingWrites, 1)
}

func testListDescending(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	cps := putN(t, s, "thread-1", 4)

	tuples, err := checkpoint.All(ctx, s.List(ctx, "thread-1", checkpoint.ListOptions{}))
	require.NoError(t, err)
	require.Len(t, tuples, 4)

	for i, tp := range tuples {
		assert.Equal(t, cps[len(cps)-1-i].ID, tp.Checkpoint.ID)
	}
	for i := 1; i < len(tuples); i++ {
		assert.Greater(t, tuples[i-1].Checkpoint.ID, tuples[i].Checkpoint.ID)
	}
}

func testListLimit(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	cps := putN(t, s, "thread-1", 5)

	tuples, err := checkpoint.All(ctx, s.List(ctx, "thread-1", checkpoint.ListOptions{Limit: 2}))
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, cps[4].ID, tuples[0].Checkpoint.ID)
	assert.Equal(t, cps[3].ID, tuples[1].Checkpoint.ID)
}

func testListBeforeCursor(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	cps := putN(t, s, "thread-1", 5)

	// Page through two at a time using the last seen ID as cursor.
	var seen []string
	before := ""
	for {
		tuples, err := checkpoint.All(ctx, s.List(ctx, "thread-1", checkpoint.ListOptions{
			Before: before,
			Limit:  2,
		}))
		require.NoError(t, err)
		if len(tuples) == 0 {
			break
		}
		for _, tp := range tuples {
			seen = append(seen, tp.Checkpoint.ID)
		}
		before = tuples[len(tuples)-1].Checkpoint.ID
	}

	require.Len(t, seen, 5)
	for i, cp := range cps {
		assert.Equal(t, cp.ID, seen[len(seen)-1-i])
	}
}

func testListFilter(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		source := "loop"
		if i%2 == 0 {
			source = "input"
		}
		cp := checkpoint.Checkpoint{ID: checkpoint.NewID(), State: []byte(`{}`)}
		_, err := s.Put(ctx, "thread-1", cp, checkpoint.Metadata{"source": source})
		require.NoError(t, err)
	}

	tuples, err := checkpoint.All(ctx, s.List(ctx, "thread-1", checkpoint.ListOptions{
		Filter: checkpoint.Metadata{"source": "input"},
	}))
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	for _, tp := range tuples {
		assert.Equal(t, "input", tp.Metadata["source"])
	}

	tuples, err = checkpoint.All(ctx, s.List(ctx, "thread-1", checkpoint.ListOptions{
		Filter: checkpoint.Metadata{"source": "nope"},
	}))
	require.NoError(t, err)
	assert.Empty(t, tuples)
}

// Numeric metadata must survive the backend's codec well enough that
// the same values read back equal and filter correctly, whatever width
// the codec decodes numbers to.
func testMetadataNumeric(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()

	cp := checkpoint.Checkpoint{ID: checkpoint.NewID(), State: []byte(`{}`)}
	_, err := s.Put(ctx, "thread-1", cp, checkpoint.Metadata{
		"step":   3,
		"score":  2.5,
		"source": "input",
	})
	require.NoError(t, err)

	other := checkpoint.Checkpoint{ID: checkpoint.NewID(), State: []byte(`{}`)}
	_, err = s.Put(ctx, "thread-1", other, checkpoint.Metadata{
		"step":   4,
		"source": "loop",
	})
	require.NoError(t, err)

	tp, err := s.GetTuple(ctx, "thread-1", cp.ID)
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.EqualValues(t, 3, tp.Metadata["step"])
	assert.EqualValues(t, 2.5, tp.Metadata["score"])
	assert.Equal(t, "input", tp.Metadata["source"])

	tuples, err := checkpoint.All(ctx, s.List(ctx, "thread-1", checkpoint.ListOptions{
		Filter: checkpoint.Metadata{"step": 3},
	}))
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, cp.ID, tuples[0].Checkpoint.ID)
}

func testListEmptyThread(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()

	tuples, err := checkpoint.All(ctx, s.List(ctx, "no-such-thread", checkpoint.ListOptions{}))
	require.NoError(t, err)
	assert.Empty(t, tuples)
}

func testDeleteThread(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	cps := putN(t, s, "thread-1", 3)
	require.NoError(t, s.PutWrites(ctx, "thread-1", cps[0].ID, "task-1", []checkpoint.PendingWrite{
		{TaskID: "task-1", Idx: 0, Channel: "messages", Value: []byte(`"x"`)},
	}))

	require.NoError(t, s.DeleteThread(ctx, "thread-1"))

	tp, err := s.GetTuple(ctx, "thread-1", "")
	require.NoError(t, err)
	assert.Nil(t, tp)

	tuples, err := checkpoint.All(ctx, s.List(ctx, "thread-1", checkpoint.ListOptions{}))
	require.NoError(t, err)
	assert.Empty(t, tuples)
}

func testDeleteUnknownThread(t *testing.T, s checkpoint.Saver) {
	require.NoError(t, s.DeleteThread(context.Background(), "no-such-thread"))
}

func testThreadIsolation(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	putN(t, s, "thread-1", 2)
	cps2 := putN(t, s, "thread-2", 3)

	require.NoError(t, s.DeleteThread(ctx, "thread-1"))

	tp, err := s.GetTuple(ctx, "thread-2", "")
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.Equal(t, cps2[2].ID, tp.Checkpoint.ID)

	tuples, err := checkpoint.All(ctx, s.List(ctx, "thread-2", checkpoint.ListOptions{}))
	require.NoError(t, err)
	assert.Len(t, tuples, 3)
}
