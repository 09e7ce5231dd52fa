package checkpoint

import (
	"context"
)

// Saver persists checkpoints and pending writes for graph runs.
// Implementations must be safe for concurrent use.
//
// All operations are single request/response calls against the backing
// store: no retries, no local timeouts, no cross-call coordination.
// Transient failures surface to the caller wrapped in ErrUnavailable;
// the orchestration layer owns retry policy.
type Saver interface {
	// Put stores a new checkpoint for a thread and returns its ID.
	// Checkpoints are append-only: storing the same ID again with an
	// identical payload is a no-op, while a divergent payload fails
	// with ErrConflict.
	Put(ctx context.Context, threadID string, cp Checkpoint, md Metadata) (string, error)

	// PutWrites stores a batch of pending writes produced by one task
	// against an existing checkpoint. Idempotent under retry: a
	// (thread, checkpoint, task, idx) tuple is stored at most once.
	PutWrites(ctx context.Context, threadID, checkpointID, taskID string, writes []PendingWrite) error

	// GetTuple retrieves one checkpoint with its metadata and pending
	// writes. An empty checkpointID selects the thread's most recent
	// checkpoint. Returns (nil, nil) when nothing matches; absence is
	// not an error.
	GetTuple(ctx context.Context, threadID, checkpointID string) (*Tuple, error)

	// List returns a lazy iterator over a thread's checkpoints in
	// reverse-chronological order. Pagination is stateless: pass the
	// last seen checkpoint ID as opts.Before to resume.
	//
	// Tuples yielded by List do not carry pending writes; use GetTuple
	// to load them for a specific checkpoint.
	List(ctx context.Context, threadID string, opts ListOptions) Iterator

	// DeleteThread removes all checkpoints and writes for a thread.
	// Deleting an unknown thread is a no-op.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases resources owned by the saver. It never closes
	// clients injected by the caller.
	Close() error
}

// ListOptions bounds and filters a List call.
type ListOptions struct {
	// Before, when set, restricts results to checkpoints with IDs
	// strictly less than the given ID (exclusive upper bound).
	Before string

	// Limit caps the number of results. Zero means no limit.
	Limit int

	// Filter matches checkpoints whose metadata contains every given
	// key with a deep-equal value.
	Filter Metadata
}

// Iterator yields checkpoint tuples one at a time. Next returns
// (nil, nil) when the sequence is exhausted. Close releases any
// underlying cursor and may be called more than once.
type Iterator interface {
	Next(ctx context.Context) (*Tuple, error)
	Close() error
}

// All drains an iterator into a slice and closes it.
func All(ctx context.Context, it Iterator) ([]*Tuple, error) {
	defer it.Close()

	var tuples []*Tuple
	for {
		tp, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if tp == nil {
			return tuples, nil
		}
		tuples = append(tuples, tp)
	}
}

// sliceIterator serves backends that materialize results up front.
type sliceIterator struct {
	tuples []*Tuple
	pos    int
}

// NewSliceIterator returns an Iterator over pre-fetched tuples.
// Intended for backends without a native lazy cursor.
func NewSliceIterator(tuples []*Tuple) Iterator {
	return &sliceIterator{tuples: tuples}
}

func (s *sliceIterator) Next(ctx context.Context) (*Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.tuples) {
		return nil, nil
	}
	tp := s.tuples[s.pos]
	s.pos++
	return tp, nil
}

func (s *sliceIterator) Close() error {
	s.tuples = nil
	return nil
}
