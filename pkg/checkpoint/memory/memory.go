// Package memory provides an in-memory checkpoint saver for testing
// and development. Data is lost when the process exits.
package memory

import (
	"bytes"
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint"
)

// Saver is an in-memory checkpoint.Saver. Safe for concurrent use.
type Saver struct {
	mu     sync.RWMutex
	closed bool

	// threadID -> checkpointID -> record
	checkpoints map[string]map[string]storedCheckpoint

	// threadID -> checkpointID -> (taskID, idx) -> write
	writes map[string]map[string]map[writeKey]checkpoint.PendingWrite
}

type storedCheckpoint struct {
	cp checkpoint.Checkpoint
	md checkpoint.Metadata
}

type writeKey struct {
	taskID string
	idx    int
}

// New creates an empty in-memory saver.
func New() *Saver {
	return &Saver{
		checkpoints: make(map[string]map[string]storedCheckpoint),
		writes:      make(map[string]map[string]map[writeKey]checkpoint.PendingWrite),
	}
}

// Put implements checkpoint.Saver.
func (s *Saver) Put(_ context.Context, threadID string, cp checkpoint.Checkpoint, md checkpoint.Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", checkpoint.ErrSaverClosed
	}

	thread := s.checkpoints[threadID]
	if thread == nil {
		thread = make(map[string]storedCheckpoint)
		s.checkpoints[threadID] = thread
	}

	if existing, ok := thread[cp.ID]; ok {
		if sameCheckpoint(existing.cp, cp) {
			return cp.ID, nil
		}
		return "", checkpoint.Conflictf("put %s/%s", threadID, cp.ID)
	}

	thread[cp.ID] = storedCheckpoint{
		cp: cp.Clone(),
		md: md.Clone(),
	}
	return cp.ID, nil
}

// PutWrites implements checkpoint.Saver.
func (s *Saver) PutWrites(_ context.Context, threadID, checkpointID, taskID string, writes []checkpoint.PendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.ErrSaverClosed
	}

	thread := s.writes[threadID]
	if thread == nil {
		thread = make(map[string]map[writeKey]checkpoint.PendingWrite)
		s.writes[threadID] = thread
	}
	byKey := thread[checkpointID]
	if byKey == nil {
		byKey = make(map[writeKey]checkpoint.PendingWrite)
		thread[checkpointID] = byKey
	}

	for _, w := range writes {
		key := writeKey{taskID: taskID, idx: w.Idx}
		if _, ok := byKey[key]; ok {
			// First write wins; retries are no-ops.
			continue
		}
		stored := w
		stored.TaskID = taskID
		stored.Value = append([]byte(nil), w.Value...)
		byKey[key] = stored
	}
	return nil
}

// GetTuple implements checkpoint.Saver.
func (s *Saver) GetTuple(_ context.Context, threadID, checkpointID string) (*checkpoint.Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, checkpoint.ErrSaverClosed
	}

	thread, ok := s.checkpoints[threadID]
	if !ok || len(thread) == 0 {
		return nil, nil
	}

	id := checkpointID
	if id == "" {
		for cpID := range thread {
			if cpID > id {
				id = cpID
			}
		}
	}

	rec, ok := thread[id]
	if !ok {
		return nil, nil
	}

	return &checkpoint.Tuple{
		ThreadID:      threadID,
		Checkpoint:    rec.cp.Clone(),
		Metadata:      rec.md.Clone(),
		PendingWrites: s.pendingWritesLocked(threadID, id),
	}, nil
}

// pendingWritesLocked returns a checkpoint's writes ordered by
// (taskID, idx). Caller holds at least a read lock.
func (s *Saver) pendingWritesLocked(threadID, checkpointID string) []checkpoint.PendingWrite {
	byKey := s.writes[threadID][checkpointID]
	if len(byKey) == 0 {
		return nil
	}

	out := make([]checkpoint.PendingWrite, 0, len(byKey))
	for _, w := range byKey {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Idx < out[j].Idx
	})
	return out
}

// List implements checkpoint.Saver.
func (s *Saver) List(_ context.Context, threadID string, opts checkpoint.ListOptions) checkpoint.Iterator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errIterator{err: checkpoint.ErrSaverClosed}
	}

	thread := s.checkpoints[threadID]
	ids := make([]string, 0, len(thread))
	for id := range thread {
		if opts.Before != "" && id >= opts.Before {
			continue
		}
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	var tuples []*checkpoint.Tuple
	for _, id := range ids {
		rec := thread[id]
		if !matchesFilter(rec.md, opts.Filter) {
			continue
		}
		tuples = append(tuples, &checkpoint.Tuple{
			ThreadID:   threadID,
			Checkpoint: rec.cp.Clone(),
			Metadata:   rec.md.Clone(),
		})
		if opts.Limit > 0 && len(tuples) == opts.Limit {
			break
		}
	}
	return checkpoint.NewSliceIterator(tuples)
}

// DeleteThread implements checkpoint.Saver.
func (s *Saver) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.ErrSaverClosed
	}

	delete(s.checkpoints, threadID)
	delete(s.writes, threadID)
	return nil
}

// Close implements checkpoint.Saver.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.checkpoints = nil
	s.writes = nil
	return nil
}

// Len returns the total number of checkpoints across all threads.
// Useful for testing.
func (s *Saver) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, thread := range s.checkpoints {
		count += len(thread)
	}
	return count
}

func sameCheckpoint(a, b checkpoint.Checkpoint) bool {
	return a.ParentID == b.ParentID &&
		bytes.Equal(a.State, b.State) &&
		reflect.DeepEqual(a.ChannelVersions, b.ChannelVersions)
}

func matchesFilter(md, filter checkpoint.Metadata) bool {
	for k, want := range filter {
		got, ok := md[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

type errIterator struct{ err error }

func (e errIterator) Next(context.Context) (*checkpoint.Tuple, error) { return nil, e.err }
func (e errIterator) Close() error                                    { return nil }

// Compile-time interface check.
var _ checkpoint.Saver = (*Saver)(nil)
