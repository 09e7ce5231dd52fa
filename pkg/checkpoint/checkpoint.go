// Package checkpoint defines the checkpoint persistence contract for
// graph-execution runtimes: immutable per-step snapshots of a run's
// state, grouped into threads, plus the pending writes produced while
// a step is still in flight.
//
// The package holds only the contract (types, the Saver interface, and
// the error taxonomy). Storage backends live in subpackages: memory,
// sqlite, and mongo.
package checkpoint

import (
	"time"

	"github.com/google/uuid"
)

// ChannelVersions maps channel names to the version last written to them.
// Versions only ever increase within a thread.
type ChannelVersions map[string]int64

// Metadata is free-form checkpoint metadata. Top-level keys can be used
// for equality filtering in Saver.List.
type Metadata map[string]any

// Checkpoint is one immutable snapshot of a run's state.
// State must already be serialized; the contract never inspects it.
type Checkpoint struct {
	// ID uniquely identifies the checkpoint within its thread.
	// IDs from NewID sort lexicographically in creation order.
	ID string

	// ParentID references the previous checkpoint in the same thread,
	// or is empty for the first checkpoint of a thread.
	ParentID string

	// State is the serialized run state at this step.
	State []byte

	// ChannelVersions records which state channels changed at this step.
	ChannelVersions ChannelVersions

	// CreatedAt is when the checkpoint was produced, in UTC.
	CreatedAt time.Time
}

// PendingWrite is a provisional output produced during a step, recorded
// before the step's own checkpoint exists so the run can resume after a
// partial failure.
type PendingWrite struct {
	// TaskID identifies the task that produced the write.
	TaskID string

	// Idx orders writes within a task.
	Idx int

	// Channel is the state channel the write targets.
	Channel string

	// Value is the serialized written value.
	Value []byte
}

// Tuple is a checkpoint together with everything a runtime needs to
// resume from it: its thread, metadata, and any pending writes.
type Tuple struct {
	ThreadID      string
	Checkpoint    Checkpoint
	Metadata      Metadata
	PendingWrites []PendingWrite
}

// NewID returns a new time-sortable checkpoint ID (UUIDv7).
// "Latest checkpoint" queries rely on this ordering, so orchestrators
// should mint IDs with NewID rather than random UUIDs.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source fails; fall back to v4
		// rather than panicking in the persistence path.
		return uuid.New().String()
	}
	return id.String()
}

// Clone returns a deep copy of the checkpoint. Backends use it to avoid
// aliasing caller-owned slices and maps.
func (c Checkpoint) Clone() Checkpoint {
	out := c
	if c.State != nil {
		out.State = make([]byte, len(c.State))
		copy(out.State, c.State)
	}
	if c.ChannelVersions != nil {
		out.ChannelVersions = make(ChannelVersions, len(c.ChannelVersions))
		for k, v := range c.ChannelVersions {
			out.ChannelVersions[k] = v
		}
	}
	return out
}

// Clone returns a shallow-value deep copy of the metadata map.
// Nested reference values are shared; top-level mutation is isolated.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
