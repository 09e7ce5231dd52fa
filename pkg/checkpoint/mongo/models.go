package mongo

import (
	"bytes"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint"
)

// checkpointDoc is the persisted layout of one checkpoint.
// Metadata is stored as a native subdocument so List can filter on
// "metadata.<key>" server-side.
type checkpointDoc struct {
	ThreadID        string           `bson:"thread_id"`
	CheckpointID    string           `bson:"checkpoint_id"`
	ParentID        string           `bson:"parent_id,omitempty"`
	Type            string           `bson:"type,omitempty"`
	State           []byte           `bson:"state"`
	ChannelVersions map[string]int64 `bson:"channel_versions,omitempty"`
	Metadata        bson.M           `bson:"metadata,omitempty"`
	CreatedAt       time.Time        `bson:"created_at"`
}

// writeDoc is the persisted layout of one pending write.
type writeDoc struct {
	ThreadID     string `bson:"thread_id"`
	CheckpointID string `bson:"checkpoint_id"`
	TaskID       string `bson:"task_id"`
	Idx          int    `bson:"idx"`
	Channel      string `bson:"channel"`
	Type         string `bson:"type,omitempty"`
	Value        []byte `bson:"value"`
}

func toCheckpointDoc(threadID string, cp checkpoint.Checkpoint, md checkpoint.Metadata) *checkpointDoc {
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	doc := &checkpointDoc{
		ThreadID:        threadID,
		CheckpointID:    cp.ID,
		ParentID:        cp.ParentID,
		State:           cp.State,
		ChannelVersions: cp.ChannelVersions,
		CreatedAt:       createdAt,
	}
	if md != nil {
		doc.Metadata = bson.M(md)
	}
	return doc
}

func fromCheckpointDoc(doc *checkpointDoc) *checkpoint.Tuple {
	var md checkpoint.Metadata
	if doc.Metadata != nil {
		md = checkpoint.Metadata(doc.Metadata)
	}
	return &checkpoint.Tuple{
		ThreadID: doc.ThreadID,
		Checkpoint: checkpoint.Checkpoint{
			ID:              doc.CheckpointID,
			ParentID:        doc.ParentID,
			State:           doc.State,
			ChannelVersions: doc.ChannelVersions,
			CreatedAt:       doc.CreatedAt,
		},
		Metadata: md,
	}
}

func fromWriteDoc(doc *writeDoc) checkpoint.PendingWrite {
	return checkpoint.PendingWrite{
		TaskID:  doc.TaskID,
		Idx:     doc.Idx,
		Channel: doc.Channel,
		Value:   doc.Value,
	}
}

// sameCheckpointDoc reports whether an existing document carries the
// same immutable snapshot as the one being stored. Metadata is a
// free-form annotation and does not participate in conflict detection.
func sameCheckpointDoc(existing *checkpointDoc, cp checkpoint.Checkpoint) bool {
	if existing.ParentID != cp.ParentID || !bytes.Equal(existing.State, cp.State) {
		return false
	}
	if len(existing.ChannelVersions) != len(cp.ChannelVersions) {
		return false
	}
	for k, v := range cp.ChannelVersions {
		if existing.ChannelVersions[k] != v {
			return false
		}
	}
	return true
}
