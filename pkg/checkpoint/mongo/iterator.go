package mongo

import (
	"context"
	"sync"

	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint"
)

// cursorIterator adapts a driver cursor to checkpoint.Iterator.
// Documents are decoded one at a time as the caller advances, so a
// large history never materializes in memory at once.
type cursorIterator struct {
	cursor *mongod.Cursor

	mu     sync.Mutex
	closed bool
}

func (it *cursorIterator) Next(ctx context.Context) (*checkpoint.Tuple, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return nil, nil
	}

	if !it.cursor.Next(ctx) {
		err := it.cursor.Err()
		it.closed = true
		it.cursor.Close(context.WithoutCancel(ctx))
		if err != nil {
			return nil, wrapErr(err, "advance list cursor")
		}
		return nil, nil
	}

	var doc checkpointDoc
	if err := it.cursor.Decode(&doc); err != nil {
		return nil, wrapErr(err, "decode checkpoint %s", it.cursor.Current.String())
	}
	return fromCheckpointDoc(&doc), nil
}

func (it *cursorIterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return nil
	}
	it.closed = true
	return it.cursor.Close(context.Background())
}
