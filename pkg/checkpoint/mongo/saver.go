// Package mongo provides a MongoDB-backed checkpoint saver, the
// document-database adapter intended for production deployments.
//
// The saver stores checkpoints and pending writes in two collections
// addressed by (thread_id, checkpoint_id[, task_id, idx]). The caller
// owns the *mongo.Client lifecycle; the saver never closes it.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint"
	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint/observability"
)

const backendName = "mongo"

// Default database and collection names.
const (
	DefaultDatabase             = "flowgraph"
	DefaultCheckpointCollection = "checkpoints"
	DefaultWritesCollection     = "checkpoint_writes"
)

// Saver is a MongoDB implementation of checkpoint.Saver.
type Saver struct {
	client      *mongod.Client
	checkpoints *mongod.Collection
	writes      *mongod.Collection
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	serde       checkpoint.Serializer
	useTxn      bool

	database       string
	checkpointName string
	writesName     string
}

// Option configures the Saver.
type Option func(*Saver)

// WithDatabase sets the database name. Defaults to DefaultDatabase.
func WithDatabase(name string) Option {
	return func(s *Saver) { s.database = name }
}

// WithCollections overrides the checkpoint and writes collection names.
func WithCollections(checkpoints, writes string) Option {
	return func(s *Saver) {
		s.checkpointName = checkpoints
		s.writesName = writes
	}
}

// WithLogger sets the logger for the saver. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Saver) { s.logger = logger }
}

// WithMetrics overrides the metrics recorder. Defaults to the
// OTel-backed recorder from the observability package.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(s *Saver) { s.metrics = m }
}

// WithSerializer overrides the serializer whose type tag is recorded
// on stored documents. Defaults to checkpoint.JSONSerializer.
func WithSerializer(serde checkpoint.Serializer) Option {
	return func(s *Saver) { s.serde = serde }
}

// WithTransactions makes DeleteThread remove both collections inside a
// single session transaction. Requires a replica set or sharded
// cluster; standalone servers reject transactions.
func WithTransactions(enabled bool) Option {
	return func(s *Saver) { s.useTxn = enabled }
}

// New creates a MongoDB checkpoint saver. The caller owns the client
// lifecycle -- the saver will not disconnect it on Close().
func New(client *mongod.Client, opts ...Option) *Saver {
	s := &Saver{
		client:         client,
		logger:         slog.Default(),
		serde:          checkpoint.JSONSerializer{},
		database:       DefaultDatabase,
		checkpointName: DefaultCheckpointCollection,
		writesName:     DefaultWritesCollection,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetricsRecorder()
	}
	db := client.Database(s.database)
	s.checkpoints = db.Collection(s.checkpointName)
	s.writes = db.Collection(s.writesName)
	return s
}

// Migrate creates the unique indexes both collections rely on.
// Call once at startup; index creation is idempotent.
func (s *Saver) Migrate(ctx context.Context) error {
	_, err := s.checkpoints.Indexes().CreateMany(ctx, []mongod.IndexModel{
		{
			Keys: bson.D{
				{Key: "thread_id", Value: 1},
				{Key: "checkpoint_id", Value: -1},
			},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return wrapErr(err, "migrate %s indexes", s.checkpointName)
	}

	_, err = s.writes.Indexes().CreateMany(ctx, []mongod.IndexModel{
		{
			Keys: bson.D{
				{Key: "thread_id", Value: 1},
				{Key: "checkpoint_id", Value: 1},
				{Key: "task_id", Value: 1},
				{Key: "idx", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return wrapErr(err, "migrate %s indexes", s.writesName)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Saver) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return checkpoint.Unavailablef(err, "ping")
	}
	return nil
}

// Put implements checkpoint.Saver.
func (s *Saver) Put(ctx context.Context, threadID string, cp checkpoint.Checkpoint, md checkpoint.Metadata) (id string, err error) {
	ctx, finish := s.instrument(ctx, "put", threadID)
	defer func() { finish(err) }()

	doc := toCheckpointDoc(threadID, cp, md)
	doc.Type = s.serde.Type()
	_, err = s.checkpoints.InsertOne(ctx, doc)
	if err == nil {
		s.metrics.RecordCheckpointSize(ctx, backendName, int64(len(cp.State)))
		s.logger.Debug("checkpoint stored",
			slog.String("thread_id", threadID),
			slog.String("checkpoint_id", cp.ID),
		)
		return cp.ID, nil
	}
	if !isDuplicateKey(err) {
		return "", wrapErr(err, "put %s/%s", threadID, cp.ID)
	}

	// Duplicate identifiers: a byte-identical retry is a no-op,
	// a divergent payload is a conflict.
	existing, loadErr := s.findDoc(ctx, threadID, cp.ID)
	if loadErr != nil {
		return "", loadErr
	}
	if existing != nil && sameCheckpointDoc(existing, cp) {
		return cp.ID, nil
	}
	return "", checkpoint.Conflictf("put %s/%s", threadID, cp.ID)
}

// PutWrites implements checkpoint.Saver. Each write is upserted with
// $setOnInsert, so the first stored payload wins and retries are no-ops.
func (s *Saver) PutWrites(ctx context.Context, threadID, checkpointID, taskID string, writes []checkpoint.PendingWrite) (err error) {
	ctx, finish := s.instrument(ctx, "put_writes", threadID)
	defer func() { finish(err) }()

	for _, w := range writes {
		filter := bson.M{
			"thread_id":     threadID,
			"checkpoint_id": checkpointID,
			"task_id":       taskID,
			"idx":           w.Idx,
		}
		update := bson.M{
			"$setOnInsert": writeDoc{
				ThreadID:     threadID,
				CheckpointID: checkpointID,
				TaskID:       taskID,
				Idx:          w.Idx,
				Channel:      w.Channel,
				Type:         s.serde.Type(),
				Value:        w.Value,
			},
		}
		opts := options.UpdateOne().SetUpsert(true)
		if _, err = s.writes.UpdateOne(ctx, filter, update, opts); err != nil {
			// Upsert races resolve through the unique index; the loser
			// of the race is exactly the retry no-op case.
			if isDuplicateKey(err) {
				err = nil
				continue
			}
			err = wrapErr(err, "put writes %s/%s task %s idx %d", threadID, checkpointID, taskID, w.Idx)
			return err
		}
	}
	return nil
}

// GetTuple implements checkpoint.Saver.
func (s *Saver) GetTuple(ctx context.Context, threadID, checkpointID string) (tp *checkpoint.Tuple, err error) {
	ctx, finish := s.instrument(ctx, "get_tuple", threadID)
	defer func() { finish(err) }()

	var doc *checkpointDoc
	if checkpointID == "" {
		doc, err = s.findLatestDoc(ctx, threadID)
	} else {
		doc, err = s.findDoc(ctx, threadID, checkpointID)
	}
	if err != nil || doc == nil {
		return nil, err
	}

	tp = fromCheckpointDoc(doc)
	tp.PendingWrites, err = s.pendingWrites(ctx, threadID, doc.CheckpointID)
	if err != nil {
		return nil, err
	}
	return tp, nil
}

// List implements checkpoint.Saver. The returned iterator wraps a
// driver cursor, so results are fetched lazily in server batches.
func (s *Saver) List(ctx context.Context, threadID string, opts checkpoint.ListOptions) checkpoint.Iterator {
	filter := bson.M{"thread_id": threadID}
	if opts.Before != "" {
		filter["checkpoint_id"] = bson.M{"$lt": opts.Before}
	}
	for k, v := range opts.Filter {
		filter["metadata."+k] = v
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "checkpoint_id", Value: -1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := s.checkpoints.Find(ctx, filter, findOpts)
	if err != nil {
		return errIterator{err: wrapErr(err, "list %s", threadID)}
	}
	return &cursorIterator{cursor: cursor}
}

// DeleteThread implements checkpoint.Saver.
//
// With WithTransactions(true) both collections are cleared in a single
// session transaction. Otherwise checkpoints are removed first, then
// writes: a crash in between leaves orphaned writes, which are
// unreachable and harmless.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) (err error) {
	ctx, finish := s.instrument(ctx, "delete_thread", threadID)
	defer func() { finish(err) }()

	if s.useTxn {
		err = s.deleteThreadTxn(ctx, threadID)
		return err
	}

	if _, err = s.checkpoints.DeleteMany(ctx, bson.M{"thread_id": threadID}); err != nil {
		err = wrapErr(err, "delete thread %s checkpoints", threadID)
		return err
	}
	if _, err = s.writes.DeleteMany(ctx, bson.M{"thread_id": threadID}); err != nil {
		err = wrapErr(err, "delete thread %s writes", threadID)
		return err
	}
	s.logger.Debug("thread deleted", slog.String("thread_id", threadID))
	return nil
}

func (s *Saver) deleteThreadTxn(ctx context.Context, threadID string) error {
	session, err := s.client.StartSession()
	if err != nil {
		return wrapErr(err, "delete thread %s: start session", threadID)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		if _, err := s.checkpoints.DeleteMany(ctx, bson.M{"thread_id": threadID}); err != nil {
			return nil, err
		}
		if _, err := s.writes.DeleteMany(ctx, bson.M{"thread_id": threadID}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return wrapErr(err, "delete thread %s", threadID)
	}
	s.logger.Debug("thread deleted", slog.String("thread_id", threadID))
	return nil
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Saver) Close() error {
	return nil
}

// ── internal queries ─────────────────────────────────────────────

func (s *Saver) findDoc(ctx context.Context, threadID, checkpointID string) (*checkpointDoc, error) {
	var doc checkpointDoc
	err := s.checkpoints.FindOne(ctx, bson.M{
		"thread_id":     threadID,
		"checkpoint_id": checkpointID,
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, nil
		}
		return nil, wrapErr(err, "get %s/%s", threadID, checkpointID)
	}
	return &doc, nil
}

func (s *Saver) findLatestDoc(ctx context.Context, threadID string) (*checkpointDoc, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "checkpoint_id", Value: -1}})
	var doc checkpointDoc
	err := s.checkpoints.FindOne(ctx, bson.M{"thread_id": threadID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, nil
		}
		return nil, wrapErr(err, "get latest %s", threadID)
	}
	return &doc, nil
}

func (s *Saver) pendingWrites(ctx context.Context, threadID, checkpointID string) ([]checkpoint.PendingWrite, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "task_id", Value: 1},
		{Key: "idx", Value: 1},
	})
	cursor, err := s.writes.Find(ctx, bson.M{
		"thread_id":     threadID,
		"checkpoint_id": checkpointID,
	}, opts)
	if err != nil {
		return nil, wrapErr(err, "load writes %s/%s", threadID, checkpointID)
	}
	defer cursor.Close(ctx)

	var docs []writeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr(err, "decode writes %s/%s", threadID, checkpointID)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	writes := make([]checkpoint.PendingWrite, 0, len(docs))
	for i := range docs {
		writes = append(writes, fromWriteDoc(&docs[i]))
	}
	return writes, nil
}

// instrument opens a span and returns a finish func that records the
// span outcome and operation metrics.
func (s *Saver) instrument(ctx context.Context, op, threadID string) (context.Context, func(error)) {
	ctx, span := observability.StartOpSpan(ctx, backendName, op, threadID)
	start := time.Now()
	return ctx, func(err error) {
		observability.EndSpanWithError(span, err)
		s.metrics.RecordOp(ctx, backendName, op, time.Since(start), err)
	}
}

// ── error helpers ────────────────────────────────────────────────

// wrapErr adds operation context and tags transport failures with
// checkpoint.ErrUnavailable so callers can classify them.
func wrapErr(err error, format string, args ...any) error {
	if isUnavailable(err) {
		return checkpoint.Unavailablef(err, format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// isUnavailable reports whether err is a connectivity failure rather
// than a server-side rejection.
func isUnavailable(err error) bool {
	if mongod.IsTimeout(err) || mongod.IsNetworkError(err) {
		return true
	}
	return strings.Contains(err.Error(), "server selection error")
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return mongod.IsDuplicateKeyError(err) ||
		strings.Contains(err.Error(), "E11000")
}

type errIterator struct{ err error }

func (e errIterator) Next(context.Context) (*checkpoint.Tuple, error) { return nil, e.err }
func (e errIterator) Close() error                                    { return nil }

// Compile-time interface check.
var _ checkpoint.Saver = (*Saver)(nil)
