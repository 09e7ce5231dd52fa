// Package sqlite provides a SQLite-backed checkpoint saver suitable
// for single-process production use.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint"
)

// Saver persists checkpoints to SQLite.
type Saver struct {
	db     *sql.DB
	serde  checkpoint.Serializer
	mu     sync.RWMutex
	closed bool
}

// Option configures the Saver.
type Option func(*Saver)

// WithSerializer overrides the serializer used for metadata and
// channel-version columns. Defaults to checkpoint.JSONSerializer.
func WithSerializer(serde checkpoint.Serializer) Option {
	return func(s *Saver) { s.serde = serde }
}

// New creates a SQLite checkpoint saver. The path should be a file path
// (e.g. "./checkpoints.db") or ":memory:" for testing.
func New(path string, opts ...Option) (*Saver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and avoids
	// SQLITE_BUSY under the pure Go driver.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id        TEXT NOT NULL,
			checkpoint_id    TEXT NOT NULL,
			parent_id        TEXT NOT NULL DEFAULT '',
			type             TEXT NOT NULL,
			state            BLOB NOT NULL,
			channel_versions TEXT NOT NULL,
			metadata         TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint_writes (
			thread_id     TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id       TEXT NOT NULL,
			idx           INTEGER NOT NULL,
			channel       TEXT NOT NULL,
			type          TEXT NOT NULL,
			value         BLOB NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id, task_id, idx)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create writes table: %w", err)
	}

	s := &Saver{db: db, serde: checkpoint.JSONSerializer{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put implements checkpoint.Saver.
func (s *Saver) Put(ctx context.Context, threadID string, cp checkpoint.Checkpoint, md checkpoint.Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", checkpoint.ErrSaverClosed
	}

	versions, err := s.serde.Dumps(cp.ChannelVersions)
	if err != nil {
		return "", fmt.Errorf("marshal channel versions: %w", err)
	}
	metadata, err := s.serde.Dumps(md)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, type, state, channel_versions, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_id) DO NOTHING
	`, threadID, cp.ID, cp.ParentID, s.serde.Type(), cp.State, string(versions), string(metadata),
		createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("put checkpoint: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Row already present: a byte-identical retry is a no-op,
		// anything else is a conflict.
		existing, err := s.loadLocked(ctx, threadID, cp.ID)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return "", checkpoint.Conflictf("put %s/%s", threadID, cp.ID)
		}
		if existing.Checkpoint.ParentID == cp.ParentID &&
			bytes.Equal(existing.Checkpoint.State, cp.State) &&
			sameVersions(existing.Checkpoint.ChannelVersions, cp.ChannelVersions) {
			return cp.ID, nil
		}
		return "", checkpoint.Conflictf("put %s/%s", threadID, cp.ID)
	}
	return cp.ID, nil
}

// PutWrites implements checkpoint.Saver.
func (s *Saver) PutWrites(ctx context.Context, threadID, checkpointID, taskID string, writes []checkpoint.PendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.ErrSaverClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin writes tx: %w", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		// First write wins; retries are no-ops.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoint_writes (thread_id, checkpoint_id, task_id, idx, channel, type, value)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(thread_id, checkpoint_id, task_id, idx) DO NOTHING
		`, threadID, checkpointID, taskID, w.Idx, w.Channel, s.serde.Type(), w.Value); err != nil {
			return fmt.Errorf("put write %s/%d: %w", taskID, w.Idx, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit writes: %w", err)
	}
	return nil
}

// GetTuple implements checkpoint.Saver.
func (s *Saver) GetTuple(ctx context.Context, threadID, checkpointID string) (*checkpoint.Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, checkpoint.ErrSaverClosed
	}

	var tp *checkpoint.Tuple
	var err error
	if checkpointID == "" {
		tp, err = s.latestLocked(ctx, threadID)
	} else {
		tp, err = s.loadLocked(ctx, threadID, checkpointID)
	}
	if err != nil || tp == nil {
		return nil, err
	}

	writes, err := s.pendingWritesLocked(ctx, threadID, tp.Checkpoint.ID)
	if err != nil {
		return nil, err
	}
	tp.PendingWrites = writes
	return tp, nil
}

// List implements checkpoint.Saver.
func (s *Saver) List(ctx context.Context, threadID string, opts checkpoint.ListOptions) checkpoint.Iterator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errIterator{err: checkpoint.ErrSaverClosed}
	}

	// Filter values are canonicalized through the serializer so they
	// compare equal to values that round-tripped through storage
	// (e.g. an int filter against a number decoded as float64).
	filter, err := s.normalizeFilter(opts.Filter)
	if err != nil {
		return errIterator{err: fmt.Errorf("normalize filter: %w", err)}
	}

	query := `
		SELECT checkpoint_id, parent_id, state, channel_versions, metadata, created_at
		FROM checkpoints
		WHERE thread_id = ?`
	args := []any{threadID}
	if opts.Before != "" {
		query += ` AND checkpoint_id < ?`
		args = append(args, opts.Before)
	}
	query += ` ORDER BY checkpoint_id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errIterator{err: fmt.Errorf("list checkpoints: %w", err)}
	}
	defer rows.Close()

	// Metadata filtering happens here rather than in SQL: metadata is a
	// serialized blob and the filter is a deep-equality match.
	var tuples []*checkpoint.Tuple
	for rows.Next() {
		tp, err := s.scanTuple(rows, threadID)
		if err != nil {
			return errIterator{err: err}
		}
		if !matchesFilter(tp.Metadata, filter) {
			continue
		}
		tuples = append(tuples, tp)
		if opts.Limit > 0 && len(tuples) == opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return errIterator{err: fmt.Errorf("iterate checkpoints: %w", err)}
	}
	return checkpoint.NewSliceIterator(tuples)
}

// DeleteThread implements checkpoint.Saver. Both tables are cleared in
// one transaction, so a crash cannot orphan pending writes.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.ErrSaverClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_writes WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread writes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// Close implements checkpoint.Saver.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// ── internal queries ─────────────────────────────────────────────

func (s *Saver) loadLocked(ctx context.Context, threadID, checkpointID string) (*checkpoint.Tuple, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, parent_id, state, channel_versions, metadata, created_at
		FROM checkpoints
		WHERE thread_id = ? AND checkpoint_id = ?
	`, threadID, checkpointID)
	return s.scanTupleRow(row, threadID)
}

func (s *Saver) latestLocked(ctx context.Context, threadID string) (*checkpoint.Tuple, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, parent_id, state, channel_versions, metadata, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY checkpoint_id DESC
		LIMIT 1
	`, threadID)
	return s.scanTupleRow(row, threadID)
}

func (s *Saver) pendingWritesLocked(ctx context.Context, threadID, checkpointID string) ([]checkpoint.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, idx, channel, value
		FROM checkpoint_writes
		WHERE thread_id = ? AND checkpoint_id = ?
		ORDER BY task_id, idx
	`, threadID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("load pending writes: %w", err)
	}
	defer rows.Close()

	var writes []checkpoint.PendingWrite
	for rows.Next() {
		var w checkpoint.PendingWrite
		if err := rows.Scan(&w.TaskID, &w.Idx, &w.Channel, &w.Value); err != nil {
			return nil, fmt.Errorf("scan pending write: %w", err)
		}
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending writes: %w", err)
	}
	return writes, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Saver) scanTupleRow(row *sql.Row, threadID string) (*checkpoint.Tuple, error) {
	tp, err := s.scanTuple(row, threadID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tp, err
}

func (s *Saver) scanTuple(sc scanner, threadID string) (*checkpoint.Tuple, error) {
	var (
		cp        checkpoint.Checkpoint
		versions  string
		metadata  string
		createdAt string
	)
	if err := sc.Scan(&cp.ID, &cp.ParentID, &cp.State, &versions, &metadata, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	if err := s.serde.Loads([]byte(versions), &cp.ChannelVersions); err != nil {
		return nil, fmt.Errorf("decode channel versions: %w", err)
	}
	var md checkpoint.Metadata
	if err := s.serde.Loads([]byte(metadata), &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return &checkpoint.Tuple{
		ThreadID:   threadID,
		Checkpoint: cp,
		Metadata:   md,
	}, nil
}

// normalizeFilter round-trips every filter value through the
// serializer so comparisons see the stored representation.
func (s *Saver) normalizeFilter(filter checkpoint.Metadata) (checkpoint.Metadata, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	out := make(checkpoint.Metadata, len(filter))
	for k, v := range filter {
		nv, err := checkpoint.NormalizeValue(s.serde, v)
		if err != nil {
			return nil, fmt.Errorf("filter key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func sameVersions(a, b checkpoint.ChannelVersions) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
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
