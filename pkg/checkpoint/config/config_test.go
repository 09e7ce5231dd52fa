package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint"
	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint/config"
	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint/memory"
	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint/sqlite"
)

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
backend: mongo
mongo:
  uri: mongodb://localhost:27017
  database: flowgraph
  checkpoint_collection: cps
  writes_collection: cp_writes
  transactions: true
  connect_timeout: 5s
  migrate: true
`))
	require.NoError(t, err)

	assert.Equal(t, config.BackendMongo, cfg.Backend)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "flowgraph", cfg.Mongo.Database)
	assert.Equal(t, "cps", cfg.Mongo.CheckpointCollection)
	assert.Equal(t, "cp_writes", cfg.Mongo.WritesCollection)
	assert.True(t, cfg.Mongo.Transactions)
	assert.True(t, cfg.Mongo.Migrate)
	assert.Equal(t, 5*time.Second, cfg.Mongo.ConnectTimeout.Std(10*time.Second))
}

func TestFromYAML_Invalid(t *testing.T) {
	_, err := config.FromYAML([]byte("backend: [not: valid"))
	assert.Error(t, err)
}

func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{
		"backend": "sqlite",
		"sqlite": {"path": "./checkpoints.db"},
		"mongo": {"connect_timeout": 30}
	}`))
	require.NoError(t, err)

	assert.Equal(t, config.BackendSQLite, cfg.Backend)
	assert.Equal(t, "./checkpoints.db", cfg.SQLite.Path)
	assert.Equal(t, 30*time.Second, cfg.Mongo.ConnectTimeout.Std(0))
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "checkpoint.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("backend: memory\n"), 0o644))

	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, cfg.Backend)

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	tomlPath := filepath.Join(dir, "checkpoint.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("backend = 'memory'"), 0o644))
	_, err = config.FromFile(tomlPath)
	assert.Error(t, err)
}

func TestDuration_Std(t *testing.T) {
	var d config.Duration
	assert.Equal(t, 10*time.Second, d.Std(10*time.Second))

	d = config.Duration(time.Minute)
	assert.Equal(t, time.Minute, d.Std(10*time.Second))
}

func TestOpen_Memory(t *testing.T) {
	s, err := config.Open(context.Background(), config.Config{Backend: config.BackendMemory})
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.(*memory.Saver)
	assert.True(t, ok)
}

func TestOpen_DefaultsToMemory(t *testing.T) {
	s, err := config.Open(context.Background(), config.Config{})
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.(*memory.Saver)
	assert.True(t, ok)
}

func TestOpen_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	s, err := config.Open(context.Background(), config.Config{
		Backend: config.BackendSQLite,
		SQLite:  config.SQLiteConfig{Path: path},
	})
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.(*sqlite.Saver)
	require.True(t, ok)

	// The opened saver is immediately usable.
	ctx := context.Background()
	cp := checkpoint.Checkpoint{ID: checkpoint.NewID(), State: []byte(`{}`)}
	_, err = s.Put(ctx, "thread-1", cp, nil)
	require.NoError(t, err)

	tp, err := s.GetTuple(ctx, "thread-1", "")
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.Equal(t, cp.ID, tp.Checkpoint.ID)
}

func TestOpen_SQLiteWithoutPath(t *testing.T) {
	_, err := config.Open(context.Background(), config.Config{Backend: config.BackendSQLite})
	assert.Error(t, err)
}

func TestOpen_MongoWithoutURI(t *testing.T) {
	t.Setenv(config.EnvMongoURI, "")

	_, err := config.Open(context.Background(), config.Config{Backend: config.BackendMongo})
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.EnvMongoURI)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := config.Open(context.Background(), config.Config{Backend: "cassandra"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

func TestOpen_MongoFromEnv(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping mongo integration test")
	}
	t.Setenv(config.EnvMongoURI, uri)

	s, err := config.Open(context.Background(), config.Config{
		Backend: config.BackendMongo,
		Mongo: config.MongoConfig{
			Database: "flowgraph_checkpoint_test",
			Migrate:  true,
		},
	})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	threadID := "config-open-" + checkpoint.NewID()
	cp := checkpoint.Checkpoint{ID: checkpoint.NewID(), State: []byte(`{}`)}
	_, err = s.Put(ctx, threadID, cp, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteThread(ctx, threadID))
}
