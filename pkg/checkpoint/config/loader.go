package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint"
	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint/memory"
	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint/mongo"
	"github.com/randalmurphal/flowgraph-checkpoint/pkg/checkpoint/sqlite"
)

// EnvMongoURI overrides MongoConfig.URI when set.
const EnvMongoURI = "FLOWGRAPH_MONGODB_URI"

// FromFile loads configuration from a file, auto-detecting format by
// extension. Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return cfg, nil
}

// Open builds a ready saver for the configured backend. For the mongo
// backend it connects, pings, and optionally migrates indexes; the
// returned saver owns the client and disconnects it on Close.
func Open(ctx context.Context, cfg Config) (checkpoint.Saver, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return memory.New(), nil

	case BackendSQLite:
		if cfg.SQLite.Path == "" {
			return nil, fmt.Errorf("sqlite backend requires a path")
		}
		return sqlite.New(cfg.SQLite.Path)

	case BackendMongo:
		return openMongo(ctx, cfg.Mongo)

	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

func openMongo(ctx context.Context, cfg MongoConfig) (checkpoint.Saver, error) {
	uri := cfg.URI
	if env := os.Getenv(EnvMongoURI); env != "" {
		uri = env
	}
	if uri == "" {
		return nil, fmt.Errorf("mongo backend requires a uri (or %s)", EnvMongoURI)
	}

	client, err := mongod.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, checkpoint.Unavailablef(err, "connect %s", redactURI(uri))
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout.Std(10*time.Second))
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, checkpoint.Unavailablef(err, "ping %s", redactURI(uri))
	}

	var opts []mongo.Option
	if cfg.Database != "" {
		opts = append(opts, mongo.WithDatabase(cfg.Database))
	}
	if cfg.CheckpointCollection != "" || cfg.WritesCollection != "" {
		cpCol := cfg.CheckpointCollection
		if cpCol == "" {
			cpCol = mongo.DefaultCheckpointCollection
		}
		wrCol := cfg.WritesCollection
		if wrCol == "" {
			wrCol = mongo.DefaultWritesCollection
		}
		opts = append(opts, mongo.WithCollections(cpCol, wrCol))
	}
	if cfg.Transactions {
		opts = append(opts, mongo.WithTransactions(true))
	}

	saver := mongo.New(client, opts...)
	if cfg.Migrate {
		if err := saver.Migrate(ctx); err != nil {
			_ = client.Disconnect(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	return &ownedClientSaver{Saver: saver, client: client}, nil
}

// ownedClientSaver disconnects the client it created in Open.
type ownedClientSaver struct {
	*mongo.Saver
	client *mongod.Client
}

func (s *ownedClientSaver) Close() error {
	return s.client.Disconnect(context.Background())
}

// redactURI strips credentials from a connection string for error
// messages and logs.
func redactURI(uri string) string {
	at := strings.LastIndex(uri, "@")
	if at == -1 {
		return uri
	}
	scheme := strings.Index(uri, "://")
	if scheme == -1 || scheme+3 > at {
		return uri
	}
	return uri[:scheme+3] + "***" + uri[at:]
}
