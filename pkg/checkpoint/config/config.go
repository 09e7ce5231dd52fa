// Package config loads checkpoint saver configuration from YAML or
// JSON files and opens the configured backend.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// Config selects and configures a saver backend.
type Config struct {
	// Backend is one of "memory", "sqlite", "mongo".
	// Defaults to "memory" when empty.
	Backend string `yaml:"backend" json:"backend"`

	SQLite SQLiteConfig `yaml:"sqlite" json:"sqlite"`
	Mongo  MongoConfig  `yaml:"mongo" json:"mongo"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:".
	Path string `yaml:"path" json:"path"`
}

// MongoConfig configures the mongo backend.
type MongoConfig struct {
	// URI is the MongoDB connection string. The FLOWGRAPH_MONGODB_URI
	// environment variable overrides it when set.
	URI string `yaml:"uri" json:"uri"`

	// Database name. Empty uses the mongo package default.
	Database string `yaml:"database" json:"database"`

	// Collection name overrides. Empty uses the mongo package defaults.
	CheckpointCollection string `yaml:"checkpoint_collection" json:"checkpoint_collection"`
	WritesCollection     string `yaml:"writes_collection" json:"writes_collection"`

	// Transactions makes thread deletion transactional.
	// Requires a replica set.
	Transactions bool `yaml:"transactions" json:"transactions"`

	// ConnectTimeout bounds the initial connect and ping.
	// Defaults to 10s.
	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// Migrate creates the saver's indexes during Open.
	Migrate bool `yaml:"migrate" json:"migrate"`
}

// Duration is a time.Duration that unmarshals from YAML/JSON strings
// like "5s" as well as from plain numbers of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case int64:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("unsupported duration value %v (%T)", raw, raw)
	}
	return nil
}

// Std returns the value as a time.Duration, or def when unset.
func (d Duration) Std(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}
