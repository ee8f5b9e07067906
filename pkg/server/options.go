package server

import (
	"time"

	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/repl"
)

// Config holds the server settings.
type Config struct {
	// DataDir holds the oplog and checkpoints. Empty keeps everything in
	// memory.
	DataDir             string
	Durability          repl.Durability
	CheckpointInterval  time.Duration
	CheckpointRetention int
	// Database is the database that collection routes resolve in.
	Database string
	Logger   *logging.Logger
}

func defaultConfig() Config {
	return Config{
		Durability:          repl.DurabilityOS,
		CheckpointInterval:  time.Minute,
		CheckpointRetention: 2,
		Database:            "app",
	}
}

// Option configures the server
type Option func(*Config)

// WithDataDir sets the directory for the oplog and checkpoint files
func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.DataDir = dir
	}
}

// WithDurability sets the oplog commit guarantee
func WithDurability(d repl.Durability) Option {
	return func(c *Config) {
		c.Durability = d
	}
}

// WithCheckpointInterval sets how often to perform checkpoints
func WithCheckpointInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.CheckpointInterval = interval
	}
}

// WithCheckpointRetention sets how many checkpoint files are kept
func WithCheckpointRetention(n int) Option {
	return func(c *Config) {
		c.CheckpointRetention = n
	}
}

// WithDatabase sets the database collection routes resolve in
func WithDatabase(db string) Option {
	return func(c *Config) {
		c.Database = db
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
