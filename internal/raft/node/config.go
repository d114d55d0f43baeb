package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"raftcore/internal/raft"
	"raftcore/internal/raft/storage"
)

// Config is the configuration of a node, usually read from a YAML file with LoadConfig
type Config struct {
	// ID of this server. It must be stable across restarts.
	ID raft.ServerID `yaml:"id"`
	// DataDir holds the log file
	DataDir string `yaml:"data_dir"`
	// GRPCAddr is where the health service listens
	GRPCAddr string `yaml:"grpc_addr"`
	// HTTPAddr serves the key-value API and /metrics
	HTTPAddr string `yaml:"http_addr"`

	// Members and Learners bootstrap the configuration the first time the node starts. Later starts use the
	// configuration stored in the log. ID is always added to Members.
	Members  []raft.ServerID `yaml:"members"`
	Learners []raft.ServerID `yaml:"learners"`

	FlushInterval   time.Duration `yaml:"flush_interval"`
	RetainedEntries uint64        `yaml:"retained_entries"`
	CacheSize       int           `yaml:"cache_size"`
	// CompactInterval is how often the log is compacted, 0 disables compaction
	CompactInterval time.Duration `yaml:"compact_interval"`

	// MetricsService prefixes every metric name
	MetricsService string `yaml:"metrics_service"`
}

// DefaultConfig returns a Config with every field except ID set
func DefaultConfig() Config {
	logOpts := storage.DefaultBoltLogOptions()
	return Config{
		DataDir:         "data",
		GRPCAddr:        "localhost:7001",
		HTTPAddr:        "localhost:8001",
		FlushInterval:   logOpts.FlushInterval,
		RetainedEntries: logOpts.RetainedEntries,
		CacheSize:       logOpts.CacheSize,
		CompactInterval: time.Minute,
		MetricsService:  "raftcore",
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration and fills in ID in Members
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.ID == "" {
		result = multierror.Append(result, errors.New("id is required"))
	}
	if c.DataDir == "" {
		result = multierror.Append(result, errors.New("data_dir is required"))
	}
	if c.FlushInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval))
	}
	if c.CompactInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("compact_interval must not be negative, got %s", c.CompactInterval))
	}
	if c.ID != "" && slices.Contains(c.Learners, c.ID) {
		result = multierror.Append(result, fmt.Errorf("%s can not be a learner of its own cluster", c.ID))
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	if !slices.Contains(c.Members, c.ID) {
		c.Members = append(c.Members, c.ID)
	}
	return nil
}

// LogPath is the location of the log file inside DataDir
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "raft.db")
}

// LogOptions returns the BoltLog options described by the config
func (c *Config) LogOptions(metrics raft.MetricsCollector) storage.BoltLogOptions {
	opts := storage.DefaultBoltLogOptions()
	opts.FlushInterval = c.FlushInterval
	opts.RetainedEntries = c.RetainedEntries
	opts.CacheSize = c.CacheSize
	if metrics != nil {
		opts.Metrics = metrics
	}
	return opts
}
