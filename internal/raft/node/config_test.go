package node

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
id: s1
data_dir: /var/lib/raftcore
members: [s2, s3]
learners: [s4]
flush_interval: 25ms
compact_interval: 0s
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, raft.ServerID("s1"), cfg.ID)
		assert.Equal(t, "/var/lib/raftcore", cfg.DataDir)
		assert.Equal(t, []raft.ServerID{"s2", "s3", "s1"}, cfg.Members, "id joins the members")
		assert.Equal(t, []raft.ServerID{"s4"}, cfg.Learners)
		assert.Equal(t, 25*time.Millisecond, cfg.FlushInterval)
		assert.Equal(t, time.Duration(0), cfg.CompactInterval)

		// Untouched fields keep their defaults
		assert.Equal(t, DefaultConfig().GRPCAddr, cfg.GRPCAddr)
		assert.Equal(t, uint64(1024), cfg.RetainedEntries)
		assert.Equal(t, filepath.Join("/var/lib/raftcore", "raft.db"), cfg.LogPath())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "id: [unterminated"))
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "data_dir: /tmp\n"))
		assert.ErrorContains(t, err, "id is required")
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.ID = "s1"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{name: "defaults with id", modify: func(c *Config) {}},
		{name: "no id", modify: func(c *Config) { c.ID = "" }, wantErr: "id is required"},
		{name: "no data dir", modify: func(c *Config) { c.DataDir = "" }, wantErr: "data_dir is required"},
		{name: "no flusher", modify: func(c *Config) { c.FlushInterval = 0 }, wantErr: "flush_interval"},
		{name: "negative compaction", modify: func(c *Config) { c.CompactInterval = -time.Second }, wantErr: "compact_interval"},
		{name: "self as learner", modify: func(c *Config) { c.Learners = []raft.ServerID{"s1"} }, wantErr: "learner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Contains(t, cfg.Members, cfg.ID)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_ValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = ""
	cfg.FlushInterval = 0

	err := cfg.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 3)
	assert.ErrorContains(t, err, "id is required")
	assert.ErrorContains(t, err, "data_dir is required")
	assert.ErrorContains(t, err, "flush_interval")
	assert.Empty(t, cfg.Members, "members are not touched by an invalid config")
}

func TestConfig_LogOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Second
	cfg.CacheSize = 7

	opts := cfg.LogOptions(nil)
	assert.Equal(t, time.Second, opts.FlushInterval)
	assert.Equal(t, 7, opts.CacheSize)
	assert.NotNil(t, opts.Metrics)
}
