package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keymint/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keymint.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "CN=DefaultIssuer", cfg.IssuerName)
	assert.Equal(t, 4096, cfg.KeyBits)
	assert.Equal(t, 175200*time.Hour, cfg.Validity)
	assert.Equal(t, 16384, cfg.MaxNameBytes)
	assert.Equal(t, 64, cfg.StoreShards)
	assert.Equal(t, 65536, cfg.WriteChunkBytes)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout)
	assert.Zero(t, cfg.QueueLimit)
	assert.Empty(t, cfg.JournalPath())

	// Everything but the issuer key has a usable default.
	err := cfg.Validate()
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.ErrorContains(t, err, "issuer_key is required")

	cfg.IssuerKey = "issuer.pem"
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:9100
issuer_key: /etc/keymint/issuer.pem
issuer_name: "CN=Example CA, O=Example"
gen_workers: 3
key_bits: 2048
validity: 8760h
queue_limit: 100
drain_timeout: 30s
admin_listen: 127.0.0.1:9101
data_dir: /var/lib/keymint
log_level: debug
log_format: json
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9100", cfg.Listen)
	assert.Equal(t, "/etc/keymint/issuer.pem", cfg.IssuerKey)
	assert.Equal(t, "CN=Example CA, O=Example", cfg.IssuerName)
	assert.Equal(t, 3, cfg.GenWorkers)
	assert.Equal(t, 2048, cfg.KeyBits)
	assert.Equal(t, 8760*time.Hour, cfg.Validity)
	assert.Equal(t, 100, cfg.QueueLimit)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout)
	assert.Equal(t, filepath.Join("/var/lib/keymint", config.JournalFile), cfg.JournalPath())
	assert.Equal(t, config.FormatJSON, cfg.LogFormat)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	// Unset keys keep their defaults.
	assert.Equal(t, 16384, cfg.MaxNameBytes)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = config.Load(writeConfig(t, "listen: :9000\nunknown_key: 1\n"))
	assert.ErrorContains(t, err, "unknown_key")

	_, err = config.Load(writeConfig(t, "drain_timeout: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := config.Default()
	valid.IssuerKey = "issuer.pem"

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"EmptyListen", func(c *config.Config) { c.Listen = "" }, "listen address"},
		{"BadIssuerName", func(c *config.Config) { c.IssuerName = "garbage" }, "issuer_name"},
		{"NegativeWorkers", func(c *config.Config) { c.GenWorkers = -1 }, "gen_workers"},
		{"SmallKeys", func(c *config.Config) { c.KeyBits = 512 }, "key_bits"},
		{"ZeroValidity", func(c *config.Config) { c.Validity = 0 }, "validity"},
		{"NegativeQueueLimit", func(c *config.Config) { c.QueueLimit = -5 }, "queue_limit"},
		{"ZeroMaxName", func(c *config.Config) { c.MaxNameBytes = 0 }, "max_name_bytes"},
		{"ZeroShards", func(c *config.Config) { c.StoreShards = 0 }, "store_shards"},
		{"ZeroChunk", func(c *config.Config) { c.WriteChunkBytes = 0 }, "write_chunk_bytes"},
		{"NegativeDrain", func(c *config.Config) { c.DrainTimeout = -time.Second }, "drain_timeout"},
		{"AdminSameAsListen", func(c *config.Config) { c.AdminListen = c.Listen }, "admin_listen"},
		{"BadLogLevel", func(c *config.Config) { c.LogLevel = "loud" }, "log_level"},
		{"BadLogFormat", func(c *config.Config) { c.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, config.ErrInvalid)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	t.Run("ReportsEveryProblem", func(t *testing.T) {
		cfg := valid
		cfg.KeyBits = 1
		cfg.StoreShards = -1
		err := cfg.Validate()
		assert.ErrorContains(t, err, "key_bits")
		assert.ErrorContains(t, err, "store_shards")
	})
}
