// Package config loads and validates the key server's settings.
//
// Settings come from Default, are overlaid by an optional YAML file and then
// by whatever command-line flags the caller applies, and are finally checked
// with Validate.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/keymint/pki"
	"github.com/jmcleod/keymint/protocol"
	"github.com/jmcleod/keymint/server"
	"github.com/jmcleod/keymint/store"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Log output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// JournalFile is the journal database name inside DataDir.
const JournalFile = "journal.db"

// Config holds every server setting. Durations are written in YAML as Go
// duration strings ("10s", "175200h").
type Config struct {
	Listen          string        `yaml:"listen"`
	IssuerKey       string        `yaml:"issuer_key"`
	IssuerName      string        `yaml:"issuer_name"`
	GenWorkers      int           `yaml:"gen_workers"`
	KeyBits         int           `yaml:"key_bits"`
	Validity        time.Duration `yaml:"validity"`
	QueueLimit      int           `yaml:"queue_limit"`
	MaxNameBytes    int           `yaml:"max_name_bytes"`
	StoreShards     int           `yaml:"store_shards"`
	WriteChunkBytes int           `yaml:"write_chunk_bytes"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	AdminListen     string        `yaml:"admin_listen"`
	DataDir         string        `yaml:"data_dir"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
}

// Default returns the built-in settings. IssuerKey has no default.
func Default() Config {
	return Config{
		Listen:          ":9000",
		IssuerName:      "CN=DefaultIssuer",
		GenWorkers:      runtime.NumCPU(),
		KeyBits:         pki.DefaultKeyBits,
		Validity:        pki.DefaultValidity,
		MaxNameBytes:    protocol.DefaultMaxNameBytes,
		StoreShards:     store.DefaultShards,
		WriteChunkBytes: server.DefaultChunkBytes,
		DrainTimeout:    server.DefaultDrainTimeout,
		LogLevel:        "info",
		LogFormat:       FormatText,
	}
}

// Load returns Default overlaid with the YAML file at path. Unknown keys
// are rejected. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid setting, each wrapped with ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Listen == "" {
		fail("listen address is required")
	}
	if c.IssuerKey == "" {
		fail("issuer_key is required")
	}
	if _, err := pki.ParseDistinguishedName(c.IssuerName); err != nil {
		fail("issuer_name: %v", err)
	}
	if c.GenWorkers < 0 {
		fail("gen_workers must not be negative, got %d", c.GenWorkers)
	}
	if c.KeyBits < 1024 {
		fail("key_bits must be at least 1024, got %d", c.KeyBits)
	}
	if c.Validity <= 0 {
		fail("validity must be positive, got %s", c.Validity)
	}
	if c.QueueLimit < 0 {
		fail("queue_limit must not be negative, got %d", c.QueueLimit)
	}
	if c.MaxNameBytes <= 0 {
		fail("max_name_bytes must be positive, got %d", c.MaxNameBytes)
	}
	if c.StoreShards <= 0 {
		fail("store_shards must be positive, got %d", c.StoreShards)
	}
	if c.WriteChunkBytes <= 0 {
		fail("write_chunk_bytes must be positive, got %d", c.WriteChunkBytes)
	}
	if c.DrainTimeout < 0 {
		fail("drain_timeout must not be negative, got %s", c.DrainTimeout)
	}
	if c.AdminListen != "" && c.AdminListen == c.Listen {
		fail("admin_listen must differ from listen")
	}
	if _, err := c.SlogLevel(); err != nil {
		fail("log_level: %v", err)
	}
	if c.LogFormat != FormatText && c.LogFormat != FormatJSON {
		fail("log_format must be %q or %q, got %q", FormatText, FormatJSON, c.LogFormat)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}

// JournalPath returns the journal database location, or "" when no data
// directory is configured and the journal is kept in memory.
func (c Config) JournalPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, JournalFile)
}
