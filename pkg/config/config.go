package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration of a snapkv node.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Server    ServerConfig    `yaml:"http-server"`
	Partition PartitionConfig `yaml:"partition"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type PartitionConfig struct {
	Path     string         `yaml:"path"`
	Memtable MemtableConfig `yaml:"memtable"`
	Journal  JournalConfig  `yaml:"journal"`
	Recovery RecoveryConfig `yaml:"recovery"`
}

type MemtableConfig struct {
	// FlushThresholdBytes triggers a background flush when AutoFlush is on.
	FlushThresholdBytes int  `yaml:"flush_threshold"`
	MaxEntryBytes       int  `yaml:"max_entry_bytes"`
	AutoFlush           bool `yaml:"auto_flush"`
}

type JournalConfig struct {
	SyncWrites bool `yaml:"sync_writes"`
}

type RecoveryConfig struct {
	// Workers bounds how many runs are opened in parallel.
	Workers int `yaml:"workers"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Partition: DefaultPartition("./data"),
	}
}

// DefaultPartition returns the partition defaults rooted at path.
func DefaultPartition(path string) PartitionConfig {
	return PartitionConfig{
		Path: path,
		Memtable: MemtableConfig{
			FlushThresholdBytes: 8 << 20,
			MaxEntryBytes:       1 << 20,
			AutoFlush:           true,
		},
		Journal: JournalConfig{
			SyncWrites: false,
		},
		Recovery: RecoveryConfig{
			Workers: 4,
		},
	}
}

// Load reads a YAML config on top of Default. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid http-server.port %d", c.Server.Port)
	}
	if _, err := ParseLevel(c.Logger.Level); err != nil {
		return err
	}
	return c.Partition.Validate()
}

func (c PartitionConfig) Validate() error {
	switch {
	case c.Path == "":
		return errors.New("partition.path is required")
	case c.Memtable.FlushThresholdBytes < 1:
		return fmt.Errorf("invalid partition.memtable.flush_threshold %d", c.Memtable.FlushThresholdBytes)
	case c.Memtable.MaxEntryBytes < 0:
		return fmt.Errorf("invalid partition.memtable.max_entry_bytes %d", c.Memtable.MaxEntryBytes)
	case c.Recovery.Workers < 1:
		return fmt.Errorf("invalid partition.recovery.workers %d", c.Recovery.Workers)
	}
	return nil
}

// ParseLevel maps the configured level name onto slog.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}
