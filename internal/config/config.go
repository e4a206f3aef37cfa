package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xixiha5230/BleCore/internal/ble"
	"github.com/xixiha5230/BleCore/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	LogOutput string        `yaml:"log_output"`
	Scan      ScanConfig    `yaml:"scan"`
	Connect   ConnectConfig `yaml:"connect"`
	Write     WriteConfig   `yaml:"write"`
	Seal      SealConfig    `yaml:"seal"`
}

// ScanConfig holds scan session defaults.
type ScanConfig struct {
	TimeoutMS       int      `yaml:"timeout_ms"`
	RetryCount      int      `yaml:"retry_count"`
	RetryIntervalMS int      `yaml:"retry_interval_ms"`
	Names           []string `yaml:"names"`
	NameContains    bool     `yaml:"name_contains"` // substring instead of exact match
	ServiceUUIDs    []string `yaml:"service_uuids"`
	Addresses       []string `yaml:"addresses"`
}

// ConnectConfig holds connection defaults.
type ConnectConfig struct {
	TimeoutMS       int  `yaml:"timeout_ms"`
	RetryCount      int  `yaml:"retry_count"`
	RetryIntervalMS int  `yaml:"retry_interval_ms"`
	AutoReconnect   bool `yaml:"auto_reconnect"`
}

// WriteConfig holds write transaction settings.
type WriteConfig struct {
	DefaultChunkSize   int  `yaml:"default_chunk_size"` // used when the MTU is unknown
	InterPacketDelayMS int  `yaml:"inter_packet_delay_ms"`
	ContinueOnFailure  bool `yaml:"continue_on_failure"`
}

// SealConfig holds the secret the CLI derives its sealing key from. Sealing
// itself is requested per write.
type SealConfig struct {
	SecretFile string `yaml:"secret_file"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blecore")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		LogOutput: "stderr",
		Scan: ScanConfig{
			TimeoutMS:       int(ble.DefaultScanTimeout / time.Millisecond),
			RetryIntervalMS: int(ble.DefaultScanRetryInterval / time.Millisecond),
		},
		Connect: ConnectConfig{
			TimeoutMS:       int(ble.DefaultConnectTimeout / time.Millisecond),
			RetryIntervalMS: int(ble.DefaultConnectRetryInterval / time.Millisecond),
		},
		Write: WriteConfig{
			DefaultChunkSize: protocol.DefaultChunkSize,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Seal.SecretFile = expandTilde(cfg.Seal.SecretFile)
	switch cfg.LogOutput {
	case "stdout", "stderr", "":
	default:
		cfg.LogOutput = expandTilde(cfg.LogOutput)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	if c.Scan.TimeoutMS < 0 {
		return fmt.Errorf("scan.timeout_ms must be >= 0")
	}
	if c.Scan.RetryCount < 0 {
		return fmt.Errorf("scan.retry_count must be >= 0")
	}
	if c.Scan.RetryIntervalMS < 0 {
		return fmt.Errorf("scan.retry_interval_ms must be >= 0")
	}
	for _, name := range c.Scan.Names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("scan.names must not contain empty names")
		}
	}
	for _, s := range c.Scan.ServiceUUIDs {
		if _, err := ble.ParseUUID(s); err != nil {
			return fmt.Errorf("scan.service_uuids: invalid UUID %q: %w", s, err)
		}
	}

	if c.Connect.TimeoutMS < 0 {
		return fmt.Errorf("connect.timeout_ms must be >= 0")
	}
	if c.Connect.RetryCount < 0 {
		return fmt.Errorf("connect.retry_count must be >= 0")
	}
	if c.Connect.RetryIntervalMS < 0 {
		return fmt.Errorf("connect.retry_interval_ms must be >= 0")
	}

	if c.Write.DefaultChunkSize < 1 {
		return fmt.Errorf("write.default_chunk_size must be >= 1")
	}
	if c.Write.InterPacketDelayMS < 0 {
		return fmt.Errorf("write.inter_packet_delay_ms must be >= 0")
	}

	return nil
}

// ScanOptions converts the scan section into engine options.
func (c *Config) ScanOptions() ble.ScanOptions {
	return ble.ScanOptions{
		ServiceUUIDs:  c.Scan.ServiceUUIDs,
		Addresses:     c.Scan.Addresses,
		Names:         c.Scan.Names,
		NameContains:  c.Scan.NameContains,
		Timeout:       millis(c.Scan.TimeoutMS),
		RetryCount:    c.Scan.RetryCount,
		RetryInterval: millis(c.Scan.RetryIntervalMS),
	}
}

// ConnectOptions converts the connect section into engine options.
func (c *Config) ConnectOptions() ble.ConnectOptions {
	return ble.ConnectOptions{
		Timeout:       millis(c.Connect.TimeoutMS),
		RetryCount:    c.Connect.RetryCount,
		RetryInterval: millis(c.Connect.RetryIntervalMS),
		AutoReconnect: c.Connect.AutoReconnect,
	}
}

// WriteOptions converts the write section into engine options.
func (c *Config) WriteOptions() ble.WriteOptions {
	return ble.WriteOptions{
		FallbackChunkSize: c.Write.DefaultChunkSize,
		InterPacketDelay:  millis(c.Write.InterPacketDelayMS),
		ContinueOnFailure: c.Write.ContinueOnFailure,
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// mean info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# blecore configuration
# Durations are in milliseconds. A retry_count of N means N+1 attempts.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
