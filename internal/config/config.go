// ABOUTME: Configuration loading and parsing for bookdrop
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values applied to zero-valued fields after parsing.
const (
	DefaultHTTPAddr          = "0.0.0.0:3001"
	DefaultScratchDir        = "uploads"
	DefaultDatabasePath      = ":memory:"
	DefaultEventRetention    = 30 * 24 * time.Hour
	DefaultInactivityTimeout = 30 * time.Second
	DefaultAbsoluteTimeout   = time.Hour
	DefaultMaxArtifacts      = 12
	DefaultMaxKeys           = 1000
	DefaultMaxFileSize       = 100 * 1024 * 1024
	DefaultConversionTimeout = 2 * time.Minute
	DefaultGeneratePerMinute = 20
	DefaultGenerateBurst     = 5
)

// Config represents the complete bookdrop configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Sessions   SessionsConfig   `yaml:"sessions" toml:"sessions"`
	Uploads    UploadsConfig    `yaml:"uploads" toml:"uploads"`
	Conversion ConversionConfig `yaml:"conversion" toml:"conversion"`
	Limits     LimitsConfig     `yaml:"limits" toml:"limits"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// StorageConfig holds the scratch directory for uploaded and converted files.
// The directory is emptied at startup.
type StorageConfig struct {
	ScratchDir string `yaml:"scratch_dir" toml:"scratch_dir"`
}

// DatabaseConfig holds the transfer event log location and retention
type DatabaseConfig struct {
	Path         string        `yaml:"path" toml:"path"`
	Retention    time.Duration `yaml:"-" toml:"-"`
	RetentionRaw string        `yaml:"retention" toml:"retention"`
}

// SessionsConfig holds pairing key lifetime configuration
type SessionsConfig struct {
	InactivityTimeout time.Duration `yaml:"-" toml:"-"`
	AbsoluteTimeout   time.Duration `yaml:"-" toml:"-"`
	MaxArtifacts      int           `yaml:"max_artifacts" toml:"max_artifacts"`
	MaxKeys           int           `yaml:"max_keys" toml:"max_keys"`

	// Raw string values for YAML/TOML unmarshaling
	InactivityTimeoutRaw string `yaml:"inactivity_timeout" toml:"inactivity_timeout"`
	AbsoluteTimeoutRaw   string `yaml:"absolute_timeout" toml:"absolute_timeout"`
}

// UploadsConfig holds upload size limits
type UploadsConfig struct {
	MaxFileSize int64 `yaml:"max_file_size" toml:"max_file_size"`
	MaxFiles    int   `yaml:"max_files" toml:"max_files"`
}

// ConversionConfig holds external converter settings.
// Tool paths may be bare names resolved through PATH.
type ConversionConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent" toml:"max_concurrent"`
	Timeout        time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw     string        `yaml:"timeout" toml:"timeout"`
	Kepubify       string        `yaml:"kepubify" toml:"kepubify"`
	Kindlegen      string        `yaml:"kindlegen" toml:"kindlegen"`
	PDFCropMargins string        `yaml:"pdfcropmargins" toml:"pdfcropmargins"`
}

// LimitsConfig holds request throttling configuration
type LimitsConfig struct {
	GeneratePerMinute int `yaml:"generate_per_minute" toml:"generate_per_minute"`
	GenerateBurst     int `yaml:"generate_burst" toml:"generate_burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault behaves like Load but returns Default() when the file does not exist.
// The second return value reports whether a file was read.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Storage.ScratchDir == "" {
		c.Storage.ScratchDir = DefaultScratchDir
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Database.Retention == 0 {
		c.Database.Retention = DefaultEventRetention
	}
	if c.Sessions.InactivityTimeout == 0 {
		c.Sessions.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.Sessions.AbsoluteTimeout == 0 {
		c.Sessions.AbsoluteTimeout = DefaultAbsoluteTimeout
	}
	if c.Sessions.MaxArtifacts == 0 {
		c.Sessions.MaxArtifacts = DefaultMaxArtifacts
	}
	if c.Sessions.MaxKeys == 0 {
		c.Sessions.MaxKeys = DefaultMaxKeys
	}
	if c.Uploads.MaxFileSize == 0 {
		c.Uploads.MaxFileSize = DefaultMaxFileSize
	}
	if c.Uploads.MaxFiles == 0 {
		c.Uploads.MaxFiles = c.Sessions.MaxArtifacts
	}
	if c.Conversion.MaxConcurrent == 0 {
		c.Conversion.MaxConcurrent = runtime.NumCPU()
	}
	if c.Conversion.Timeout == 0 {
		c.Conversion.Timeout = DefaultConversionTimeout
	}
	if c.Conversion.Kepubify == "" {
		c.Conversion.Kepubify = "kepubify"
	}
	if c.Conversion.Kindlegen == "" {
		c.Conversion.Kindlegen = "kindlegen"
	}
	if c.Conversion.PDFCropMargins == "" {
		c.Conversion.PDFCropMargins = "pdfcropmargins"
	}
	if c.Limits.GeneratePerMinute == 0 {
		c.Limits.GeneratePerMinute = DefaultGeneratePerMinute
	}
	if c.Limits.GenerateBurst == 0 {
		c.Limits.GenerateBurst = DefaultGenerateBurst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Storage.ScratchDir == "" {
		return fmt.Errorf("storage.scratch_dir is required")
	}
	if clean := filepath.Clean(c.Storage.ScratchDir); clean == "/" || clean == "." {
		return fmt.Errorf("storage.scratch_dir %q would wipe a root or working directory at startup", c.Storage.ScratchDir)
	}

	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention must be positive")
	}

	if c.Sessions.InactivityTimeout < 0 || c.Sessions.AbsoluteTimeout < 0 {
		return fmt.Errorf("sessions timeouts must be positive")
	}
	if c.Sessions.AbsoluteTimeout < c.Sessions.InactivityTimeout {
		return fmt.Errorf("sessions.absolute_timeout (%s) must not be shorter than sessions.inactivity_timeout (%s)",
			c.Sessions.AbsoluteTimeout, c.Sessions.InactivityTimeout)
	}
	if c.Sessions.MaxArtifacts < 1 {
		return fmt.Errorf("sessions.max_artifacts must be at least 1")
	}
	if c.Sessions.MaxKeys < 1 {
		return fmt.Errorf("sessions.max_keys must be at least 1")
	}

	if c.Uploads.MaxFileSize < 1 {
		return fmt.Errorf("uploads.max_file_size must be positive")
	}
	if c.Uploads.MaxFiles < 1 {
		return fmt.Errorf("uploads.max_files must be at least 1")
	}

	if c.Conversion.MaxConcurrent < 1 {
		return fmt.Errorf("conversion.max_concurrent must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Database.RetentionRaw != "" {
		cfg.Database.Retention, err = time.ParseDuration(cfg.Database.RetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing retention %q: %w", cfg.Database.RetentionRaw, err)
		}
	}

	if cfg.Sessions.InactivityTimeoutRaw != "" {
		cfg.Sessions.InactivityTimeout, err = time.ParseDuration(cfg.Sessions.InactivityTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing inactivity_timeout %q: %w", cfg.Sessions.InactivityTimeoutRaw, err)
		}
	}

	if cfg.Sessions.AbsoluteTimeoutRaw != "" {
		cfg.Sessions.AbsoluteTimeout, err = time.ParseDuration(cfg.Sessions.AbsoluteTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing absolute_timeout %q: %w", cfg.Sessions.AbsoluteTimeoutRaw, err)
		}
	}

	if cfg.Conversion.TimeoutRaw != "" {
		cfg.Conversion.Timeout, err = time.ParseDuration(cfg.Conversion.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing conversion timeout %q: %w", cfg.Conversion.TimeoutRaw, err)
		}
	}

	return nil
}
