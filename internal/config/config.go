// Package config loads docmirror.yaml, applies DOCMIRROR_* environment
// overrides and validates the result against an embedded CUE schema.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "docmirror.yaml"

// Config is the full docmirror configuration.
type Config struct {
	Database  string          `yaml:"database"`
	LogLevel  string          `yaml:"log_level"`
	Primary   PrimaryConfig   `yaml:"primary"`
	Backup    BackupConfig    `yaml:"backup"`
	BackupRun BackupRunConfig `yaml:"backup_run"`
	Retry     RetryConfig     `yaml:"retry"`
	Sessions  SessionsConfig  `yaml:"sessions"`
}

// PrimaryConfig selects and addresses the primary object store.
type PrimaryConfig struct {
	Backend   string `yaml:"backend"` // minio | s3
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// BackupConfig addresses the backup drive and the edit folder on it.
type BackupConfig struct {
	Backend      string `yaml:"backend"` // onedrive
	GraphURL     string `yaml:"graph_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	DriveID      string `yaml:"drive_id"`
	Folder       string `yaml:"folder"`
	EditFolder   string `yaml:"edit_folder"`
}

// BackupRunConfig tunes reconciliation runs.
type BackupRunConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// RetryConfig mirrors the retry executor policy.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	BaseBackoff    Duration `yaml:"base_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	MaxElapsed     Duration `yaml:"max_elapsed"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

// SessionsConfig tunes the edit-session lock manager.
type SessionsConfig struct {
	MaxLockDuration Duration `yaml:"max_lock_duration"`
}

// Duration is a time.Duration written as a Go duration string ("4h").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string like \"500ms\"", node.Line)
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: "docmirror.db",
		LogLevel: "info",
		Primary:  PrimaryConfig{Backend: "minio", UseSSL: true},
		Backup: BackupConfig{
			Backend:    "onedrive",
			GraphURL:   "https://graph.microsoft.com/v1.0",
			TokenURL:   "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			Folder:     "docmirror-backup",
			EditFolder: "docmirror-editing",
		},
		BackupRun: BackupRunConfig{Concurrency: 3},
		Retry: RetryConfig{
			MaxAttempts:    4,
			BaseBackoff:    Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(8 * time.Second),
			MaxElapsed:     Duration(2 * time.Minute),
			AttemptTimeout: Duration(60 * time.Second),
		},
		Sessions: SessionsConfig{MaxLockDuration: Duration(4 * time.Hour)},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. A missing file is an error wrapping os.ErrNotExist; callers
// decide whether that is fatal.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to the defaults when path does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		cfg.ApplyEnv(os.LookupEnv)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and paths from DOCMIRROR_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup("DOCMIRROR_" + name); ok {
			*dst = v
		}
	}
	str("DATABASE", &c.Database)
	str("LOG_LEVEL", &c.LogLevel)
	str("PRIMARY_BACKEND", &c.Primary.Backend)
	str("PRIMARY_ENDPOINT", &c.Primary.Endpoint)
	str("PRIMARY_REGION", &c.Primary.Region)
	str("PRIMARY_BUCKET", &c.Primary.Bucket)
	str("PRIMARY_PREFIX", &c.Primary.Prefix)
	str("PRIMARY_ACCESS_KEY", &c.Primary.AccessKey)
	str("PRIMARY_SECRET_KEY", &c.Primary.SecretKey)
	str("BACKUP_CLIENT_ID", &c.Backup.ClientID)
	str("BACKUP_CLIENT_SECRET", &c.Backup.ClientSecret)
	str("BACKUP_REFRESH_TOKEN", &c.Backup.RefreshToken)
	str("BACKUP_DRIVE_ID", &c.Backup.DriveID)

	if v, ok := lookup("DOCMIRROR_PRIMARY_USE_SSL"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.Primary.UseSSL = b
		}
	}
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&out.Primary.SecretKey)
	mask(&out.Backup.ClientSecret)
	mask(&out.Backup.RefreshToken)
	return &out
}
