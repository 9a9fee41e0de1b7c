// Package config defines syncd's configuration surface: every
// option named there is a field of a single Config struct constructed at
// startup and passed by reference to components (Design Note "dynamic
// config objects become explicit structs").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration structure for syncd.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	MailStore MailStoreConfig `yaml:"mail_store" mapstructure:"mail_store"`
	Remote    RemoteConfig    `yaml:"remote" mapstructure:"remote"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// GlobalConfig contains daemon-wide settings.
type GlobalConfig struct {
	// DataDir is where syncd stores its state database and temporary
	// attachment working directories (default: ~/.local/share/syncd).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
}

// MailStoreConfig describes how to reach the external mail store: its
// read-only index file and its scripting channel.
type MailStoreConfig struct {
	// IndexPath is the mail store's read-only index database file, read by
	// the Radar.
	IndexPath string `yaml:"index_path" mapstructure:"index_path"`

	// ScriptPath is the scripting helper binary the Fetcher shells out to.
	ScriptPath string `yaml:"script_path" mapstructure:"script_path"`

	// AccountName selects the mail account on the scripting channel.
	AccountName string `yaml:"account_name" mapstructure:"account_name"`

	// SyncMailboxes restricts the Radar to these mailbox names; empty means
	// all mailboxes.
	SyncMailboxes []string `yaml:"sync_mailboxes" mapstructure:"sync_mailboxes"`

	// SyncStartDate is the sync horizon: messages received before this date
	// are marked skipped terminally.
	SyncStartDate string `yaml:"sync_start_date" mapstructure:"sync_start_date"`

	// ScriptTimeoutS bounds each scripting-channel invocation (default 200).
	ScriptTimeoutS int `yaml:"script_timeout_s" mapstructure:"script_timeout_s"`
}

// RemoteConfig configures the remote document database client.
type RemoteConfig struct {
	// Token is the bearer credential. In normal
	// operation this is only a bootstrap value: the daemon prefers whatever
	// is already stored in the credentials.Store (OS keyring or encrypted
	// fallback) and persists this value there on first run.
	Token string `yaml:"remote_token" mapstructure:"remote_token"`

	// EmailDatabaseID / CalendarDatabaseID are the target remote databases.
	EmailDatabaseID    string `yaml:"email_database_id" mapstructure:"email_database_id"`
	CalendarDatabaseID string `yaml:"calendar_database_id" mapstructure:"calendar_database_id"`

	// UserEmail identifies the viewing user.
	UserEmail string `yaml:"user_email" mapstructure:"user_email"`

	// BaseURL overrides the remote API root; empty uses the production
	// default. Mainly useful for pointing a staging instance at a test
	// server.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// WritesPerSecond bounds outbound writes (default 3).
	WritesPerSecond float64 `yaml:"writes_per_second" mapstructure:"writes_per_second"`

	// TimeoutS bounds each remote HTTP call (default 30).
	TimeoutS int `yaml:"timeout_s" mapstructure:"timeout_s"`
}

// SyncConfig configures the Scheduler's polling and retry behavior.
type SyncConfig struct {
	// PollIntervalS is the Scheduler's fixed polling period (default 5).
	PollIntervalS int `yaml:"poll_interval_s" mapstructure:"poll_interval_s"`

	// InitBatchSize caps detections processed per cycle. The cap applies on
	// every cycle, cold start included.
	InitBatchSize int `yaml:"init_batch_size" mapstructure:"init_batch_size"`

	// RetryBatchSize caps retry processing per cycle (default 3).
	RetryBatchSize int `yaml:"retry_batch_size" mapstructure:"retry_batch_size"`

	// MaxRetries is the retry_count at which a record moves to dead_letter
	// (default 5).
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// MaxAttachmentBytes drops attachments larger than this (default 20MiB).
	MaxAttachmentBytes int64 `yaml:"max_attachment_bytes" mapstructure:"max_attachment_bytes"`

	// AllowedAttachmentExts whitelists disposition-named attachment
	// extensions; empty means "allow all".
	AllowedAttachmentExts []string `yaml:"allowed_attachment_exts" mapstructure:"allowed_attachment_exts"`

	// MaxConsecutiveAuthFailures is how many consecutive remote
	// authentication failures across cycles trigger exit code 3.
	MaxConsecutiveAuthFailures int `yaml:"max_consecutive_auth_failures" mapstructure:"max_consecutive_auth_failures"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// EnableCaller adds caller file:line information to log entries.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir: filepath.Join(homeDir, ".local", "share", "syncd"),
		},
		MailStore: MailStoreConfig{
			ScriptTimeoutS: 200,
		},
		Remote: RemoteConfig{
			WritesPerSecond: 3,
			TimeoutS:        30,
		},
		Sync: SyncConfig{
			PollIntervalS:              5,
			InitBatchSize:              200,
			RetryBatchSize:             3,
			MaxRetries:                 5,
			MaxAttachmentBytes:         20 * 1024 * 1024,
			MaxConsecutiveAuthFailures: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks that the configuration is usable, returning a descriptive
// error for every missing required field, surfaced by main as exit code 2.
func (c *Config) Validate() error {
	if c.MailStore.IndexPath == "" {
		return fmt.Errorf("mail_store.index_path is required")
	}
	if c.MailStore.ScriptPath == "" {
		return fmt.Errorf("mail_store.script_path is required")
	}
	if c.MailStore.AccountName == "" {
		return fmt.Errorf("mail_store.account_name is required")
	}
	if c.MailStore.ScriptTimeoutS <= 0 {
		return fmt.Errorf("mail_store.script_timeout_s must be positive")
	}
	if c.Remote.EmailDatabaseID == "" {
		return fmt.Errorf("remote.email_database_id is required")
	}
	if c.Sync.PollIntervalS <= 0 {
		return fmt.Errorf("sync.poll_interval_s must be positive")
	}
	if c.Sync.RetryBatchSize <= 0 {
		return fmt.Errorf("sync.retry_batch_size must be positive")
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	return nil
}

// SyncHorizon parses SyncStartDate, returning the zero time (no horizon) if
// unset.
func (c *Config) SyncHorizon() (time.Time, error) {
	if strings.TrimSpace(c.MailStore.SyncStartDate) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", c.MailStore.SyncStartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sync_start_date %q: %w", c.MailStore.SyncStartDate, err)
	}
	return t, nil
}

// AllowedAttachmentExtSet returns AllowedAttachmentExts as a lowercase
// lookup set, ready for parser.Options.
func (c *Config) AllowedAttachmentExtSet() map[string]bool {
	if len(c.Sync.AllowedAttachmentExts) == 0 {
		return nil
	}
	set := make(map[string]bool, len(c.Sync.AllowedAttachmentExts))
	for _, ext := range c.Sync.AllowedAttachmentExts {
		set[strings.ToLower(ext)] = true
	}
	return set
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Global.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// StateDBPath returns the State Store's database file path.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.Global.DataDir, "syncd.db")
}

// TempDir returns the root of the per-message temporary attachment working
// directories: ephemeral, keyed by a deterministic digest of Message-ID.
func (c *Config) TempDir() string {
	return filepath.Join(c.Global.DataDir, "tmp")
}
