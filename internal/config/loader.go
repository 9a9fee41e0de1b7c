package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading with Viper, layering defaults below
// a config file below environment variables.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with precedence: defaults < config file < env
// vars. CLI flag overrides are applied by the caller afterward, since they
// are parsed by the cmd/syncd binary, not this package.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, err
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, &LoadError{Op: "unmarshal config", Err: err}
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{Op: "validate config", Err: err}
	}

	return cfg, nil
}

// LoadError wraps a configuration load failure with the stage it occurred
// at, distinguishing "file not found" (tolerated) from structural failures
// the caller must treat as a startup error.
type LoadError struct {
	Op  string
	Err error
}

func (e *LoadError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "syncd"))
	}
	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "syncd"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)
	bindEnvVars(v)
	v.AutomaticEnv()
}

func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	v.SetDefault("global.data_dir", cfg.Global.DataDir)

	v.SetDefault("mail_store.index_path", cfg.MailStore.IndexPath)
	v.SetDefault("mail_store.script_path", cfg.MailStore.ScriptPath)
	v.SetDefault("mail_store.account_name", cfg.MailStore.AccountName)
	v.SetDefault("mail_store.sync_mailboxes", cfg.MailStore.SyncMailboxes)
	v.SetDefault("mail_store.sync_start_date", cfg.MailStore.SyncStartDate)
	v.SetDefault("mail_store.script_timeout_s", cfg.MailStore.ScriptTimeoutS)

	v.SetDefault("remote.remote_token", cfg.Remote.Token)
	v.SetDefault("remote.email_database_id", cfg.Remote.EmailDatabaseID)
	v.SetDefault("remote.calendar_database_id", cfg.Remote.CalendarDatabaseID)
	v.SetDefault("remote.user_email", cfg.Remote.UserEmail)
	v.SetDefault("remote.base_url", cfg.Remote.BaseURL)
	v.SetDefault("remote.writes_per_second", cfg.Remote.WritesPerSecond)
	v.SetDefault("remote.timeout_s", cfg.Remote.TimeoutS)

	v.SetDefault("sync.poll_interval_s", cfg.Sync.PollIntervalS)
	v.SetDefault("sync.init_batch_size", cfg.Sync.InitBatchSize)
	v.SetDefault("sync.retry_batch_size", cfg.Sync.RetryBatchSize)
	v.SetDefault("sync.max_retries", cfg.Sync.MaxRetries)
	v.SetDefault("sync.max_attachment_bytes", cfg.Sync.MaxAttachmentBytes)
	v.SetDefault("sync.allowed_attachment_exts", cfg.Sync.AllowedAttachmentExts)
	v.SetDefault("sync.max_consecutive_auth_failures", cfg.Sync.MaxConsecutiveAuthFailures)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		// An explicitly named file that does not exist surfaces as a plain
		// not-exist error rather than ConfigFileNotFoundError; it is
		// tolerated the same as no file at all.
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if l.configFile != "" {
			return &LoadError{Op: "read config file", Err: err}
		}
		return nil
	}
	return nil
}

// ConfigFileUsed returns the config file that was loaded, or "" if none was
// found.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// envBindings lists every key that supports a SYNCD_-prefixed environment
// override.
var envBindings = []string{
	"global.data_dir",
	"mail_store.index_path",
	"mail_store.script_path",
	"mail_store.account_name",
	"mail_store.sync_mailboxes",
	"mail_store.sync_start_date",
	"mail_store.script_timeout_s",
	"remote.remote_token",
	"remote.email_database_id",
	"remote.calendar_database_id",
	"remote.user_email",
	"remote.base_url",
	"remote.writes_per_second",
	"remote.timeout_s",
	"sync.poll_interval_s",
	"sync.init_batch_size",
	"sync.retry_batch_size",
	"sync.max_retries",
	"sync.max_attachment_bytes",
	"sync.allowed_attachment_exts",
	"sync.max_consecutive_auth_failures",
	"logging.level",
	"logging.format",
	"logging.enable_caller",
}

func bindEnvVars(v *viper.Viper) {
	for _, key := range envBindings {
		envVar := "SYNCD_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envVar)
	}
}

// applyEnvOverrides manually re-applies string/slice env values Viper's
// Unmarshal can silently drop when a config file is present alongside
// nested struct fields.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	v := l.v

	if val := v.GetString("mail_store.index_path"); val != "" {
		cfg.MailStore.IndexPath = val
	}
	if val := v.GetString("mail_store.script_path"); val != "" {
		cfg.MailStore.ScriptPath = val
	}
	if val := v.GetString("mail_store.account_name"); val != "" {
		cfg.MailStore.AccountName = val
	}
	if val := v.GetStringSlice("mail_store.sync_mailboxes"); len(val) > 0 {
		cfg.MailStore.SyncMailboxes = val
	}
	if val := v.GetString("mail_store.sync_start_date"); val != "" {
		cfg.MailStore.SyncStartDate = val
	}
	if val := v.GetString("remote.remote_token"); val != "" {
		cfg.Remote.Token = val
	}
	if val := v.GetString("remote.email_database_id"); val != "" {
		cfg.Remote.EmailDatabaseID = val
	}
	if val := v.GetString("remote.calendar_database_id"); val != "" {
		cfg.Remote.CalendarDatabaseID = val
	}
	if val := v.GetString("remote.user_email"); val != "" {
		cfg.Remote.UserEmail = val
	}
	if val := v.GetString("logging.level"); val != "" && val != "info" {
		cfg.Logging.Level = val
	}
	if val := v.GetString("logging.format"); val != "" && val != "console" {
		cfg.Logging.Format = val
	}
}

// LoadDefault loads configuration with default search paths and no
// explicit file.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}
