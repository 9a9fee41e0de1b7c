package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hkdb/syncd/internal/config"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoadFromFileAppliesFileOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
mail_store:
  index_path: /mail/index.sqlite
  script_path: /mail/script.sh
  account_name: work
remote:
  email_database_id: db-123
sync:
  poll_interval_s: 30
`)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "/mail/index.sqlite", cfg.MailStore.IndexPath)
	require.Equal(t, 30, cfg.Sync.PollIntervalS)
	// Defaults survive for fields the file doesn't set.
	require.Equal(t, 3, cfg.Sync.RetryBatchSize)
	require.Equal(t, 200, cfg.MailStore.ScriptTimeoutS)
}

func TestLoadMissingConfigFileFallsBackToDefaultsAndEnv(t *testing.T) {
	t.Setenv("SYNCD_MAIL_STORE_INDEX_PATH", "/env/index.sqlite")
	t.Setenv("SYNCD_MAIL_STORE_SCRIPT_PATH", "/env/script.sh")
	t.Setenv("SYNCD_MAIL_STORE_ACCOUNT_NAME", "env-account")
	t.Setenv("SYNCD_REMOTE_EMAIL_DATABASE_ID", "db-env")

	loader := config.NewLoader()
	loader.SetConfigFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	cfg, err := loader.Load()
	require.NoError(t, err)

	require.Equal(t, "/env/index.sqlite", cfg.MailStore.IndexPath)
	require.Equal(t, "env-account", cfg.MailStore.AccountName)
	require.Equal(t, "db-env", cfg.Remote.EmailDatabaseID)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
mail_store:
  index_path: /mail/index.sqlite
  script_path: /mail/script.sh
  account_name: from-file
remote:
  email_database_id: db-123
`)
	t.Setenv("SYNCD_MAIL_STORE_ACCOUNT_NAME", "from-env")

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.MailStore.AccountName)
}

func TestLoadReturnsValidationErrorWhenRequiredFieldsMissing(t *testing.T) {
	path := writeConfigFile(t, "global:\n  data_dir: /tmp/syncd\n")
	_, err := config.LoadFromFile(path)
	require.Error(t, err)
}

func TestLoadExplicitMissingConfigFileIsAnError(t *testing.T) {
	loader := config.NewLoader()
	loader.SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := loader.Load()
	// Required fields are unset regardless, so this still errors, but via
	// validation rather than "file not found": an explicitly named file
	// that genuinely doesn't exist is tolerated the same as no file at all.
	require.Error(t, err)
}

func TestConfigFileUsedReportsLoadedPath(t *testing.T) {
	path := writeConfigFile(t, `
mail_store:
  index_path: /mail/index.sqlite
  script_path: /mail/script.sh
  account_name: work
remote:
  email_database_id: db-123
`)
	loader := config.NewLoader()
	loader.SetConfigFile(path)
	_, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, path, loader.ConfigFileUsed())
}
