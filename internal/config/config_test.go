package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hkdb/syncd/internal/config"
)

func validConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MailStore.IndexPath = "/tmp/index.sqlite"
	cfg.MailStore.ScriptPath = "/tmp/script.sh"
	cfg.MailStore.AccountName = "work"
	cfg.Remote.EmailDatabaseID = "db-123"
	return cfg
}

func TestDefaultConfigValidatesOnceRequiredFieldsAreSet(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing index path", func(c *config.Config) { c.MailStore.IndexPath = "" }},
		{"missing script path", func(c *config.Config) { c.MailStore.ScriptPath = "" }},
		{"missing account name", func(c *config.Config) { c.MailStore.AccountName = "" }},
		{"non-positive script timeout", func(c *config.Config) { c.MailStore.ScriptTimeoutS = 0 }},
		{"missing email database id", func(c *config.Config) { c.Remote.EmailDatabaseID = "" }},
		{"non-positive poll interval", func(c *config.Config) { c.Sync.PollIntervalS = 0 }},
		{"non-positive retry batch size", func(c *config.Config) { c.Sync.RetryBatchSize = 0 }},
		{"non-positive max retries", func(c *config.Config) { c.Sync.MaxRetries = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSyncHorizonEmptyMeansNoHorizon(t *testing.T) {
	cfg := validConfig()
	horizon, err := cfg.SyncHorizon()
	require.NoError(t, err)
	require.True(t, horizon.IsZero())
}

func TestSyncHorizonParsesDate(t *testing.T) {
	cfg := validConfig()
	cfg.MailStore.SyncStartDate = "2024-03-15"
	horizon, err := cfg.SyncHorizon()
	require.NoError(t, err)
	require.Equal(t, 2024, horizon.Year())
	require.Equal(t, 15, horizon.Day())
}

func TestSyncHorizonRejectsMalformedDate(t *testing.T) {
	cfg := validConfig()
	cfg.MailStore.SyncStartDate = "not-a-date"
	_, err := cfg.SyncHorizon()
	require.Error(t, err)
}

func TestAllowedAttachmentExtSetLowercasesAndNilsWhenEmpty(t *testing.T) {
	cfg := validConfig()
	require.Nil(t, cfg.AllowedAttachmentExtSet())

	cfg.Sync.AllowedAttachmentExts = []string{"PDF", "Png"}
	set := cfg.AllowedAttachmentExtSet()
	require.True(t, set["pdf"])
	require.True(t, set["png"])
	require.False(t, set["PDF"])
}

func TestEnsureDirectoriesCreatesDataDir(t *testing.T) {
	cfg := validConfig()
	cfg.Global.DataDir = t.TempDir() + "/nested/syncd"
	require.NoError(t, cfg.EnsureDirectories())
	require.DirExists(t, cfg.Global.DataDir)
}

func TestStateDBPathAndTempDirAreUnderDataDir(t *testing.T) {
	cfg := validConfig()
	cfg.Global.DataDir = "/var/lib/syncd"
	require.Equal(t, "/var/lib/syncd/syncd.db", cfg.StateDBPath())
	require.Equal(t, "/var/lib/syncd/tmp", cfg.TempDir())
}
