package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "fern", cfg.AppName)
	assert.Equal(t, "fern:jobs", cfg.RedisStreamsJobQueue)
	assert.Equal(t, 10*time.Second, cfg.NotifierPollInterval)
	assert.Equal(t, "db/migrations", cfg.DatabaseMigrationFolderPath)
}

func TestLoad_EnvFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("FERN_TEST_UNUSED=1\nNOTIFIER_PAGE_SIZE=42\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("FERN_TEST_UNUSED")
		os.Unsetenv("NOTIFIER_PAGE_SIZE")
	})
	t.Setenv("NOTIFIER_MAX_PAGES", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.NotifierPageSize)
	assert.Equal(t, 3, cfg.NotifierMaxPages)
}
