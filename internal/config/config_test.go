package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/config"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
catalog:
  sqlite_path: /var/lib/blockvault/catalog.sqlite
backend:
  scheme: fs
  fs_base_path: /var/lib/blockvault
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
	require.Equal(t, "stderr", cfg.Logging.Output)
	require.Equal(t, "sqlite", cfg.Catalog.Driver)
	require.Equal(t, 4, cfg.Restore.CacheEntries)
	require.EqualValues(t, 512*1024*1024, cfg.Restore.CacheBytes)
	require.Equal(t, 8, cfg.Restore.MaxConcurrentFiles)
	require.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadRejectsMissingRequiredFSBasePath(t *testing.T) {
	path := writeConfig(t, `
catalog:
  sqlite_path: /var/lib/blockvault/catalog.sqlite
backend:
  scheme: fs
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownCatalogDriver(t *testing.T) {
	path := writeConfig(t, `
catalog:
  driver: mongodb
backend:
  scheme: memory
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadAcceptsMemoryBackendWithoutFSPath(t *testing.T) {
	path := writeConfig(t, `
catalog:
  sqlite_path: /var/lib/blockvault/catalog.sqlite
backend:
  scheme: memory
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Backend.Scheme)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	path := writeConfig(t, `
catalog:
  sqlite_path: /var/lib/blockvault/catalog.sqlite
backend:
  scheme: memory
`)
	t.Setenv("BLOCKVAULT_LOGGING_LEVEL", "debug")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRequiresPostgresFieldsWhenSelected(t *testing.T) {
	path := writeConfig(t, `
catalog:
  driver: postgres
backend:
  scheme: memory
`)
	_, err := config.Load(path)
	require.Error(t, err, "postgres_host and postgres_database are required when driver is postgres")
}
