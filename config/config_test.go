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
	assert.Equal(t, "file", cfg.StateBackend)
	assert.Equal(t, 1500*time.Millisecond, cfg.HarvestBaseDelay)
	assert.Equal(t, 72*time.Hour, cfg.QuickCheckStaleAfter)
	assert.Equal(t, 50, cfg.BargainThreshold)
	assert.Equal(t, 0.02, cfg.CellStep)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BARGAIN_THRESHOLD=65\nKAFKA_BROKERS=a:9092, b:9092\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("BARGAIN_THRESHOLD")
		os.Unsetenv("KAFKA_BROKERS")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 65, cfg.BargainThreshold)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokerList())
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("STATE_BACKEND", "etcd")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{DatabaseHost: "db", DatabasePort: "5432", DatabaseUserName: "u", DatabasePassword: "p", DatabaseName: "fern", DatabaseSSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=fern sslmode=disable", cfg.DatabaseDSN())
}
