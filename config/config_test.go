package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./mediacache/cache.db", cfg.Cache.Path)
	assert.Equal(t, int64(100<<20), cfg.Cache.SizeThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Cache.Freshness)
	assert.Equal(t, "media", cfg.MinIO.Bucket)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MEDIACACHE_PATH", "/var/cache/clipforge.db")
	t.Setenv("MEDIACACHE_PROJECT_FRESHNESS", "90s")
	t.Setenv("POSTGRES_HOST", "db.internal")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/cache/clipforge.db", cfg.Cache.Path)
	assert.Equal(t, 90*time.Second, cfg.Cache.Freshness)
	assert.Contains(t, cfg.Database.DSN(), "db.internal")
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{
		Host: "localhost", Port: 5432,
		User: "u", Password: "p", DBName: "d", SSLMode: "disable",
	}
	assert.Equal(t, "postgres://u:p@localhost:5432/d?sslmode=disable", c.DSN())
}
