package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KEYLINE_DATA_DIR", t.TempDir())
	t.Setenv("KEYLINE_SIGNING_SECRET", testSecret)
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 24*time.Hour, cfg.AccessTTL)
	assert.Equal(t, 365*24*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, []int{7, 3, 1}, cfg.WarnLevels)
	assert.Equal(t, 9, cfg.WarnAt)
	assert.Equal(t, 24*time.Hour, cfg.GracePeriod)
	assert.Equal(t, 100, cfg.RateLimit)
	assert.Equal(t, 15*time.Minute, cfg.RateWindow)
	assert.Equal(t, 90, cfg.AuditRetentionDays)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("KEYLINE_LISTEN", "127.0.0.1:9090")
	t.Setenv("KEYLINE_ACCESS_TTL", "1h")
	t.Setenv("KEYLINE_REFRESH_TTL", "720h")
	t.Setenv("KEYLINE_TIMEZONE", "Europe/Berlin")
	t.Setenv("KEYLINE_WARN_LEVELS", "14, 7, 2")
	t.Setenv("KEYLINE_WARN_AT", "6")
	t.Setenv("KEYLINE_RATE_LIMIT", "10")
	t.Setenv("KEYLINE_RATE_WINDOW", "1m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Listen)
	assert.Equal(t, time.Hour, cfg.AccessTTL)
	assert.Equal(t, 720*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, []int{14, 7, 2}, cfg.WarnLevels)
	assert.Equal(t, 6, cfg.WarnAt)
	assert.Equal(t, 10, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.RateWindow)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
}

func TestLoadReadsDotEnvFromDataDir(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("KEYLINE_DATA_DIR", dataDir)
	t.Setenv("KEYLINE_SIGNING_SECRET", testSecret)

	env := "KEYLINE_LISTEN=:7777\n"
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, ".env"), []byte(env), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Listen)
}

func TestLoadFailsWithoutSecret(t *testing.T) {
	t.Setenv("KEYLINE_DATA_DIR", t.TempDir())
	t.Setenv("KEYLINE_SIGNING_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFailsOnShortSecret(t *testing.T) {
	t.Setenv("KEYLINE_DATA_DIR", t.TempDir())
	t.Setenv("KEYLINE_SIGNING_SECRET", "too-short")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"KEYLINE_ACCESS_TTL":  "soon",
		"KEYLINE_RATE_LIMIT":  "many",
		"KEYLINE_WARN_LEVELS": "7,never,1",
		"KEYLINE_TIMEZONE":    "Mars/Olympus",
		"KEYLINE_WARN_AT":     "25",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateRefreshMustOutliveAccess(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("KEYLINE_ACCESS_TTL", "48h")
	t.Setenv("KEYLINE_REFRESH_TTL", "24h")
	_, err := Load()
	assert.Error(t, err)
}
