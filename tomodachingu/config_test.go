package tomodachingu

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaultRuntimeConfig(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	require.NoError(t, structValidator.Struct(cfg))

	cfg.LogLevel = "LOUD"
	require.Error(t, structValidator.Struct(cfg))
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	require.NoError(t, structValidator.Struct(cfg))

	t.Run(
		"missing token", func(t *testing.T) {
			c := DefaultTestConfig(t)
			c.Discord.Token = ""
			assert.Error(t, structValidator.Struct(c))
		},
	)
	t.Run(
		"bad database type", func(t *testing.T) {
			c := DefaultTestConfig(t)
			c.DatabaseType = "mysql"
			assert.Error(t, structValidator.Struct(c))
		},
	)
	t.Run(
		"bad translate provider", func(t *testing.T) {
			c := DefaultTestConfig(t)
			c.Translate.Provider = "babelfish"
			assert.Error(t, structValidator.Struct(c))
		},
	)
	t.Run(
		"ssl key without cert", func(t *testing.T) {
			c := DefaultTestConfig(t)
			c.API.SSL.Cert = "/etc/ssl/cert.pem"
			assert.Error(t, structValidator.Struct(c))
		},
	)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3*time.Hour, cfg.Greeting.Cooldown)
	assert.Equal(t, DefaultTranslateProvider, cfg.Translate.Provider)
	assert.True(t, cfg.Discord.RegisterCommands)
	assert.False(t, cfg.API.Enabled)
	assert.False(t, cfg.API.SSL.Enabled())

	// each config gets its own level vars
	other := DefaultConfig()
	other.LogLevel.Set(slog.LevelError)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
}

func TestCORSConfig_GINConfig(t *testing.T) {
	c := DefaultCORSConfig()
	c.AllowOrigins = []string{"https://example.com"}
	gc := c.GINConfig()
	assert.Equal(t, []string{"https://example.com"}, gc.AllowOrigins)
	assert.Equal(t, DefaultCORSAllowMethods, gc.AllowMethods)
	assert.Equal(t, DefaultCORSMaxAge, gc.MaxAge)
	assert.True(t, gc.AllowCredentials)
}

// DefaultTestConfig returns a Config for tests, using a temporary SQLite
// database and quiet loggers
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()
	ids := newCommandData(t)

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", filepath.Base(t.Name())))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second

	cfg.Discord.Token = ids.DiscordToken
	cfg.Discord.ApplicationID = ids.ApplicationID
	cfg.Discord.RegisterCommands = false
	cfg.Translate.RequestsPerSecond = 0

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.Translate.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}
