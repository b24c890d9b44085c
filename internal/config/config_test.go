package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the working and config directories at empty temp dirs and
// requires a password so the defaults validate.
func isolate(t *testing.T) string {
	t.Helper()
	t.Chdir(t.TempDir())
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv("RCONTAB_PASSWORD", "hunter2")
	return xdg
}

// unsetForTest removes key for the rest of the test and restores it after.
func unsetForTest(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestDefaults(t *testing.T) {
	xdg := isolate(t)

	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Console.Host)
	assert.Equal(t, 25575, cfg.Console.Port)
	assert.Equal(t, 100*time.Second, cfg.Console.IdleTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, filepath.Join(xdg, "rcontab"), cfg.StateDir)
	assert.Equal(t, filepath.Join(xdg, "rcontab", "jobs.yaml"), cfg.Scheduler.JobsFile)
	assert.Equal(t, ModeHTTP, cfg.Mode)
	assert.Equal(t, 20, cfg.Log.Retention)
	assert.True(t, cfg.ServesHTTP())
	assert.False(t, cfg.ServesMCP())
	assert.Equal(t, time.Local, cfg.Location())
}

func TestPrecedence(t *testing.T) {
	isolate(t)
	t.Setenv("RCONTAB_HOST", "mc.internal")
	t.Setenv("RCONTAB_PORT", "25580")
	t.Setenv("RCONTAB_USE_UTC", "yes")
	t.Setenv("RCONTAB_MODE", "both")

	cfg, err := Parse([]string{"--port", "25590", "--idle-timeout", "30s", "--state-dir", t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, "mc.internal", cfg.Console.Host)
	assert.Equal(t, 25590, cfg.Console.Port)
	assert.Equal(t, 30*time.Second, cfg.Console.IdleTimeout)
	assert.True(t, cfg.Scheduler.UseUTC)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.True(t, cfg.ServesHTTP())
	assert.True(t, cfg.ServesMCP())
}

func TestExplicitFalseFlagOverridesEnv(t *testing.T) {
	isolate(t)
	t.Setenv("RCONTAB_USE_TLS", "true")

	cfg, err := Parse([]string{"--tls=false"})
	require.NoError(t, err)
	assert.False(t, cfg.Console.UseTLS)
}

func TestDotEnvFile(t *testing.T) {
	isolate(t)
	unsetForTest(t, "RCONTAB_PORT")
	unsetForTest(t, "RCONTAB_HOST")
	t.Setenv("RCONTAB_LOG_LEVEL", "warn")
	require.NoError(t, os.WriteFile(".env", []byte("RCONTAB_PORT=27015\nRCONTAB_HOST=dotenv.host\nRCONTAB_LOG_LEVEL=debug\n"), 0o600))

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 27015, cfg.Console.Port)
	assert.Equal(t, "dotenv.host", cfg.Console.Host)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestUserConfigDotEnv(t *testing.T) {
	xdg := isolate(t)
	unsetForTest(t, "RCONTAB_MODE")
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "rcontab"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(xdg, "rcontab", ".env"), []byte("RCONTAB_MODE=mcp\n"), 0o600))

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, ModeMCP, cfg.Mode)
}

func TestInvalidEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("RCONTAB_PORT", "lots")
	t.Setenv("RCONTAB_IDLE_TIMEOUT", "soon")

	_, err := Parse(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RCONTAB_PORT")
	assert.Contains(t, err.Error(), "RCONTAB_IDLE_TIMEOUT")
}

func TestValidation(t *testing.T) {
	isolate(t)

	cases := map[string][]string{
		"bad mode":      {"--mode", "grpc"},
		"bad port":      {"--port", "70000"},
		"zero idle":     {"--idle-timeout", "0s"},
		"bad format":    {"--log-format", "xml"},
		"unknown flag":  {"--frobnicate"},
		"empty host":    {"--host", " "},
		"zero interval": {"--poll-interval", "0s"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(args)
			assert.Error(t, err)
		})
	}
}

func TestPasswordRequired(t *testing.T) {
	isolate(t)
	unsetForTest(t, "RCONTAB_PASSWORD")

	_, err := Parse(nil)
	assert.ErrorContains(t, err, "password")
}

func TestBarkURLFlagEnablesNotifications(t *testing.T) {
	isolate(t)

	cfg, err := Parse([]string{"--bark-url", "https://api.day.app/key"})
	require.NoError(t, err)
	assert.True(t, cfg.Notification.Bark.Enabled)
	assert.Equal(t, 0.2, cfg.Notification.Bark.RatePerSec)

	t.Setenv("RCONTAB_BARK_ENABLED", "true")
	_, err = Parse(nil)
	assert.ErrorContains(t, err, "bark")
}
