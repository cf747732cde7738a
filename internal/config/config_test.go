package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestParseServer_Defaults(t *testing.T) {
	o, err := ParseServer([]string{"-d", "postgres://localhost/chat", "-env-file", "", "-config", ""})
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", o.Addr)
	assert.Equal(t, 30*24*time.Hour, o.Retention.Std())
	assert.Equal(t, time.Hour, o.CleanupInterval.Std())
	assert.Zero(t, o.KeyTTL.Std())
	assert.True(t, o.Metrics)
	assert.Equal(t, "certs/ca.crt", o.CACert)
}

func TestParseServer_Precedence(t *testing.T) {
	cfg := writeFile(t, "config.json", `{"address":"0.0.0.0:9000","database_dsn":"from-file","retention":"48h","key_ttl":"720h","metrics":false}`)
	t.Setenv("SERVER_ADDRESS", "127.0.0.1:7000")
	t.Setenv("RETENTION", "72h")

	o, err := ParseServer([]string{"-a", "flag:1", "-config", cfg, "-env-file", ""})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", o.Addr)
	assert.Equal(t, "from-file", o.DatabaseDSN)
	assert.Equal(t, 72*time.Hour, o.Retention.Std())
	assert.Equal(t, 720*time.Hour, o.KeyTTL.Std())
	assert.False(t, o.Metrics)
}

func TestParseServer_DotEnv(t *testing.T) {
	env := writeFile(t, ".env", "DATABASE_DSN=from-dotenv\nLOG_LEVEL=debug\n")
	t.Setenv("LOG_LEVEL", "error")
	t.Cleanup(func() { os.Unsetenv("DATABASE_DSN") })

	o, err := ParseServer([]string{"-env-file", env, "-config", ""})
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", o.DatabaseDSN)
	assert.Equal(t, "error", o.LogLevel, "variables already set are not overridden")
}

func TestParseServer_Errors(t *testing.T) {
	_, err := ParseServer([]string{"-env-file", "", "-config", ""})
	assert.ErrorContains(t, err, "database DSN is required")

	bad := writeFile(t, "config.json", `{"retention": true}`)
	_, err = ParseServer([]string{"-d", "x", "-config", bad, "-env-file", ""})
	assert.ErrorContains(t, err, "error while parsing config file")

	t.Setenv("KEY_TTL", "forever")
	_, err = ParseServer([]string{"-d", "x", "-config", "", "-env-file", ""})
	assert.ErrorContains(t, err, "KEY_TTL")

	_, err = ParseServer([]string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestParseClient(t *testing.T) {
	o, err := ParseClient([]string{"-env-file", ""})
	require.NoError(t, err)
	assert.Equal(t, "shell", o.Command)
	assert.Equal(t, 30*time.Minute, o.IdleTimeout.Std())
	assert.Equal(t, 500*time.Millisecond, o.SendTimeout.Std())

	cfg := writeFile(t, "client.json", `{"url":"https://relay:8443","idle_timeout":"5m","data_dir":""}`)
	t.Setenv("HAMMERCHAT_SEND_TIMEOUT", "2s")
	o, err = ParseClient([]string{"-config", cfg, "-env-file", "", "-idle-timeout", "1m"})
	require.NoError(t, err)
	assert.Equal(t, "https://relay:8443", o.BaseURL)
	assert.Equal(t, 5*time.Minute, o.IdleTimeout.Std())
	assert.Equal(t, 2*time.Second, o.SendTimeout.Std())
	assert.Empty(t, o.DataDir)
}

func TestParseClient_Register(t *testing.T) {
	_, err := ParseClient([]string{"-cmd", "register", "-env-file", ""})
	assert.ErrorContains(t, err, "-login")

	o, err := ParseClient([]string{"-cmd", "register", "-login", "alice", "-env-file", ""})
	require.NoError(t, err)
	assert.Equal(t, "alice", o.Login)

	_, err = ParseClient([]string{"-cmd", "dance", "-env-file", ""})
	assert.ErrorContains(t, err, "unknown command")
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Std())
	require.NoError(t, d.UnmarshalJSON([]byte(`1000`)))
	assert.Equal(t, time.Microsecond, d.Std())
	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
}
