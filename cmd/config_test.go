package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/sbrealtime/internal/realtime"
)

// parsed returns a command carrying the given flag sets, parsed from args.
func parsed(t *testing.T, args []string, adders ...func(*cobra.Command)) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	for _, add := range adders {
		add(c)
	}
	require.NoError(t, c.ParseFlags(args))
	return c
}

func TestGenerateKeys(t *testing.T) {
	anon, service, err := generateKeys("test-secret")
	require.NoError(t, err)

	for key, role := range map[string]string{anon: realtime.RoleAnon, service: realtime.RoleService} {
		token, err := jwt.Parse(key, func(*jwt.Token) (any, error) { return []byte("test-secret"), nil })
		require.NoError(t, err)
		claims := token.Claims.(jwt.MapClaims)
		assert.Equal(t, role, claims["role"])
		assert.Equal(t, "sbrealtime", claims["iss"])
	}
}

func TestKeysGenerateCommand(t *testing.T) {
	t.Setenv("SBREALTIME_JWT_SECRET", "test-secret")
	var out, errOut bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)
	c.SetErr(&errOut)

	require.NoError(t, keysGenerateCmd.RunE(c, nil))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "SBREALTIME_ANON_KEY="))
	assert.True(t, strings.HasPrefix(lines[1], "SBREALTIME_SERVICE_KEY="))
	assert.Empty(t, errOut.String())
}

func TestJWTSecretDefaultWarns(t *testing.T) {
	t.Setenv("SBREALTIME_JWT_SECRET", "")
	var errOut bytes.Buffer
	c := &cobra.Command{}
	c.SetErr(&errOut)

	assert.Equal(t, defaultJWTSecret, jwtSecret(c))
	assert.Contains(t, errOut.String(), "Warning")
}

func TestClientOptionsPriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint: http://file:8080
key: file-key
client_id: file-client
channel_name_prefix: file
`), 0600))
	t.Setenv("SBREALTIME_KEY", "env-key")
	t.Setenv("SBREALTIME_CLIENT_ID", "env-client")

	c := parsed(t, []string{"--config", path, "--client-id", "flag-client", "--timeout", "3s"}, addClientFlags)
	opts, err := clientOptions(c)
	require.NoError(t, err)

	assert.Equal(t, "http://file:8080", opts.Endpoint)
	assert.Equal(t, "env-key", opts.Key)
	assert.Equal(t, "flag-client", opts.ClientID)
	assert.Equal(t, "file", opts.ChannelNamePrefix)
	assert.Equal(t, 3*time.Second, opts.RequestTimeout)
	assert.True(t, opts.AutoConnect)
}

func TestClientOptionsDefaultEndpoint(t *testing.T) {
	c := parsed(t, nil, addClientFlags)
	opts, err := clientOptions(c)
	require.NoError(t, err)
	assert.Equal(t, defaultEndpoint, opts.Endpoint)
}

func TestClientOptionsBadFile(t *testing.T) {
	c := parsed(t, []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, addClientFlags)
	_, err := clientOptions(c)
	assert.Error(t, err)
}

func TestLoggingConfig(t *testing.T) {
	t.Setenv("SBREALTIME_LOG_LEVEL", "debug")
	t.Setenv("SBREALTIME_LOG_FORMAT", "json")

	c := parsed(t, []string{"--log-level", "warn", "--log-mode", "file", "--log-file", "/tmp/x.log"}, addLoggingFlags)
	cfg, err := loggingConfig(c)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "file", cfg.Mode)
	assert.Equal(t, "/tmp/x.log", cfg.FilePath)
}

func TestLoggingConfigFromOptionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0600))

	cfg, err := loggingConfig(parsed(t, []string{"--config", path}, addLoggingFlags, addClientFlags))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Level)

	t.Setenv("SBREALTIME_LOG_LEVEL", "error")
	cfg, err = loggingConfig(parsed(t, []string{"--config", path}, addLoggingFlags, addClientFlags))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Level, "env beats the options file")

	cfg, err = loggingConfig(parsed(t, []string{"--config", path, "--log-level", "warn"}, addLoggingFlags, addClientFlags))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Level)

	_, err = loggingConfig(parsed(t, []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, addLoggingFlags, addClientFlags))
	assert.Error(t, err)
}

func TestBuildServerConfig(t *testing.T) {
	t.Setenv("SBREALTIME_JWT_SECRET", "s")
	t.Setenv("SBREALTIME_ANON_KEY", "anon")
	t.Setenv("SBREALTIME_DB", "env.db")
	t.Setenv("SBREALTIME_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := buildServerConfig(parsed(t, nil, addServeFlags))
	require.NoError(t, err)
	assert.Equal(t, "s", cfg.JWTSecret)
	assert.Equal(t, "anon", cfg.AnonKey)
	assert.Equal(t, "env.db", cfg.DBPath)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)

	cfg, err = buildServerConfig(parsed(t, []string{"--db", "flag.db"}, addServeFlags))
	require.NoError(t, err)
	assert.Equal(t, "flag.db", cfg.DBPath)

	cfg, err = buildServerConfig(parsed(t, []string{"--no-push"}, addServeFlags))
	require.NoError(t, err)
	assert.Empty(t, cfg.DBPath)

	_, err = buildServerConfig(parsed(t, []string{"--https", "localhost"}, addServeFlags))
	assert.Error(t, err)
}

func TestBuildTelemetryConfig(t *testing.T) {
	cfg := buildTelemetryConfig(parsed(t, nil, addServeFlags))
	assert.False(t, cfg.ShouldEnable())
	assert.False(t, cfg.MetricsEnabled)

	cfg = buildTelemetryConfig(parsed(t, []string{"--otel-exporter", "stdout"}, addServeFlags))
	assert.True(t, cfg.MetricsEnabled)
	assert.True(t, cfg.TracesEnabled)

	t.Setenv("SBREALTIME_OTEL_EXPORTER", "otlp")
	cfg = buildTelemetryConfig(parsed(t, []string{"--otel-traces", "--otel-sample-rate", "0.5"}, addServeFlags))
	assert.Equal(t, "otlp", cfg.Exporter)
	assert.True(t, cfg.TracesEnabled)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, 0.5, cfg.SampleRate)
}

func TestParseData(t *testing.T) {
	assert.Equal(t, map[string]any{"a": float64(1)}, parseData(`{"a":1}`))
	assert.Equal(t, float64(42), parseData("42"))
	assert.Equal(t, "hello world", parseData("hello world"))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}
