// ABOUTME: Tests for the mcp-hub CLI commands and logger setup
// ABOUTME: Runs commands through cobra against temp config files and an in-process hub

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XmasRock/multi-agent-conversational-system/internal/auth"
	"github.com/XmasRock/multi-agent-conversational-system/internal/config"
	"github.com/XmasRock/multi-agent-conversational-system/internal/gateway"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestURLForAddr(t *testing.T) {
	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{"0.0.0.0:8080", "http://127.0.0.1:8080", false},
		{":9000", "http://127.0.0.1:9000", false},
		{"[::]:8080", "http://127.0.0.1:8080", false},
		{"hub.local:8080", "http://hub.local:8080", false},
		{"8080", "", true},
	}
	for _, tt := range tests {
		got, err := urlForAddr(tt.addr)
		if tt.wantErr {
			assert.Error(t, err, tt.addr)
			continue
		}
		require.NoError(t, err, tt.addr)
		assert.Equal(t, tt.want, got)
	}
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "hub.yaml")
	var out bytes.Buffer

	// Empty input accepts every default
	require.NoError(t, runInit(strings.NewReader(""), &out, path, false))
	assert.Contains(t, out.String(), "Config written to "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
	assert.GreaterOrEqual(t, len(cfg.Auth.SharedSecret), auth.MinSecretLength)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestInitAnswers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	answers := strings.Join([]string{
		"127.0.0.1:9090", // http addr
		"postgres",       // driver
		"postgres://u:p@db:5432/hub",
		"no",    // tailscale
		"no",    // auth
		"debug", // level
		"json",  // format
	}, "\n") + "\n"

	require.NoError(t, runInit(strings.NewReader(answers), &bytes.Buffer{}, path, false))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, config.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://u:p@db:5432/hub", cfg.Database.DSN)
	assert.Empty(t, cfg.Auth.SharedSecret)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestInitKeepsExistingFile(t *testing.T) {
	path := writeConfig(t, "server:\n  http_addr: \"1.2.3.4:1\"\n")
	var out bytes.Buffer

	require.NoError(t, runInit(strings.NewReader("n\n"), &out, path, false))
	assert.Contains(t, out.String(), "Aborted.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "1.2.3.4:1")
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "auth:\n  shared_secret: \""+testSecret+"\"\n")

	out, err := execute(t, "--config", path, "token", "cam-1", "--expires", "1h")
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	caller, err := verifier.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "cam-1", caller)
}

func TestTokenCommandWithoutSecret(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")

	_, err := execute(t, "--config", path, "token", "cam-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared_secret")

	_, err = execute(t, "--config", path, "token")
	assert.Error(t, err, "caller argument is required")
}

func TestRemoteCommands(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.SharedSecret = testSecret
	gw, err := gateway.NewWithStore(cfg, store.NewMockStore(), nil)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	ctx := context.Background()
	_, err = gw.Service().RegisterAgent(ctx, store.Agent{AgentID: "cam-1", AgentType: "camera"})
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("operator", time.Hour)
	require.NoError(t, err)

	out, err := execute(t, "--url", srv.URL, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "status: ok")
	assert.Contains(t, out, "store: ok")

	out, err = execute(t, "--url", srv.URL, "--token", token, "agents")
	require.NoError(t, err)
	assert.Contains(t, out, "cam-1")
	assert.Contains(t, out, "camera")

	out, err = execute(t, "--url", srv.URL, "--token", token, "agents", "--type", "robot")
	require.NoError(t, err)
	assert.Contains(t, out, "no agents registered")

	out, err = execute(t, "--url", srv.URL, "--token", token, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "agents:      1 (1 active)")

	_, err = execute(t, "--url", srv.URL, "--token", "", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestColorLoggerFollowsLevelVar(t *testing.T) {
	var buf bytes.Buffer
	logger, level := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "hub").Info("visible", "agent_id", "cam-1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "component=")
	assert.Contains(t, buf.String(), "cam-1")

	applyLogLevel(logger, level, "debug")
	assert.Equal(t, "DEBUG", level.Level().String())
	logger.Debug("now shown")
	assert.Contains(t, buf.String(), "now shown")

	applyLogLevel(logger, level, "bogus")
	assert.Equal(t, "DEBUG", level.Level().String(), "invalid levels are ignored")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "agent_id", "cam-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "cam-1", rec["agent_id"])
}
