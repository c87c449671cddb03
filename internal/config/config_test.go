package config

import (
	"bytes"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":9080", cfg.Addr)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 5*time.Minute, cfg.SignatureWindow)
	assert.Equal(t, 10*time.Minute, cfg.SecretTTL)
	assert.Equal(t, 1000, cfg.ReplaySweepEvery)
	assert.Equal(t, 10, cfg.ClaimAttempts)
	assert.Equal(t, "gameon.map.sites", cfg.EventChannel)
}

func TestLoadServerFromEnv(t *testing.T) {
	t.Setenv("MAP_STORE_DRIVER", "postgres")
	t.Setenv("MAP_POSTGRES_URL", "postgres://map@localhost/map")
	t.Setenv("MAP_SIGNATURE_WINDOW", "90s")
	t.Setenv("MAP_CLAIM_ATTEMPTS", "3")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 90*time.Second, cfg.SignatureWindow)
	assert.Equal(t, 3, cfg.ClaimAttempts)
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("MAP_CLAIM_ATTEMPTS", "lots")
	_, err := LoadServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	base, err := LoadServer()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Server)
		want   string
	}{
		{"postgres without url", func(c *Server) { c.StoreDriver = DriverPostgres }, "MAP_POSTGRES_URL"},
		{"unknown driver", func(c *Server) { c.StoreDriver = "mongo" }, "MAP_STORE_DRIVER"},
		{"sweep is system", func(c *Server) { c.SweepID = c.SystemID }, "MAP_SWEEP_ID"},
		{"player without key", func(c *Server) { c.PlayerURL = "http://player:9080" }, "MAP_PLAYER_JWT_KEY"},
		{"zero window", func(c *Server) { c.SignatureWindow = 0 }, "MAP_SIGNATURE_WINDOW"},
		{"no attempts", func(c *Server) { c.ClaimAttempts = 0 }, "MAP_CLAIM_ATTEMPTS"},
		{"backoff above max", func(c *Server) { c.ClaimBackoff = time.Second }, "MAP_CLAIM_BACKOFF"},
		{"bad level", func(c *Server) { c.LogLevel = "loud" }, "log level"},
		{"bad format", func(c *Server) { c.LogFormat = "xml" }, "MAP_LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	mem := base
	mem.StoreDriver = DriverMemory
	mem.DBPath = ""
	assert.NoError(t, mem.Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "site_id", "abc")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"site_id":"abc"`)

	buf.Reset()
	NewLogger(&buf, "nonsense", "text").Info("fallback")
	assert.Contains(t, buf.String(), "msg=fallback")

	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestClientConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	in := &Client{
		ServerURL:     "http://localhost:9080",
		UserID:        "alice",
		Secret:        "fish",
		SignedHeaders: []string{"Content-Type"},
	}
	require.NoError(t, SaveClient(path, in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, []string{"Content-Type"}, got.SignedHeaders)
	assert.Equal(t, DefaultClientTimeout, got.Timeout())
}

func TestLoadClientRequiresServerURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("user_id: alice\n"), 0600))
	_, err := LoadClient(path)
	assert.ErrorContains(t, err, "server_url")

	require.NoError(t, os.WriteFile(path, []byte("server_url: [\n"), 0600))
	_, err = LoadClient(path)
	assert.ErrorContains(t, err, "parse client config")
}

// Exitf calls os.Exit, so it runs in a subprocess.
func TestExitf(t *testing.T) {
	if os.Getenv("MAP_TEST_EXITF") == "1" {
		Exitf("fatal: %s", "store unreachable")
		return
	}
	cmd := exec.Command(os.Args[0], "-test.run=^TestExitf$")
	cmd.Env = append(os.Environ(), "MAP_TEST_EXITF=1")
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.True(t, strings.Contains(string(out), "fatal: store unreachable"))
}
