package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate moves into an empty directory so no stray ghrelay.yaml is found
// and clears every variable Load reads.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	for _, l := range legacyEnv {
		t.Setenv(l.name, "")
	}
	t.Setenv("GITHUB_TOKENS", "")
	t.Setenv("GITHUB_TOKEN", "")
	for _, kv := range os.Environ() {
		if name, _, _ := strings.Cut(kv, "="); strings.HasPrefix(name, EnvPrefix+"_") {
			t.Setenv(name, "")
			require.NoError(t, os.Unsetenv(name))
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default().Server, cfg.Server)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 5*time.Minute, cfg.RepoList.RefreshInterval)
	assert.Empty(t, cfg.Upstream.Tokens)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8080
upstream:
  tokens: ["tok-one", "tok-two"]
repo_list:
  url: https://example.com/repos.txt
cache:
  ttl: 15m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"tok-one", "tok-two"}, cfg.Upstream.Tokens)
	assert.Equal(t, "https://example.com/repos.txt", cfg.RepoList.URL)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 20, cfg.Batch.MaxRepos, "unset keys keep defaults")
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_LegacyEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "4000")
	t.Setenv("CACHE_DURATION", "60000")
	t.Setenv("REFRESH_INTERVAL", "120000")
	t.Setenv("GITHUB_TOKENS", "tok-a, tok-b\ntok-c")
	t.Setenv("GITHUB_TOKEN", "tok-d")
	t.Setenv("RATE_LIMIT", "30")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 2*time.Minute, cfg.RepoList.RefreshInterval)
	assert.Equal(t, []string{"tok-a", "tok-b", "tok-c", "tok-d"}, cfg.Upstream.Tokens)
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
}

func TestLoad_PrefixedEnvironmentWins(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "4000")
	t.Setenv("GHRELAY_SERVER_PORT", "5000")
	t.Setenv("GHRELAY_CACHE_TTL", "2h")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 2*time.Hour, cfg.Cache.TTL)
}

func TestLoad_BadLegacyDuration(t *testing.T) {
	isolate(t)
	t.Setenv("CACHE_DURATION", "1h")

	_, err := Load("")
	assert.ErrorContains(t, err, "CACHE_DURATION")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Cache.TTL = 0
	cfg.Upstream.APIBase = "ftp://example.com"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "cache.ttl")
	assert.Contains(t, err.Error(), "upstream.api_base")
}

func TestRedacted_DoesNotTouchOriginal(t *testing.T) {
	cfg := Default()
	cfg.Upstream.Tokens = []string{"ghp_0123456789abcdef"}

	r := cfg.Redacted()
	assert.Equal(t, []string{"ghp_0123..."}, r.Upstream.Tokens)
	assert.Equal(t, "ghp_0123456789abcdef", cfg.Upstream.Tokens[0])

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "ghp_0123456789abcdef")
	assert.Contains(t, string(out), "ttl: 1h0m0s")
}

func TestProxyBaseURL(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "http://localhost:3000", cfg.ProxyBaseURL())

	cfg.Server.Host = "10.0.0.5"
	assert.Equal(t, "http://10.0.0.5:3000", cfg.ProxyBaseURL())

	cfg.Server.ProxyBaseURL = "https://dl.example.com/"
	assert.Equal(t, "https://dl.example.com", cfg.ProxyBaseURL())
}
