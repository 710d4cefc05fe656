package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/ghrelay/internal/rotator"
	"github.com/MrSnakeDoc/ghrelay/internal/utils"
)

const (
	EnvPrefix = "GHRELAY"
	FileName  = "ghrelay"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream" yaml:"upstream"`
	RepoList  RepoListConfig  `mapstructure:"repo_list" yaml:"repo_list"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Download  DownloadConfig  `mapstructure:"download" yaml:"download"`
	Batch     BatchConfig     `mapstructure:"batch" yaml:"batch"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Rotation  RotationConfig  `mapstructure:"rotation" yaml:"rotation"`
}

type ServerConfig struct {
	Host          string        `mapstructure:"host" yaml:"host"`
	Port          int           `mapstructure:"port" yaml:"port"`
	ProxyBaseURL  string        `mapstructure:"proxy_base_url" yaml:"proxy_base_url"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

type UpstreamConfig struct {
	APIBase   string        `mapstructure:"api_base" yaml:"api_base"`
	WebBase   string        `mapstructure:"web_base" yaml:"web_base"`
	Tokens    []string      `mapstructure:"tokens" yaml:"tokens"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
}

type RepoListConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
}

type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type DownloadConfig struct {
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	SmallFileThreshold int64         `mapstructure:"small_file_threshold" yaml:"small_file_threshold"`
	SideCacheTTL       time.Duration `mapstructure:"side_cache_ttl" yaml:"side_cache_ttl"`
}

type BatchConfig struct {
	MaxRepos    int `mapstructure:"max_repos" yaml:"max_repos"`
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	PageLimit   int `mapstructure:"page_limit" yaml:"page_limit"`
}

type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type RotationConfig struct {
	UnhealthyThreshold int           `mapstructure:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	MaxAttempts        int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffCeiling     time.Duration `mapstructure:"backoff_ceiling" yaml:"backoff_ceiling"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          3000,
			ShutdownGrace: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			APIBase:   "https://api.github.com",
			WebBase:   "https://github.com",
			Timeout:   30 * time.Second,
			UserAgent: "ghrelay/1.0",
		},
		RepoList: RepoListConfig{
			RefreshInterval: 5 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:           time.Hour,
			SweepInterval: time.Minute,
		},
		Download: DownloadConfig{
			RequestTimeout:     30 * time.Second,
			SmallFileThreshold: 10 << 20,
			SideCacheTTL:       5 * time.Minute,
		},
		Batch: BatchConfig{
			MaxRepos:    20,
			Concurrency: 5,
			PageLimit:   10,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 100,
			Burst:             100,
			IdleTimeout:       10 * time.Minute,
		},
		Rotation: RotationConfig{
			UnhealthyThreshold: 5,
			MaxAttempts:        10,
			BackoffCeiling:     time.Minute,
		},
	}
}

// legacyEnv maps the environment names used by earlier deployments to keys.
// Values flagged as millis are plain millisecond counts.
var legacyEnv = []struct {
	name   string
	key    string
	millis bool
}{
	{"PORT", "server.port", false},
	{"HOST", "server.host", false},
	{"PROXY_BASE_URL", "server.proxy_base_url", false},
	{"REPO_LIST_URL", "repo_list.url", false},
	{"REFRESH_INTERVAL", "repo_list.refresh_interval", true},
	{"CACHE_DURATION", "cache.ttl", true},
	{"RATE_LIMIT", "rate_limit.requests_per_minute", false},
}

// Load reads configuration from defaults, an optional YAML file, the
// legacy environment names and GHRELAY_* variables, in increasing order of
// precedence. With an empty path the working directory and
// $XDG_CONFIG_HOME/ghrelay are searched; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, FileName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := applyLegacyEnv(v); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Upstream.Tokens = rotator.ParseTokens(strings.Join(cfg.Upstream.Tokens, ","))

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.proxy_base_url", d.Server.ProxyBaseURL)
	v.SetDefault("server.shutdown_grace", d.Server.ShutdownGrace)

	v.SetDefault("upstream.api_base", d.Upstream.APIBase)
	v.SetDefault("upstream.web_base", d.Upstream.WebBase)
	v.SetDefault("upstream.tokens", d.Upstream.Tokens)
	v.SetDefault("upstream.timeout", d.Upstream.Timeout)
	v.SetDefault("upstream.user_agent", d.Upstream.UserAgent)

	v.SetDefault("repo_list.url", d.RepoList.URL)
	v.SetDefault("repo_list.refresh_interval", d.RepoList.RefreshInterval)

	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.sweep_interval", d.Cache.SweepInterval)

	v.SetDefault("download.request_timeout", d.Download.RequestTimeout)
	v.SetDefault("download.small_file_threshold", d.Download.SmallFileThreshold)
	v.SetDefault("download.side_cache_ttl", d.Download.SideCacheTTL)

	v.SetDefault("batch.max_repos", d.Batch.MaxRepos)
	v.SetDefault("batch.concurrency", d.Batch.Concurrency)
	v.SetDefault("batch.page_limit", d.Batch.PageLimit)

	v.SetDefault("rate_limit.requests_per_minute", d.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.idle_timeout", d.RateLimit.IdleTimeout)

	v.SetDefault("rotation.unhealthy_threshold", d.Rotation.UnhealthyThreshold)
	v.SetDefault("rotation.max_attempts", d.Rotation.MaxAttempts)
	v.SetDefault("rotation.backoff_ceiling", d.Rotation.BackoffCeiling)
}

// applyLegacyEnv copies legacy variables into v unless the matching
// GHRELAY_* variable is set.
func applyLegacyEnv(v *viper.Viper) error {
	for _, l := range legacyEnv {
		val := strings.TrimSpace(os.Getenv(l.name))
		if val == "" || prefixedSet(l.key) {
			continue
		}
		if !l.millis {
			v.Set(l.key, val)
			continue
		}
		ms, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: want milliseconds", l.name, val)
		}
		v.Set(l.key, time.Duration(ms)*time.Millisecond)
	}

	if !prefixedSet("upstream.tokens") {
		tokens := rotator.ParseTokens(os.Getenv("GITHUB_TOKENS") + "," + os.Getenv("GITHUB_TOKEN"))
		if len(tokens) > 0 {
			v.Set("upstream.tokens", tokens)
		}
	}
	return nil
}

func prefixedSet(key string) bool {
	_, ok := os.LookupEnv(EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	return ok
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errList []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errList = append(errList, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := utils.ParseHTTPURL(c.Upstream.APIBase); err != nil {
		errList = append(errList, fmt.Errorf("upstream.api_base: %w", err))
	}
	if c.Server.ProxyBaseURL != "" {
		if _, err := utils.ParseHTTPURL(c.Server.ProxyBaseURL); err != nil {
			errList = append(errList, fmt.Errorf("server.proxy_base_url: %w", err))
		}
	}

	positive := map[string]time.Duration{
		"upstream.timeout":           c.Upstream.Timeout,
		"repo_list.refresh_interval": c.RepoList.RefreshInterval,
		"cache.ttl":                  c.Cache.TTL,
		"cache.sweep_interval":       c.Cache.SweepInterval,
		"download.request_timeout":   c.Download.RequestTimeout,
		"download.side_cache_ttl":    c.Download.SideCacheTTL,
		"rotation.backoff_ceiling":   c.Rotation.BackoffCeiling,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errList = append(errList, fmt.Errorf("%s must be positive, got %s", key, positive[key]))
		}
	}

	if c.Batch.MaxRepos <= 0 || c.Batch.Concurrency <= 0 || c.Batch.PageLimit <= 0 {
		errList = append(errList, errors.New("batch limits must be positive"))
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		errList = append(errList, errors.New("rate_limit.requests_per_minute must not be negative"))
	}
	return errors.Join(errList...)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	cp := *c
	cp.Upstream.Tokens = utils.Map(c.Upstream.Tokens, rotator.Redact)
	return cp
}

// YAML renders the redacted configuration.
func (c *Config) YAML() ([]byte, error) {
	r := c.Redacted()
	out, err := yaml.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ProxyBaseURL is the public base used in asset proxy links. Without an
// explicit value it is derived from the listen address.
func (c *Config) ProxyBaseURL() string {
	if c.Server.ProxyBaseURL != "" {
		return strings.TrimRight(c.Server.ProxyBaseURL, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
