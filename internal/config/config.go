// Package config loads gateway configuration from a YAML file with
// environment overrides. Every knob has a default so the gateway boots with
// no file at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen          = "127.0.0.1:8098"
	defaultDatabase        = "gateway.db"
	defaultDefaultProvider = "kiro"
	defaultFlowTTL         = 10 * time.Minute
	maxFlowTTL             = time.Hour
	defaultRecoveryEvery   = 5 * time.Minute
	defaultFreeRate        = 0.25
	defaultPaidRate        = 1.0
	defaultRefreshEvery    = 15 * time.Minute
	defaultSearchTopN      = 5
)

// Config is the loaded gateway configuration.
type Config struct {
	Listen          string `yaml:"listen"`
	Database        string `yaml:"database"`
	DefaultProvider string `yaml:"default_provider"`

	// EncryptionKey seals refresh/access tokens at rest. 64 hex chars
	// (32 bytes). Empty disables sealing (tokens stored plain).
	EncryptionKey string `yaml:"encryption_key"`

	FlowState FlowStateConfig `yaml:"flow_state"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Search    SearchConfig    `yaml:"search"`

	Kiro        KiroConfig        `yaml:"kiro"`
	Antigravity AntigravityConfig `yaml:"antigravity"`
	Qwen        QwenConfig        `yaml:"qwen"`
}

// FlowStateConfig selects the OAuth flow-state store.
type FlowStateConfig struct {
	Backend       string        `yaml:"backend"` // memory | redis
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTLRaw        string        `yaml:"ttl"`
	TTL           time.Duration `yaml:"-"`
}

// RecoveryConfig tunes the shared-pool recovery loop.
type RecoveryConfig struct {
	IntervalRaw string        `yaml:"interval"`
	Interval    time.Duration `yaml:"-"`
	FreeRate    float64       `yaml:"free_rate"`
	PaidRate    float64       `yaml:"paid_rate"`
}

// RefreshConfig tunes the proactive token refresh sweep.
type RefreshConfig struct {
	IntervalRaw string        `yaml:"interval"`
	Interval    time.Duration `yaml:"-"`
}

// SearchConfig tunes the web-search bridge.
type SearchConfig struct {
	TopN int `yaml:"top_n"`
}

// KiroConfig carries kiro provider settings.
type KiroConfig struct {
	Region string `yaml:"region"`
	// AuthBaseURL overrides the regional auth host. Tests point this at a
	// fake server.
	AuthBaseURL string `yaml:"auth_base_url"`
	// APIBaseURLs overrides the ordered upstream fallback list.
	APIBaseURLs []string `yaml:"api_base_urls"`
}

// AntigravityConfig carries antigravity provider settings. The OAuth URLs
// default to Google's and exist for proxied deployments.
type AntigravityConfig struct {
	OAuthClientID     string   `yaml:"oauth_client_id"`
	OAuthClientSecret string   `yaml:"oauth_client_secret"`
	OAuthAuthURL      string   `yaml:"oauth_auth_url"`
	OAuthTokenURL     string   `yaml:"oauth_token_url"`
	OAuthUserinfoURL  string   `yaml:"oauth_userinfo_url"`
	RedirectURL       string   `yaml:"redirect_url"`
	EndpointURLs      []string `yaml:"endpoint_urls"`
}

// QwenConfig carries qwen provider settings.
type QwenConfig struct {
	BaseURL      string `yaml:"base_url"`
	OAuthBaseURL string `yaml:"oauth_base_url"`
	ClientID     string `yaml:"client_id"`
}

// Load reads the config file (explicit path, or the first candidate found),
// applies environment overrides, and fills defaults. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", resolved, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	if fromEnv := strings.TrimSpace(os.Getenv("GATEWAY_CONFIG")); fromEnv != "" {
		if _, err := os.Stat(fromEnv); err != nil {
			return "", err
		}
		return fromEnv, nil
	}

	candidates := []string{
		"config/gateway.yaml",
		"./gateway.yaml",
		"/etc/gateway/gateway.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "gateway", "gateway.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&c.Listen, "GATEWAY_LISTEN")
	setString(&c.Database, "GATEWAY_DATABASE")
	setString(&c.DefaultProvider, "GATEWAY_DEFAULT_PROVIDER")
	setString(&c.EncryptionKey, "GATEWAY_ENCRYPTION_KEY")
	setString(&c.FlowState.Backend, "GATEWAY_FLOW_BACKEND")
	setString(&c.FlowState.RedisAddr, "GATEWAY_REDIS_ADDR")
	setString(&c.FlowState.RedisPassword, "GATEWAY_REDIS_PASSWORD")
	setString(&c.Antigravity.OAuthClientID, "GATEWAY_ANTIGRAVITY_CLIENT_ID")
	setString(&c.Antigravity.OAuthClientSecret, "GATEWAY_ANTIGRAVITY_CLIENT_SECRET")
	setString(&c.Antigravity.RedirectURL, "GATEWAY_ANTIGRAVITY_REDIRECT_URL")
	setString(&c.Qwen.BaseURL, "GATEWAY_QWEN_BASE_URL")
	setString(&c.Kiro.Region, "GATEWAY_KIRO_REGION")

	if v := strings.TrimSpace(os.Getenv("GATEWAY_REDIS_DB")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FlowState.RedisDB = n
		}
	}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = defaultListen
	}
	if strings.TrimSpace(c.Database) == "" {
		c.Database = defaultDatabase
	}
	if strings.TrimSpace(c.DefaultProvider) == "" {
		c.DefaultProvider = defaultDefaultProvider
	}
	c.DefaultProvider = strings.ToLower(strings.TrimSpace(c.DefaultProvider))

	if strings.TrimSpace(c.FlowState.Backend) == "" {
		c.FlowState.Backend = "memory"
	}
	c.FlowState.Backend = strings.ToLower(strings.TrimSpace(c.FlowState.Backend))

	if c.Recovery.FreeRate <= 0 {
		c.Recovery.FreeRate = defaultFreeRate
	}
	if c.Recovery.PaidRate <= 0 {
		c.Recovery.PaidRate = defaultPaidRate
	}
	if c.Search.TopN <= 0 {
		c.Search.TopN = defaultSearchTopN
	}

	if strings.TrimSpace(c.Kiro.Region) == "" {
		c.Kiro.Region = "us-east-1"
	}
	if strings.TrimSpace(c.Qwen.BaseURL) == "" {
		c.Qwen.BaseURL = "https://portal.qwen.ai/v1"
	}
	if strings.TrimSpace(c.Qwen.OAuthBaseURL) == "" {
		c.Qwen.OAuthBaseURL = "https://chat.qwen.ai"
	}
	if strings.TrimSpace(c.Qwen.ClientID) == "" {
		c.Qwen.ClientID = "f0304373b74a44d2b584a3fb70ca9e56"
	}
}

func (c *Config) parseDurations() error {
	parse := func(raw string, fallback time.Duration, name string) (time.Duration, error) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return fallback, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("invalid %s duration %q", name, raw)
		}
		return d, nil
	}

	var err error
	if c.FlowState.TTL, err = parse(c.FlowState.TTLRaw, defaultFlowTTL, "flow_state.ttl"); err != nil {
		return err
	}
	if c.FlowState.TTL > maxFlowTTL {
		c.FlowState.TTL = maxFlowTTL
	}
	if c.Recovery.Interval, err = parse(c.Recovery.IntervalRaw, defaultRecoveryEvery, "recovery.interval"); err != nil {
		return err
	}
	if c.Refresh.Interval, err = parse(c.Refresh.IntervalRaw, defaultRefreshEvery, "refresh.interval"); err != nil {
		return err
	}
	return nil
}
