package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sourcefall/sourcefall/internal/catalog"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Tunables  TunablesConfig   `yaml:"tunables"`
	DNS       DNSConfig        `yaml:"dns"`
	ProxyPool ProxyPoolConfig  `yaml:"proxy_pool"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Resources []ResourceConfig `yaml:"resources"`
}

type ServerConfig struct {
	Port         int    `yaml:"port"`
	LoggingLevel string `yaml:"logging_level"`
}

type TunablesConfig struct {
	RateLimitCooldown time.Duration
	FixedCooldown     time.Duration
	FailureThreshold  int
	AttemptTimeout    time.Duration
	MaxRaceWidth      int
}

type DNSConfig struct {
	CacheTTL           time.Duration
	CacheSize          int
	CloudflareEndpoint string
	GoogleEndpoint     string
}

type ProxyPoolConfig struct {
	ListingURL          string
	RefreshInterval     time.Duration
	TargetSize          int
	DeactivateThreshold int
	Seed                []string
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

// ResourceConfig is one catalog entry as declared in YAML. The auth section
// references an environment variable; the secret itself never appears in the
// file.
type ResourceConfig struct {
	ID           string     `yaml:"id"`
	Category     string     `yaml:"category"`
	BaseEndpoint string     `yaml:"base_endpoint"`
	Tier         string     `yaml:"tier"`
	Auth         AuthConfig `yaml:"auth"`
	RateLimit    int        `yaml:"rate_limit"`
	Restricted   bool       `yaml:"restricted"`
}

type AuthConfig struct {
	Mode string `yaml:"mode"`
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
}

// UnmarshalYAML implements custom unmarshaling for TunablesConfig so that
// durations are written as Go duration strings ("60m", "5m", "10s").
func (t *TunablesConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		RateLimitCooldown string `yaml:"rate_limit_cooldown"`
		FixedCooldown     string `yaml:"fixed_cooldown"`
		FailureThreshold  int    `yaml:"failure_threshold"`
		AttemptTimeout    string `yaml:"attempt_timeout"`
		MaxRaceWidth      int    `yaml:"max_race_width"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if t.RateLimitCooldown, err = parseDuration("rate_limit_cooldown", temp.RateLimitCooldown); err != nil {
		return err
	}
	if t.FixedCooldown, err = parseDuration("fixed_cooldown", temp.FixedCooldown); err != nil {
		return err
	}
	if t.AttemptTimeout, err = parseDuration("attempt_timeout", temp.AttemptTimeout); err != nil {
		return err
	}
	t.FailureThreshold = temp.FailureThreshold
	t.MaxRaceWidth = temp.MaxRaceWidth
	return nil
}

// UnmarshalYAML implements custom unmarshaling for DNSConfig.
func (d *DNSConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		CacheTTL           string `yaml:"cache_ttl"`
		CacheSize          int    `yaml:"cache_size"`
		CloudflareEndpoint string `yaml:"cloudflare_endpoint"`
		GoogleEndpoint     string `yaml:"google_endpoint"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if d.CacheTTL, err = parseDuration("cache_ttl", temp.CacheTTL); err != nil {
		return err
	}
	d.CacheSize = temp.CacheSize
	d.CloudflareEndpoint = temp.CloudflareEndpoint
	d.GoogleEndpoint = temp.GoogleEndpoint
	return nil
}

// UnmarshalYAML implements custom unmarshaling for ProxyPoolConfig.
func (p *ProxyPoolConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		ListingURL          string   `yaml:"listing_url"`
		RefreshInterval     string   `yaml:"refresh_interval"`
		TargetSize          int      `yaml:"target_size"`
		DeactivateThreshold int      `yaml:"deactivate_threshold"`
		Seed                []string `yaml:"seed"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if p.RefreshInterval, err = parseDuration("refresh_interval", temp.RefreshInterval); err != nil {
		return err
	}
	p.ListingURL = temp.ListingURL
	p.TargetSize = temp.TargetSize
	p.DeactivateThreshold = temp.DeactivateThreshold
	p.Seed = temp.Seed
	return nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil // zero means "use the built-in default"
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize cleans up configuration values
func (c *Config) Normalize() {
	for i := range c.Resources {
		// Trailing slashes would double up when paths are appended.
		base := c.Resources[i].BaseEndpoint
		for len(base) > 0 && base[len(base)-1] == '/' {
			base = base[:len(base)-1]
		}
		c.Resources[i].BaseEndpoint = base

		if c.Resources[i].Auth.Mode == "" {
			c.Resources[i].Auth.Mode = string(catalog.AuthNone)
		}
	}
	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/health"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.LoggingLevel != "" {
		validLevels := map[string]bool{"info": true, "debug": true, "error": true}
		if !validLevels[c.Server.LoggingLevel] {
			return fmt.Errorf("invalid logging_level: %s (must be info, debug, or error)", c.Server.LoggingLevel)
		}
	} else {
		c.Server.LoggingLevel = "info" // Default to info
	}

	if len(c.Resources) == 0 {
		return fmt.Errorf("no resources configured")
	}

	seen := make(map[string]bool, len(c.Resources))
	for i, res := range c.Resources {
		if res.ID == "" {
			return fmt.Errorf("resource %d: id is required", i)
		}
		if seen[res.ID] {
			return fmt.Errorf("resource %s: duplicate id", res.ID)
		}
		seen[res.ID] = true

		if res.Category == "" {
			return fmt.Errorf("resource %s: category is required", res.ID)
		}
		if res.BaseEndpoint == "" {
			return fmt.Errorf("resource %s: base_endpoint is required", res.ID)
		}
		parsedURL, err := url.Parse(res.BaseEndpoint)
		if err != nil {
			return fmt.Errorf("resource %s: invalid base_endpoint: %w", res.ID, err)
		}
		if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			return fmt.Errorf("resource %s: base_endpoint must use http or https scheme, got: %s", res.ID, parsedURL.Scheme)
		}
		if parsedURL.Host == "" {
			return fmt.Errorf("resource %s: base_endpoint must have a host", res.ID)
		}

		if _, err := catalog.ParseTier(res.Tier); err != nil {
			return fmt.Errorf("resource %s: %w", res.ID, err)
		}

		switch catalog.AuthMode(res.Auth.Mode) {
		case catalog.AuthNone:
		case catalog.AuthHeaderKey, catalog.AuthQueryKey:
			if res.Auth.Name == "" {
				return fmt.Errorf("resource %s: auth name is required for mode %s", res.ID, res.Auth.Mode)
			}
			if res.Auth.Env == "" {
				return fmt.Errorf("resource %s: auth env is required for mode %s", res.ID, res.Auth.Mode)
			}
		case catalog.AuthPathKey:
			if res.Auth.Env == "" {
				return fmt.Errorf("resource %s: auth env is required for mode %s", res.ID, res.Auth.Mode)
			}
		default:
			return fmt.Errorf("resource %s: unknown auth mode: %s", res.ID, res.Auth.Mode)
		}
	}

	return nil
}

// CatalogResources converts the declared resources into catalog entries.
// Call only after Validate.
func (c *Config) CatalogResources() ([]catalog.Resource, error) {
	out := make([]catalog.Resource, 0, len(c.Resources))
	for _, res := range c.Resources {
		tier, err := catalog.ParseTier(res.Tier)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", res.ID, err)
		}
		out = append(out, catalog.Resource{
			ID:           res.ID,
			Category:     res.Category,
			BaseEndpoint: res.BaseEndpoint,
			Tier:         tier,
			Auth: catalog.AuthRef{
				Mode: catalog.AuthMode(res.Auth.Mode),
				Name: res.Auth.Name,
				Env:  res.Auth.Env,
			},
			RateLimit:  res.RateLimit,
			Restricted: res.Restricted,
		})
	}
	return out, nil
}
