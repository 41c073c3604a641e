package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rateswap/core/types"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for ratekeeperd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	TLS           TLSConfig       `yaml:"tls"`
	DatabasePath  string          `yaml:"database"`
	DataDir       string          `yaml:"data_dir"`
	RiskPath      string          `yaml:"risk"`
	Custody       string          `yaml:"custody"`
	FeePool       string          `yaml:"fee_pool"`
	Keeper        KeeperConfig    `yaml:"keeper"`
	Sources       []Source        `yaml:"sources"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Log           LogConfig       `yaml:"log"`
	Genesis       []Balance       `yaml:"genesis"`
}

// KeeperConfig drives the background settlement loop.
type KeeperConfig struct {
	Address  string   `yaml:"address"`
	Interval Duration `yaml:"interval"`
	Disabled bool     `yaml:"disabled"`
	// RestoreCommits is the number of persisted oracle commits replayed into
	// the oracle history on startup.
	RestoreCommits int `yaml:"restore_commits"`
}

// Source describes an upstream floating rate feed.
type Source struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Endpoint string   `yaml:"endpoint"`
	Field    string   `yaml:"field"`
	Scale    string   `yaml:"scale"`
	Rate     string   `yaml:"rate"`
	Timeout  Duration `yaml:"timeout"`
}

// AuthConfig configures JWT verification for the HTTP API.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// TLSConfig enables HTTPS when both paths are set.
type TLSConfig struct {
	CertPath string `yaml:"cert"`
	KeyPath  string `yaml:"key"`
}

// LogConfig selects the log level and optional rotating file.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Balance mints collateral at startup. Intended for development networks.
type Balance struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/ratekeeperd.sqlite"
	}
	if cfg.Keeper.Interval.Duration == 0 {
		cfg.Keeper.Interval.Duration = time.Minute
	}
	if cfg.Keeper.RestoreCommits == 0 {
		cfg.Keeper.RestoreCommits = 128
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Timeout.Duration == 0 {
			cfg.Sources[i].Timeout.Duration = 10 * time.Second
		}
	}
}

func validate(cfg Config) error {
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one rate source must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for i, src := range cfg.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return fmt.Errorf("sources[%d].name must be set", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
	}
	if _, err := ParseAddress("custody", cfg.Custody); err != nil {
		return err
	}
	if _, err := ParseAddress("fee_pool", cfg.FeePool); err != nil {
		return err
	}
	if !cfg.Keeper.Disabled {
		if _, err := ParseAddress("keeper.address", cfg.Keeper.Address); err != nil {
			return err
		}
		if cfg.Keeper.Interval.Duration < 0 {
			return fmt.Errorf("keeper.interval must be positive")
		}
	}
	if (strings.TrimSpace(cfg.TLS.CertPath) == "") != (strings.TrimSpace(cfg.TLS.KeyPath) == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	for i, bal := range cfg.Genesis {
		if _, err := ParseAddress(fmt.Sprintf("genesis[%d].address", i), bal.Address); err != nil {
			return err
		}
		if strings.TrimSpace(bal.Amount) == "" {
			return fmt.Errorf("genesis[%d].amount must be set", i)
		}
	}
	return nil
}

// ParseAddress parses a configured hex address, naming the key on failure.
func ParseAddress(key, raw string) (types.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return types.Address{}, fmt.Errorf("%s must be configured", key)
	}
	addr, err := types.ParseAddress(raw)
	if err != nil {
		return types.Address{}, fmt.Errorf("%s: %w", key, err)
	}
	return addr, nil
}
