// Package config loads service configuration from a YAML file, a .env file
// and environment variables, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mealroute/internal/traffic"
	"mealroute/internal/webhooks"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Auth      AuthConfig      `yaml:"auth"`
	Journey   JourneyConfig   `yaml:"journey"`
	Traffic   TrafficConfig   `yaml:"traffic"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
}

type ServerConfig struct {
	Port      int     `yaml:"port"`
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

// DatabaseConfig: an empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Migrate      bool   `yaml:"migrate"`
}

// RedisConfig: an empty URL keeps event fan-out in process.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// OptimizerConfig points at the Route Optimization Engine. Either APIKey or
// the client-credentials triple authenticates calls.
type OptimizerConfig struct {
	URL             string        `yaml:"url"`
	APIKey          string        `yaml:"api_key"`
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret"`
	TokenURL        string        `yaml:"token_url"`
	Scopes          []string      `yaml:"scopes"`
	PlanTimeout     time.Duration `yaml:"plan_timeout"`
	TrafficTimeout  time.Duration `yaml:"traffic_timeout"`
	TrafficAttempts int           `yaml:"traffic_attempts"`
}

type AuthConfig struct {
	Mode string `yaml:"mode"` // dev, hmac, jwks
	// HMACSecretEnv names the variable holding the HS256 secret; it is read
	// per token, never copied into the config.
	HMACSecretEnv string        `yaml:"hmac_secret_env"`
	JWKSURL       string        `yaml:"jwks_url"`
	JWKSTTL       time.Duration `yaml:"jwks_ttl"`
	RoleClaim     string        `yaml:"role_claim"`
	UserClaim     string        `yaml:"user_claim"`
}

type JourneyConfig struct {
	TimeZone                  string `yaml:"time_zone"`
	UnavailableCountsComplete bool   `yaml:"unavailable_counts_complete"`
}

type TrafficConfig struct {
	Threshold          float64       `yaml:"threshold"`
	ReoptimizeCooldown time.Duration `yaml:"reoptimize_cooldown"`
	// SweepSchedule is a cron expression; empty disables the sweep.
	SweepSchedule    string `yaml:"sweep_schedule"`
	SweepConcurrency int    `yaml:"sweep_concurrency"`
}

type WebhooksConfig struct {
	Subscriptions []webhooks.Subscription `yaml:"subscriptions"`
	MaxAttempts   int                     `yaml:"max_attempts"`
	QueueSize     int                     `yaml:"queue_size"`
}

// Load reads .env (if present), the YAML file at path (optional when
// empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	} else if err != nil {
		log.Println("No .env file found (using environment variables)")
	}
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config without consulting
// the environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, func(string) string { return "" })
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg := Config{Database: DatabaseConfig{Migrate: true}}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays deployment variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []string
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not a number", key, v))
				return
			}
			*dst = f
		}
	}

	integer("PORT", &c.Server.Port)
	float("RATE_RPS", &c.Server.RateRPS)
	integer("RATE_BURST", &c.Server.RateBurst)
	str("DATABASE_URL", &c.Database.URL)
	if v := getenv("DB_MIGRATE"); v != "" {
		c.Database.Migrate = v != "false"
	}
	str("REDIS_URL", &c.Redis.URL)
	str("OPTIMIZER_URL", &c.Optimizer.URL)
	str("OPTIMIZER_API_KEY", &c.Optimizer.APIKey)
	str("OPTIMIZER_CLIENT_ID", &c.Optimizer.ClientID)
	str("OPTIMIZER_CLIENT_SECRET", &c.Optimizer.ClientSecret)
	str("OPTIMIZER_TOKEN_URL", &c.Optimizer.TokenURL)
	str("AUTH_MODE", &c.Auth.Mode)
	str("AUTH_JWKS_URL", &c.Auth.JWKSURL)
	str("TZ_NAME", &c.Journey.TimeZone)
	float("TRAFFIC_THRESHOLD", &c.Traffic.Threshold)
	str("TRAFFIC_SWEEP_SCHEDULE", &c.Traffic.SweepSchedule)
	if v := getenv("WEBHOOK_URLS"); v != "" {
		secret := getenv("WEBHOOK_SECRET")
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.Webhooks.Subscriptions = append(c.Webhooks.Subscriptions, webhooks.Subscription{URL: u, Secret: secret})
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateRPS == 0 {
		c.Server.RateRPS = 20
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 40
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "journey-events"
	}
	if c.Optimizer.PlanTimeout == 0 {
		c.Optimizer.PlanTimeout = 30 * time.Second
	}
	if c.Optimizer.TrafficTimeout == 0 {
		c.Optimizer.TrafficTimeout = 10 * time.Second
	}
	if c.Optimizer.TrafficAttempts == 0 {
		c.Optimizer.TrafficAttempts = 3
	}
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	if c.Auth.Mode == "" {
		c.Auth.Mode = "dev"
	}
	if c.Auth.HMACSecretEnv == "" {
		c.Auth.HMACSecretEnv = "AUTH_HMAC_SECRET"
	}
	if c.Auth.JWKSTTL == 0 {
		c.Auth.JWKSTTL = 10 * time.Minute
	}
	if c.Auth.RoleClaim == "" {
		c.Auth.RoleClaim = "roles"
	}
	if c.Auth.UserClaim == "" {
		c.Auth.UserClaim = "sub"
	}
	if c.Traffic.Threshold == 0 {
		c.Traffic.Threshold = 1.5
	}
	if c.Traffic.ReoptimizeCooldown == 0 {
		c.Traffic.ReoptimizeCooldown = 5 * time.Minute
	}
	if c.Traffic.SweepConcurrency == 0 {
		c.Traffic.SweepConcurrency = 4
	}
	if c.Webhooks.MaxAttempts == 0 {
		c.Webhooks.MaxAttempts = 10
	}
	if c.Webhooks.QueueSize == 0 {
		c.Webhooks.QueueSize = 10000
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.RateRPS < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, "server.rate_rps and server.rate_burst must be >= 0")
	}
	if c.Optimizer.URL == "" {
		errs = append(errs, "optimizer.url is required")
	}
	cc := c.Optimizer.ClientID != "" || c.Optimizer.ClientSecret != "" || c.Optimizer.TokenURL != ""
	if cc && (c.Optimizer.ClientID == "" || c.Optimizer.ClientSecret == "" || c.Optimizer.TokenURL == "") {
		errs = append(errs, "optimizer.client_id, client_secret and token_url must be set together")
	}
	switch c.Auth.Mode {
	case "dev", "hmac":
	case "jwks":
		if c.Auth.JWKSURL == "" {
			errs = append(errs, "auth.jwks_url is required in jwks mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth.mode %q must be dev, hmac or jwks", c.Auth.Mode))
	}
	if c.Journey.TimeZone != "" {
		if _, err := time.LoadLocation(c.Journey.TimeZone); err != nil {
			errs = append(errs, fmt.Sprintf("journey.time_zone %q: %v", c.Journey.TimeZone, err))
		}
	}
	if c.Traffic.Threshold <= 1 {
		errs = append(errs, fmt.Sprintf("traffic.threshold %.2f must be > 1", c.Traffic.Threshold))
	}
	if c.Traffic.SweepSchedule != "" {
		if err := traffic.ValidSchedule(c.Traffic.SweepSchedule); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Traffic.ReoptimizeCooldown < 0 {
		errs = append(errs, "traffic.reoptimize_cooldown must be >= 0")
	}
	for i, s := range c.Webhooks.Subscriptions {
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			errs = append(errs, fmt.Sprintf("webhooks.subscriptions[%d].url %q must be http(s)", i, s.URL))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
