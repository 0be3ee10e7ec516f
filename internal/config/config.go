// Package config loads service configuration from YAML, .env files and
// DRAFTLINE_* environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"draftline.io/internal/auth"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// ServerConfig holds listener settings. Timeouts are in seconds.
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	GRPCAddr       string   `yaml:"grpc_addr"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// TrustedProxies lists proxy addresses or CIDRs whose forwarding headers
	// name the client. Requests from anywhere else are keyed by peer address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// DatabaseConfig selects the credential store. An empty DSN runs in memory.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// AuthConfig configures token signing, lifetimes, lockout and password rules.
type AuthConfig struct {
	Issuer               string              `yaml:"issuer"`
	Audience             string              `yaml:"audience"`
	AccessTokenMinutes   int                 `yaml:"access_token_minutes"`
	RefreshTokenDays     int                 `yaml:"refresh_token_days"`
	RefreshRetentionDays int                 `yaml:"refresh_retention_days"`
	SigningSecret        string              `yaml:"signing_secret"`
	PrivateKeyPath       string              `yaml:"private_key_path"`
	PublicKeyPath        string              `yaml:"public_key_path"`
	KeyID                string              `yaml:"key_id"`
	PasswordHash         string              `yaml:"password_hash"`
	Lockout              LockoutConfig       `yaml:"lockout"`
	PasswordPolicy       auth.PasswordPolicy `yaml:"password_policy"`
}

// LockoutConfig configures failed-login lockout.
type LockoutConfig struct {
	MaxFailedAttempts int `yaml:"max_failed_attempts"`
	DurationMinutes   int `yaml:"duration_minutes"`
}

// RateLimitConfig is the per-IP token bucket for /v1/auth endpoints.
type RateLimitConfig struct {
	Enabled   bool    `yaml:"enabled"`
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MQTTConfig configures the security event publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         int    `yaml:"qos"`
}

// Default returns a Config with defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:     ":8080",
			GRPCAddr:     ":9090",
			ReadTimeout:  15,
			WriteTimeout: 15,
			IdleTimeout:  60,
			MaxBodyBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Auth: AuthConfig{
			Issuer:               "draftline",
			Audience:             "draftline-web",
			AccessTokenMinutes:   30,
			RefreshTokenDays:     7,
			RefreshRetentionDays: 30,
			PasswordHash:         auth.HashBcrypt,
			Lockout: LockoutConfig{
				MaxFailedAttempts: 5,
				DurationMinutes:   15,
			},
			PasswordPolicy: auth.DefaultPasswordPolicy(),
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerSecond: 5,
			Burst:     10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "draftline-auth",
			TopicPrefix: "draftline",
			QoS:         1,
		},
	}
}

// Load reads path (optional), applies .env files and environment overrides
// and validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads .env files without overriding variables already set.
// Missing files are skipped.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// applyEnvOverrides applies DRAFTLINE_* variables.
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"DRAFTLINE_HTTP_ADDR":            &cfg.Server.HTTPAddr,
		"DRAFTLINE_GRPC_ADDR":            &cfg.Server.GRPCAddr,
		"DRAFTLINE_DATABASE_DSN":         &cfg.Database.DSN,
		"DRAFTLINE_JWT_ISSUER":           &cfg.Auth.Issuer,
		"DRAFTLINE_JWT_AUDIENCE":         &cfg.Auth.Audience,
		"DRAFTLINE_JWT_SECRET":           &cfg.Auth.SigningSecret,
		"DRAFTLINE_JWT_PRIVATE_KEY_PATH": &cfg.Auth.PrivateKeyPath,
		"DRAFTLINE_JWT_PUBLIC_KEY_PATH":  &cfg.Auth.PublicKeyPath,
		"DRAFTLINE_JWT_KEY_ID":           &cfg.Auth.KeyID,
		"DRAFTLINE_LOG_LEVEL":            &cfg.Logging.Level,
		"DRAFTLINE_LOG_FORMAT":           &cfg.Logging.Format,
		"DRAFTLINE_MQTT_BROKER":          &cfg.MQTT.Broker,
		"DRAFTLINE_MQTT_USERNAME":        &cfg.MQTT.Username,
		"DRAFTLINE_MQTT_PASSWORD":        &cfg.MQTT.Password,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	ints := map[string]*int{
		"DRAFTLINE_ACCESS_TOKEN_MINUTES": &cfg.Auth.AccessTokenMinutes,
		"DRAFTLINE_REFRESH_TOKEN_DAYS":   &cfg.Auth.RefreshTokenDays,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	if v, ok := os.LookupEnv("DRAFTLINE_TRUSTED_PROXIES"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.TrustedProxies = nil
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				cfg.Server.TrustedProxies = append(cfg.Server.TrustedProxies, item)
			}
		}
	}
	if v, ok := os.LookupEnv("DRAFTLINE_MQTT_ENABLED"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("DRAFTLINE_MQTT_ENABLED: %w", err)
		}
		cfg.MQTT.Enabled = b
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	if c.Server.HTTPAddr == "" {
		errs = append(errs, "server.http_addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "server.max_body_bytes must be positive")
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Auth.AccessTokenMinutes <= 0 {
		errs = append(errs, "auth.access_token_minutes must be positive")
	}
	if c.Auth.RefreshTokenDays <= 0 {
		errs = append(errs, "auth.refresh_token_days must be positive")
	}
	if c.Auth.RefreshRetentionDays < 0 {
		errs = append(errs, "auth.refresh_retention_days must not be negative")
	}
	hasRSA := c.Auth.PrivateKeyPath != "" || c.Auth.PublicKeyPath != ""
	switch {
	case hasRSA && (c.Auth.PrivateKeyPath == "" || c.Auth.PublicKeyPath == ""):
		errs = append(errs, "auth.private_key_path and auth.public_key_path must be set together")
	case !hasRSA && c.Auth.SigningSecret == "":
		errs = append(errs, "auth.signing_secret or an RSA key pair is required (set DRAFTLINE_JWT_SECRET)")
	case !hasRSA && len(c.Auth.SigningSecret) < 32:
		errs = append(errs, "auth.signing_secret must be at least 32 characters")
	}
	if c.Auth.Lockout.MaxFailedAttempts < 0 || c.Auth.Lockout.DurationMinutes < 0 {
		errs = append(errs, "auth.lockout values must not be negative")
	}
	if c.Auth.PasswordPolicy.MinLength < 1 {
		errs = append(errs, "auth.password_policy.min_length must be positive")
	}
	if h := strings.ToLower(c.Auth.PasswordHash); h != "" && h != auth.HashBcrypt && h != auth.HashArgon2id {
		errs = append(errs, "auth.password_hash must be bcrypt or argon2id")
	}
	if c.RateLimit.Enabled && (c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, "rate_limit.per_second and rate_limit.burst must be positive")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, item := range s.TrustedProxies {
		item = strings.TrimSpace(item)
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// IssuerConfig builds the token issuer configuration, reading key files.
func (c *Config) IssuerConfig() (auth.IssuerConfig, error) {
	out := auth.IssuerConfig{
		Issuer:            c.Auth.Issuer,
		Audience:          c.Auth.Audience,
		ExpirationMinutes: c.Auth.AccessTokenMinutes,
		Secret:            c.Auth.SigningSecret,
		KeyID:             c.Auth.KeyID,
	}
	if c.Auth.PrivateKeyPath != "" {
		priv, err := os.ReadFile(c.Auth.PrivateKeyPath)
		if err != nil {
			return auth.IssuerConfig{}, fmt.Errorf("reading private key: %w", err)
		}
		pub, err := os.ReadFile(c.Auth.PublicKeyPath)
		if err != nil {
			return auth.IssuerConfig{}, fmt.Errorf("reading public key: %w", err)
		}
		out.PrivateKeyPEM = string(priv)
		out.PublicKeyPEM = string(pub)
	}
	return out, nil
}

// RefreshTTL is the refresh token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.Auth.RefreshTokenDays) * 24 * time.Hour
}

// RefreshRetention is how long revoked or expired tokens are kept.
func (c *Config) RefreshRetention() time.Duration {
	return time.Duration(c.Auth.RefreshRetentionDays) * 24 * time.Hour
}

// Lockout converts the lockout section.
func (c *Config) Lockout() auth.LockoutPolicy {
	return auth.LockoutPolicy{
		MaxFailedAttempts: c.Auth.Lockout.MaxFailedAttempts,
		Duration:          time.Duration(c.Auth.Lockout.DurationMinutes) * time.Minute,
	}
}

// ReadTimeout returns the HTTP read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeout) * time.Second
}

// WriteTimeout returns the HTTP write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeout) * time.Second
}

// IdleTimeout returns the HTTP idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeout) * time.Second
}
