package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret-key-at-least-32-chars!"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  http_addr: ":9000"
database:
  dsn: "postgres://localhost/draftline"
auth:
  issuer: "draftline-test"
  access_token_minutes: 10
  signing_secret: "`+testSecret+`"
  lockout:
    max_failed_attempts: 3
    duration_minutes: 5
`)
	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != ":9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.AccessTokenMinutes != 10 || cfg.Auth.RefreshTokenDays != 7 {
		t.Errorf("unexpected lifetimes: %+v", cfg.Auth)
	}
	if got := cfg.Lockout(); got.MaxFailedAttempts != 3 || got.Duration != 5*time.Minute {
		t.Errorf("Lockout() = %+v", got)
	}
	if cfg.RefreshTTL() != 7*24*time.Hour {
		t.Errorf("RefreshTTL() = %v", cfg.RefreshTTL())
	}
	if !cfg.Auth.PasswordPolicy.RequireSymbol || cfg.Auth.PasswordPolicy.MinLength != 8 {
		t.Errorf("password policy defaults lost: %+v", cfg.Auth.PasswordPolicy)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected parse error")
	}
}

func TestLoad_DotEnvAndOverrides(t *testing.T) {
	envFile := writeFile(t, ".env", "DRAFTLINE_JWT_SECRET="+testSecret+"\nDRAFTLINE_LOG_LEVEL=debug\n")
	t.Setenv("DRAFTLINE_JWT_SECRET", "")
	t.Setenv("DRAFTLINE_LOG_LEVEL", "")
	os.Unsetenv("DRAFTLINE_JWT_SECRET")
	os.Unsetenv("DRAFTLINE_LOG_LEVEL")
	t.Setenv("DRAFTLINE_ACCESS_TOKEN_MINUTES", "45")
	t.Setenv("DRAFTLINE_MQTT_ENABLED", "true")

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.SigningSecret != testSecret {
		t.Errorf("secret from .env not applied")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Auth.AccessTokenMinutes != 45 {
		t.Errorf("AccessTokenMinutes = %d", cfg.Auth.AccessTokenMinutes)
	}
	if !cfg.MQTT.Enabled {
		t.Errorf("MQTT.Enabled not applied")
	}
}

func TestApplyEnvOverrides_BadNumber(t *testing.T) {
	t.Setenv("DRAFTLINE_REFRESH_TOKEN_DAYS", "seven")
	if err := applyEnvOverrides(Default()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing secret", func(c *Config) { c.Auth.SigningSecret = "" }, "auth.signing_secret or an RSA key pair"},
		{"short secret", func(c *Config) { c.Auth.SigningSecret = "short" }, "at least 32 characters"},
		{"half key pair", func(c *Config) { c.Auth.PrivateKeyPath = "/k.pem" }, "must be set together"},
		{"key pair without secret", func(c *Config) {
			c.Auth.SigningSecret = ""
			c.Auth.PrivateKeyPath, c.Auth.PublicKeyPath = "/k.pem", "/k.pub"
		}, ""},
		{"zero access minutes", func(c *Config) { c.Auth.AccessTokenMinutes = 0 }, "access_token_minutes"},
		{"bad hash", func(c *Config) { c.Auth.PasswordHash = "md5" }, "password_hash"},
		{"bad qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"bad rate limit", func(c *Config) { c.RateLimit.Burst = 0 }, "rate_limit"},
		{"bad trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/33"} }, "server.trusted_proxies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.SigningSecret = testSecret
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestTrustedProxyPrefixes(t *testing.T) {
	t.Setenv("DRAFTLINE_TRUSTED_PROXIES", " 10.0.0.0/8, 192.168.1.7 ,")
	cfg := Default()
	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}
	prefixes, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("TrustedProxyPrefixes: %v", err)
	}
	if len(prefixes) != 2 || prefixes[0].String() != "10.0.0.0/8" || prefixes[1].String() != "192.168.1.7/32" {
		t.Fatalf("prefixes = %v", prefixes)
	}
	if _, err := (ServerConfig{TrustedProxies: []string{"proxy.local"}}).TrustedProxyPrefixes(); err == nil {
		t.Fatal("expected error for host name")
	}
}

func TestIssuerConfigReadsKeyFiles(t *testing.T) {
	cfg := Default()
	cfg.Auth.PrivateKeyPath = writeFile(t, "priv.pem", "PRIVATE")
	cfg.Auth.PublicKeyPath = writeFile(t, "pub.pem", "PUBLIC")
	ic, err := cfg.IssuerConfig()
	if err != nil {
		t.Fatalf("IssuerConfig() error = %v", err)
	}
	if ic.PrivateKeyPEM != "PRIVATE" || ic.PublicKeyPEM != "PUBLIC" || ic.ExpirationMinutes != 30 {
		t.Fatalf("unexpected issuer config: %+v", ic)
	}

	cfg.Auth.PublicKeyPath = "/nonexistent.pem"
	if _, err := cfg.IssuerConfig(); err == nil {
		t.Fatal("expected error for missing key file")
	}
}
