// Package config loads authd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the server and the reaper.
type Config struct {
	HTTPAddr string `env:"AUTHD_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"AUTHD_GRPC_ADDR" envDefault:":9090"`
	Version  string `env:"AUTHD_VERSION" envDefault:"dev"`
	Commit   string `env:"AUTHD_COMMIT" envDefault:"unknown"`

	PostgresDSN string `env:"AUTHD_PG_DSN"`
	RedisAddr   string `env:"AUTHD_REDIS_ADDR"`
	RedisDB     int    `env:"AUTHD_REDIS_DB" envDefault:"0"`

	SigningSecret string `env:"AUTHD_SIGNING_SECRET"`
	Issuer        string `env:"AUTHD_ISSUER" envDefault:"tenantauth"`

	AccessTokenTTL  time.Duration `env:"AUTHD_ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"AUTHD_REFRESH_TOKEN_TTL" envDefault:"336h"`
	AuthCodeTTL     time.Duration `env:"AUTHD_AUTH_CODE_TTL" envDefault:"10m"`
	ResetTTL        time.Duration `env:"AUTHD_PASSWORD_RESET_TTL" envDefault:"30m"`
	LookupTimeout   time.Duration `env:"AUTHD_LOOKUP_TIMEOUT" envDefault:"3s"`
	ReapInterval    time.Duration `env:"AUTHD_REAP_INTERVAL" envDefault:"1h"`

	SystemTenantID string `env:"AUTHD_SYSTEM_TENANT"`
	SessionCapMode string `env:"AUTHD_SESSION_CAP_MODE" envDefault:"evict_oldest"`

	RateBurst      int      `env:"AUTHD_HTTP_RATE_BURST" envDefault:"50"`
	RatePerSecond  int      `env:"AUTHD_HTTP_RATE_PER_SECOND" envDefault:"20"`
	TrustedProxies []string `env:"AUTHD_TRUSTED_PROXIES" envSeparator:","`
	AllowedOrigins []string `env:"AUTHD_CORS_ORIGINS" envSeparator:","`

	SESFrom   string `env:"AUTHD_SES_FROM"`
	AWSRegion string `env:"AUTHD_AWS_REGION" envDefault:"us-east-1"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the env tags cannot express.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return errors.New("config: AUTHD_SIGNING_SECRET is required")
	}
	if len(c.SigningSecret) < 32 {
		return errors.New("config: AUTHD_SIGNING_SECRET must be at least 32 bytes")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.AuthCodeTTL <= 0 || c.ResetTTL <= 0 {
		return errors.New("config: token lifetimes must be positive")
	}
	if c.RefreshTokenTTL < c.AccessTokenTTL {
		return errors.New("config: refresh token ttl shorter than access token ttl")
	}
	switch c.SessionCapMode {
	case "evict_oldest", "deny":
	default:
		return fmt.Errorf("config: unsupported session cap mode %q", c.SessionCapMode)
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// ProxyPrefixes parses TrustedProxies. Bare addresses become single-host
// prefixes.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid trusted proxy %q", raw)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
