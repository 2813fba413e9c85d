package config

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTHD_SIGNING_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AccessTokenTTL != time.Hour {
		t.Fatalf("expected 1h access ttl, got %s", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != 14*24*time.Hour {
		t.Fatalf("expected 14d refresh ttl, got %s", cfg.RefreshTokenTTL)
	}
	if cfg.ResetTTL != 30*time.Minute {
		t.Fatalf("expected 30m reset ttl, got %s", cfg.ResetTTL)
	}
	if cfg.SessionCapMode != "evict_oldest" {
		t.Fatalf("unexpected cap mode %q", cfg.SessionCapMode)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("AUTHD_SIGNING_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without signing secret")
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("AUTHD_SIGNING_SECRET", testSecret)
	t.Setenv("AUTHD_ACCESS_TOKEN_TTL", "soon")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestValidateCapMode(t *testing.T) {
	t.Setenv("AUTHD_SIGNING_SECRET", testSecret)
	t.Setenv("AUTHD_SESSION_CAP_MODE", "lottery")
	if _, err := Load(); err == nil {
		t.Fatal("expected unsupported cap mode error")
	}
}

func TestTrustedProxies(t *testing.T) {
	t.Setenv("AUTHD_SIGNING_SECRET", testSecret)
	t.Setenv("AUTHD_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	prefixes, err := cfg.ProxyPrefixes()
	if err != nil {
		t.Fatalf("ProxyPrefixes: %v", err)
	}
	if len(prefixes) != 2 || prefixes[0].String() != "10.0.0.0/8" || prefixes[1].String() != "192.0.2.10/32" {
		t.Fatalf("unexpected prefixes %v", prefixes)
	}

	t.Setenv("AUTHD_TRUSTED_PROXIES", "proxy.internal")
	if _, err := Load(); err == nil {
		t.Fatal("expected invalid proxy error")
	}
}
