package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func TestLoadDevelopmentDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr)
	}
	if cfg.Token.Secret == "" {
		t.Fatal("development default token secret missing")
	}
	if len(cfg.MFAKey) != 32 {
		t.Fatalf("expected a 32-byte mfa key, got %d", len(cfg.MFAKey))
	}
	if cfg.Session.InactivityTimeout != 30*time.Minute {
		t.Fatalf("unexpected inactivity timeout: %v", cfg.Session.InactivityTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MEDRELAY_LISTEN_ADDR", ":9443")
	t.Setenv("MEDRELAY_SESSION_MAX_PER_ACCOUNT", "3")
	t.Setenv("MEDRELAY_TOKEN_TTL", "5m")
	t.Setenv("MEDRELAY_MFA_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9443" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr)
	}
	if cfg.Session.MaxPerAccount != 3 {
		t.Fatalf("unexpected session cap: %d", cfg.Session.MaxPerAccount)
	}
	if cfg.Token.AccessTTL != 5*time.Minute {
		t.Fatalf("unexpected token ttl: %v", cfg.Token.AccessTTL)
	}
}

func TestLoadRejectsBadMfaKey(t *testing.T) {
	t.Setenv("MEDRELAY_MFA_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Fatalf("expected key length error, got %v", err)
	}

	t.Setenv("MEDRELAY_MFA_KEY", "not-base64!!!")
	if _, err := Load(); err == nil {
		t.Fatal("expected base64 error")
	}
}

func TestLoadProductionRequiresSecrets(t *testing.T) {
	t.Setenv("MEDRELAY_ENV", "production")
	t.Setenv("MEDRELAY_MFA_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if _, err := Load(); err == nil {
		t.Fatal("production must require signing material")
	}

	t.Setenv("MEDRELAY_TOKEN_SECRET", "prod-secret")
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
