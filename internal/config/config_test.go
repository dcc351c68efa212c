package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "MEILI_URL", "DEVSTUDIO_RELOAD_BACKOFF_MS", "DEVSTUDIO_RELOAD_MAX_ATTEMPTS", "DEVSTUDIO_DRAFT_TTL_SECONDS", "DEVSTUDIO_CLIENT_IDLE_SECONDS"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.MeiliURL != "" {
		t.Errorf("meili should be off by default, got %q", cfg.MeiliURL)
	}
	if cfg.ReloadBackoff != 250*time.Millisecond || cfg.ReloadMaxAttempts != 5 {
		t.Errorf("unexpected reload settings %s/%d", cfg.ReloadBackoff, cfg.ReloadMaxAttempts)
	}
	if cfg.DraftTTL != 7*24*time.Hour {
		t.Errorf("draft ttl = %s", cfg.DraftTTL)
	}
	if cfg.ClientIdleTTL != 15*time.Minute {
		t.Errorf("client idle ttl = %s", cfg.ClientIdleTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("DEVSTUDIO_RELOAD_BACKOFF_MS", "40")
	t.Setenv("DEVSTUDIO_RELOAD_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	if cfg.Addr != ":9999" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.ReloadBackoff != 40*time.Millisecond {
		t.Errorf("backoff = %s", cfg.ReloadBackoff)
	}
	if cfg.ReloadMaxAttempts != 5 {
		t.Errorf("invalid int should fall back, got %d", cfg.ReloadMaxAttempts)
	}
}
