package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "AUTH_JWT_SECRET")
	setEnvWithCleanup(t, "INTERNAL_API_KEY", "alias-only-secret")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.AuthJWTSecret != "alias-only-secret" {
		t.Fatalf("expected AuthJWTSecret from alias env var, got %q", cfg.AuthJWTSecret)
	}
}

func TestLoadConfig_AuthSecretTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "AUTH_JWT_SECRET", "primary-secret")
	setEnvWithCleanup(t, "INTERNAL_API_KEY", "alias-secret")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.AuthJWTSecret != "primary-secret" {
		t.Fatalf("expected AuthJWTSecret to prioritize AUTH_JWT_SECRET, got %q", cfg.AuthJWTSecret)
	}
}

func TestLoadConfig_AppliesSchedulingDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "ANCHOR_SCHEDULE")
	unsetEnvWithCleanup(t, "ANCHOR_BATCH_LIMIT")
	unsetEnvWithCleanup(t, "WEBHOOK_RATE_LIMIT_PER_MINUTE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.AnchorSchedule != "*/5 * * * *" {
		t.Fatalf("expected default anchor schedule, got %q", cfg.AnchorSchedule)
	}
	if cfg.AnchorBatchLimit != 100 {
		t.Fatalf("expected default anchor batch limit 100, got %d", cfg.AnchorBatchLimit)
	}
	if cfg.WebhookRateLimitPerMinute != 120 {
		t.Fatalf("expected default webhook rate limit 120, got %d", cfg.WebhookRateLimitPerMinute)
	}
}

func TestRoleAllowlists_SplitsAndTrimsEntries(t *testing.T) {
	cfg := Config{
		AuditorIPAllowlist: " 203.0.113.7 , 10.0.0.4,, ",
	}

	lists := cfg.RoleAllowlists()
	auditor := lists["AUDITOR"]
	if len(auditor) != 2 || auditor[0] != "203.0.113.7" || auditor[1] != "10.0.0.4" {
		t.Fatalf("unexpected auditor allowlist: %v", auditor)
	}
	if len(lists["NOTARY"]) != 0 {
		t.Fatalf("expected empty notary allowlist, got %v", lists["NOTARY"])
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
