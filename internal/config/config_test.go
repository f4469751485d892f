package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	origPort := os.Getenv("PORT")
	origLimit := os.Getenv("API_RATE_LIMIT")
	defer func() {
		os.Setenv("PORT", origPort)
		os.Setenv("API_RATE_LIMIT", origLimit)
	}()

	os.Setenv("PORT", "9999")
	os.Setenv("API_RATE_LIMIT", "30")
	os.Setenv("RUN_WORKER_IN_PROCESS", "false")

	cfg := Load()

	if cfg.Port != "9999" {
		t.Errorf("expected 9999, got %s", cfg.Port)
	}
	if cfg.APIRateLimit != 30 {
		t.Errorf("expected 30, got %d", cfg.APIRateLimit)
	}
	if cfg.RunWorkerInProcess {
		t.Error("expected RunWorkerInProcess to be false")
	}
}

func TestDefaults(t *testing.T) {
	os.Unsetenv("API_RATE_LIMIT")
	os.Unsetenv("API_RATE_LIMIT_AUTH")
	os.Unsetenv("MAX_PAYLOAD_BYTES")

	cfg := Load()

	if cfg.APIRateLimit != 60 || cfg.APIRateLimitAuth != 120 {
		t.Errorf("expected 60/120 rate limits, got %d/%d", cfg.APIRateLimit, cfg.APIRateLimitAuth)
	}
	if cfg.MaxPayloadBytes != 1048576 {
		t.Errorf("expected 1MiB payload cap, got %d", cfg.MaxPayloadBytes)
	}
	if cfg.TokenTTLHours != 720 {
		t.Errorf("expected 720h token TTL, got %d", cfg.TokenTTLHours)
	}
}

func TestGetEnv(t *testing.T) {
	val := getEnv("NON_EXISTENT_VAR", "fallback")
	if val != "fallback" {
		t.Errorf("expected fallback, got %s", val)
	}
}

func TestGetEnvInt(t *testing.T) {
	os.Setenv("TEST_INT", "123")
	val := getEnvInt("TEST_INT", 0)
	if val != 123 {
		t.Errorf("expected 123, got %d", val)
	}

	val2 := getEnvInt("NON_EXISTENT_INT", 456)
	if val2 != 456 {
		t.Errorf("expected 456, got %d", val2)
	}
}

func TestGetEnvBool(t *testing.T) {
	os.Setenv("TEST_BOOL_TRUE", "true")
	if !getEnvBool("TEST_BOOL_TRUE", false) {
		t.Error("expected true for 'true'")
	}

	os.Setenv("TEST_BOOL_FALSE", "false")
	if getEnvBool("TEST_BOOL_FALSE", true) {
		t.Error("expected false for 'false'")
	}
}
