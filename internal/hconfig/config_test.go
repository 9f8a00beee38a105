package hconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	os.WriteFile(path, []byte("fast_mode: true\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Bus != "default" {
		t.Errorf("Bus = %q, want %q", cfg.Bus, "default")
	}
	if cfg.CallTimeout != 30*time.Second {
		t.Errorf("CallTimeout = %v, want 30s", cfg.CallTimeout)
	}
	if cfg.DiscoveryGrace != 200*time.Millisecond {
		t.Errorf("DiscoveryGrace = %v, want 200ms", cfg.DiscoveryGrace)
	}
	if cfg.RetryBase != 50*time.Millisecond || cfg.RetryMultiplier != 2 || cfg.RetryCap != 2*time.Second {
		t.Errorf("retry policy defaults wrong: base=%v mult=%v cap=%v", cfg.RetryBase, cfg.RetryMultiplier, cfg.RetryCap)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	os.WriteFile(path, []byte("fast_mode: true\nmqtt:\n  password: ${HSIPC_TEST_PW}\n"), 0600)
	os.Setenv("HSIPC_TEST_PW", "secret123")
	defer os.Unsetenv("HSIPC_TEST_PW")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("MQTT.Password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestValidate_RealModeRequiresBrokerURL(t *testing.T) {
	cfg := Default()
	cfg.FastMode = false
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when fast_mode is false and broker_url is empty")
	}
}

func TestValidate_DiscoveryGraceOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.DiscoveryGrace = 10 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for discovery_grace below 100ms")
	}
}

func TestValidate_UnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestDefault_IsFastModeAndValid(t *testing.T) {
	cfg := Default()
	if !cfg.FastMode {
		t.Fatal("Default() should be fast-mode")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() should validate cleanly, got: %v", err)
	}
}
