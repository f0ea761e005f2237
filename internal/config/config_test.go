package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cadenza.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", cfg.Listen)
	}
	if cfg.Sessions.TTL() != 10*time.Minute {
		t.Errorf("TTL = %s, want 10m", cfg.Sessions.TTL())
	}
	if cfg.Admission.MinInterval() != 5*time.Second {
		t.Errorf("MinInterval = %s, want 5s", cfg.Admission.MinInterval())
	}
	if cfg.Admission.BurstLimit != 3 || cfg.Admission.HourlyLimit != 10 {
		t.Errorf("admission caps = (%d, %d), want (3, 10)", cfg.Admission.BurstLimit, cfg.Admission.HourlyLimit)
	}
	if cfg.Outbound.PerMinute != 60 || cfg.Outbound.PerHour != 1000 {
		t.Errorf("outbound caps = (%d, %d), want (60, 1000)", cfg.Outbound.PerMinute, cfg.Outbound.PerHour)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RecoveryTimeout() != time.Minute {
		t.Errorf("breaker = (%d, %s), want (5, 1m)", cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout())
	}
	if cfg.Pipeline.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Pipeline.Workers)
	}
	if cfg.Sessions.MaxArtifactBytes != 50*1024*1024 {
		t.Errorf("MaxArtifactBytes = %d, want 50MiB", cfg.Sessions.MaxArtifactBytes)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
log_level: debug
sessions:
  ttl_minutes: 30
  max_files: 5
admission:
  min_interval_seconds: 2
  allow_list: [demo, staging]
breaker:
  failure_threshold: 7
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q, want :9090", cfg.Listen)
	}
	if cfg.Sessions.TTL() != 30*time.Minute {
		t.Errorf("TTL = %s, want 30m", cfg.Sessions.TTL())
	}
	if cfg.Sessions.MaxFiles != 5 {
		t.Errorf("MaxFiles = %d, want 5", cfg.Sessions.MaxFiles)
	}
	if cfg.Admission.MinInterval() != 2*time.Second {
		t.Errorf("MinInterval = %s, want 2s", cfg.Admission.MinInterval())
	}
	if len(cfg.Admission.AllowList) != 2 || cfg.Admission.AllowList[0] != "demo" {
		t.Errorf("AllowList = %v, want [demo staging]", cfg.Admission.AllowList)
	}
	if cfg.Breaker.FailureThreshold != 7 {
		t.Errorf("FailureThreshold = %d, want 7", cfg.Breaker.FailureThreshold)
	}

	// Untouched sections keep their defaults.
	if cfg.Outbound.PerMinute != 60 {
		t.Errorf("PerMinute = %d, want the 60 default", cfg.Outbound.PerMinute)
	}
}

func TestLoadEnvOverridesKeys(t *testing.T) {
	path := writeConfig(t, `
api_key: file-key
backend:
  api_key: file-backend-key
`)

	t.Setenv("CADENZA_API_KEY", "env-key")
	t.Setenv("CADENZA_BACKEND_API_KEY", "env-backend-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want the env override", cfg.APIKey)
	}
	if cfg.Backend.APIKey != "env-backend-key" {
		t.Errorf("Backend.APIKey = %q, want the env override", cfg.Backend.APIKey)
	}
}

func TestLoadRejectsBadStorage(t *testing.T) {
	if _, err := Load(writeConfig(t, "storage:\n  kind: tape\n")); err == nil {
		t.Error("unknown storage kind should be rejected")
	}
	if _, err := Load(writeConfig(t, "storage:\n  kind: s3\n")); err == nil {
		t.Error("s3 without a bucket should be rejected")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "listen: [unclosed")); err == nil {
		t.Error("malformed YAML should be rejected")
	}
}
