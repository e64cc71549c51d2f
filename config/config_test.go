package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected default HTTP port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.Transport.Type != "memory" {
		t.Errorf("expected default transport type memory, got %s", cfg.Transport.Type)
	}
	if cfg.Outbox.ScanInterval != time.Second {
		t.Errorf("expected default outbox scan interval 1s, got %v", cfg.Outbox.ScanInterval)
	}
	if !cfg.CircuitBreaker.Enabled {
		t.Error("expected circuit breaker enabled by default")
	}
	if !cfg.Recovery.UseExponentialBackoff {
		t.Error("expected exponential backoff enabled by default")
	}
	if !cfg.Recovery.EnableAutoRecovery {
		t.Error("expected recovery auto-recovery enabled by default")
	}
	if !cfg.Lifecycle.EnableTransportHosting || !cfg.Lifecycle.EnableOutboxProcessor || !cfg.Lifecycle.EnableAutoRecovery {
		t.Error("expected all lifecycle feature flags enabled by default")
	}
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("TRANSPORT_TYPE", "sqs")
	t.Setenv("RETRY_MULTIPLIER", "3.5")
	t.Setenv("CIRCUIT_BREAKER_ENABLED", "false")
	t.Setenv("BATCH_MAX_SIZE", "25")
	t.Setenv("RECOVERY_USE_EXPONENTIAL_BACKOFF", "false")
	t.Setenv("LIFECYCLE_ENABLE_OUTBOX_PROCESSOR", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("expected HTTP port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Transport.Type != "sqs" {
		t.Errorf("expected transport type sqs, got %s", cfg.Transport.Type)
	}
	if cfg.Retry.Multiplier != 3.5 {
		t.Errorf("expected retry multiplier 3.5, got %v", cfg.Retry.Multiplier)
	}
	if cfg.CircuitBreaker.Enabled {
		t.Error("expected circuit breaker disabled via env override")
	}
	if cfg.Batch.MaxBatchSize != 25 {
		t.Errorf("expected batch max size 25, got %d", cfg.Batch.MaxBatchSize)
	}
	if cfg.Recovery.UseExponentialBackoff {
		t.Error("expected exponential backoff disabled via env override")
	}
	if cfg.Lifecycle.EnableOutboxProcessor {
		t.Error("expected outbox processor disabled via env override")
	}
}

func TestLoadIgnoresUnparseableEnvValueAndFallsBackToDefault(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected default port on unparseable override, got %d", cfg.HTTP.Port)
	}
}

func TestLoadWithFileFallsBackToEnvDefaultsWithoutAFile(t *testing.T) {
	t.Setenv("FLOWMEDIATOR_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected default port when the configured file path doesn't exist, got %d", cfg.HTTP.Port)
	}
}

func TestLoadWithFileMergesFileValuesAsBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	toml := `
[HTTP]
Port = 7070

[MongoDB]
URI = "mongodb://file-configured/"
Database = "filedb"
`
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}
	t.Setenv("FLOWMEDIATOR_CONFIG", path)

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 7070 {
		t.Errorf("expected file-provided HTTP port 7070 to win with no env override, got %d", cfg.HTTP.Port)
	}
	if cfg.MongoDB.Database != "filedb" {
		t.Errorf("expected file-provided Mongo database, got %s", cfg.MongoDB.Database)
	}
}

func TestLoadWithFileLetsExplicitEnvOverrideFileValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	toml := `
[HTTP]
Port = 7070
`
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}
	t.Setenv("FLOWMEDIATOR_CONFIG", path)
	t.Setenv("HTTP_PORT", "9999")

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9999 {
		t.Errorf("expected explicit env override to win over the file value, got %d", cfg.HTTP.Port)
	}
}

func TestLoadWithFileReturnsErrorOnMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("not valid = = toml"), 0o644); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}
	t.Setenv("FLOWMEDIATOR_CONFIG", path)

	if _, err := LoadWithFile(); err == nil {
		t.Fatal("expected an error for a malformed TOML file")
	}
}

func TestMergeOverEnvOnlyOverridesGroupsWithSeenEnvVars(t *testing.T) {
	fileCfg := &Config{}
	fileCfg.HTTP.Port = 1111
	fileCfg.MongoDB.URI = "mongodb://file/"

	envCfg := &Config{}
	envCfg.HTTP.Port = 2222
	envCfg.MongoDB.URI = "mongodb://env/"

	merged := mergeOverEnv(map[string]bool{"HTTP_PORT": true}, fileCfg, envCfg)

	if merged.HTTP.Port != 2222 {
		t.Errorf("expected HTTP group to take the env value since HTTP_PORT was seen, got %d", merged.HTTP.Port)
	}
	if merged.MongoDB.URI != "mongodb://file/" {
		t.Errorf("expected MongoDB group to keep the file value since no Mongo env var was seen, got %s", merged.MongoDB.URI)
	}
}
