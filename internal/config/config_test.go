package config

import (
	"testing"
	"time"
)

// ========================================
// Defaults / validation
// ========================================

func TestLoad_MissingBotURLFails(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want error for missing BOT_URL")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	t.Setenv("BOT_URL", "http://bot.internal:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.QueueKey != "jobs:queue" {
		t.Errorf("QueueKey = %q, want %q", cfg.QueueKey, "jobs:queue")
	}
	if cfg.JobTTL != 6*time.Hour {
		t.Errorf("JobTTL = %v, want %v", cfg.JobTTL, 6*time.Hour)
	}
	if cfg.WorkerConcurrency != 3 {
		t.Errorf("WorkerConcurrency = %d, want 3", cfg.WorkerConcurrency)
	}
	if cfg.ChunkCharLimit != 600 {
		t.Errorf("ChunkCharLimit = %d, want 600", cfg.ChunkCharLimit)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Errorf("CORSOrigins = %v, want [http://localhost:3000]", cfg.CORSOrigins)
	}
}

func TestLoad_RejectsZeroWorkerConcurrency(t *testing.T) {
	t.Setenv("BOT_URL", "http://bot.internal:9000")
	t.Setenv("WORKER_CONCURRENCY", "0")
	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want error for WORKER_CONCURRENCY=0")
	}
}

func TestLoad_RejectsZeroChunkCharLimit(t *testing.T) {
	t.Setenv("BOT_URL", "http://bot.internal:9000")
	t.Setenv("CHUNK_CHAR_LIMIT", "0")
	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want error for CHUNK_CHAR_LIMIT=0")
	}
}

// ========================================
// Env var overrides
// ========================================

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("BOT_URL", "http://bot.internal:9000")
	t.Setenv("PORT", "9090")
	t.Setenv("QUEUE_KEY", "custom:queue")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.QueueKey != "custom:queue" {
		t.Errorf("QueueKey = %q, want %q", cfg.QueueKey, "custom:queue")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://a.example" || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v, want [https://a.example https://b.example]", cfg.CORSOrigins)
	}
}

func TestGetEnvDuration_AcceptsPlainSecondsOrDurationSyntax(t *testing.T) {
	t.Setenv("TEST_DURATION_SECONDS", "45")
	if got := getEnvDuration("TEST_DURATION_SECONDS", time.Second); got != 45*time.Second {
		t.Errorf("getEnvDuration() = %v, want 45s", got)
	}

	t.Setenv("TEST_DURATION_SYNTAX", "2m")
	if got := getEnvDuration("TEST_DURATION_SYNTAX", time.Second); got != 2*time.Minute {
		t.Errorf("getEnvDuration() = %v, want 2m", got)
	}

	if got := getEnvDuration("TEST_DURATION_UNSET", 7*time.Second); got != 7*time.Second {
		t.Errorf("getEnvDuration() = %v, want default 7s", got)
	}
}
