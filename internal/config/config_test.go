package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnBadNumbers(t *testing.T) {
	t.Setenv("MERGE_RETRY_LIMIT", "zero")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "-2")
	t.Setenv("AUTO_MERGE_INTERVAL_SECONDS", "")
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")

	cfg := Load()
	if cfg.MergeRetryLimit != 3 {
		t.Fatalf("expected default retry limit 3, got %d", cfg.MergeRetryLimit)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Fatalf("expected default breaker threshold 5, got %d", cfg.BreakerFailureThreshold)
	}
	if cfg.AutoMergeIntervalSecs != 0 {
		t.Fatalf("expected auto merge disabled by default, got %d", cfg.AutoMergeIntervalSecs)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadDotEnvKeepsExistingEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PORT=9090\nKAFKA_TOPIC=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("PORT", "7070")
	t.Setenv("KAFKA_TOPIC", "")
	os.Unsetenv("KAFKA_TOPIC")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	cfg := Load()
	if cfg.Port != "7070" {
		t.Fatalf("expected environment to win, got port %s", cfg.Port)
	}
	if cfg.KafkaTopic != "from-file" {
		t.Fatalf("expected topic from file, got %s", cfg.KafkaTopic)
	}
}
