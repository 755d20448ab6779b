package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gov.yaml")
	body := `
token_secret: from-file
sessions:
  idle_timeout: 15m
grants:
  override_ceiling: 48h
kafka:
  brokers: [kafka-1:9092]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path, envMap(map[string]string{
		"GOV_TOKEN_SECRET":   "from-env",
		"GOV_SWEEP_INTERVAL": "5s",
		"GOV_KAFKA_BROKERS":  "a:1, b:2",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokenSecret != "from-env" {
		t.Fatalf("env should win over file, got %q", cfg.TokenSecret)
	}
	if cfg.Sessions.IdleTimeout.Std() != 15*time.Minute || cfg.Sessions.AbsoluteTimeout.Std() != 12*time.Hour {
		t.Fatalf("unexpected session config %+v", cfg.Sessions)
	}
	if cfg.Grants.OverrideCeiling.Std() != 48*time.Hour || cfg.Grants.SweepInterval.Std() != 5*time.Second {
		t.Fatalf("unexpected grant config %+v", cfg.Grants)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:2" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load("", envMap(map[string]string{
		"GOV_OVERRIDE_CEILING": "forever",
	}))
	if err == nil || !strings.Contains(err.Error(), "GOV_OVERRIDE_CEILING") {
		t.Fatalf("expected duration error, got %v", err)
	}
	if _, err := Load("", envMap(nil)); err == nil || !strings.Contains(err.Error(), "token_secret") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}
