package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"syncbridge/internal/models"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("SYNCBRIDGE_TEST_SECRET", "s3cret")

	yamlContent := `
app:
  name: "syncbridge-test"
store:
  dsn: "redis://localhost:6379/0"
premium:
  webhook_secret: "${SYNCBRIDGE_TEST_SECRET}"
sync:
  max_jobs: 10
  prefer_bc: false
graph:
  plan_ids: ["plan-1", "plan-2"]
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Premium.WebhookSecret != "s3cret" {
		t.Errorf("expected expanded secret, got %q", cfg.Premium.WebhookSecret)
	}
	if cfg.Sync.MaxJobs != 10 {
		t.Errorf("expected max_jobs 10, got %d", cfg.Sync.MaxJobs)
	}
	if cfg.Sync.PreferBCEnabled() {
		t.Errorf("expected prefer_bc=false to be honoured")
	}
	if got := cfg.Graph.Resources(); len(got) != 2 || got[0] != "/planner/plans/plan-1/tasks" {
		t.Errorf("unexpected graph resources: %v", got)
	}
}

func TestLoadTOMLConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	tomlContent := `
[store]
dsn = "sqlite:///tmp/syncbridge.db"

[sync]
grace_ms = 30000

[bc]
company_id = "c0ffee"
`
	if err := os.WriteFile(configPath, []byte(tomlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Sync.GraceMs != 30000 {
		t.Errorf("expected grace_ms 30000, got %d", cfg.Sync.GraceMs)
	}
	if cfg.BC.Resource() != "companies(c0ffee)/projectTasks" {
		t.Errorf("unexpected bc resource %q", cfg.BC.Resource())
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		cfg := Config{}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "unknown store scheme", mutate: func(c *Config) { c.Store.DSN = "mongodb://x" }, wantErr: true},
		{name: "too many jobs", mutate: func(c *Config) { c.Sync.MaxJobs = 1000 }, wantErr: true},
		{name: "negative grace", mutate: func(c *Config) { c.Sync.GraceMs = -1 }, wantErr: true},
		{name: "bad delta mode", mutate: func(c *Config) { c.Delta.Mode = "sometimes" }, wantErr: true},
		{name: "premium delta", mutate: func(c *Config) { c.Delta.Sources = []string{"premium"} }, wantErr: true},
		{
			name: "duplicate api key",
			mutate: func(c *Config) {
				c.API.Auth.APIKeys = []APIClientKey{{Key: "k", Name: "a"}, {Key: "k", Name: "b"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Sync.MaxJobs != models.DefaultMaxJobs {
		t.Errorf("expected default max jobs %d, got %d", models.DefaultMaxJobs, cfg.Sync.MaxJobs)
	}
	if cfg.Sync.GraceMs != models.DefaultGraceMs {
		t.Errorf("expected default grace %d, got %d", models.DefaultGraceMs, cfg.Sync.GraceMs)
	}
	if cfg.Sync.LockTTL() != models.DefaultLockTTL {
		t.Errorf("expected default lock ttl %s, got %s", models.DefaultLockTTL, cfg.Sync.LockTTL())
	}
	if !cfg.Sync.PreferBCEnabled() {
		t.Errorf("expected prefer_bc to default to true")
	}
	if !cfg.Store.FallbackEnabled() {
		t.Errorf("expected store fallback to default to true")
	}
	if cfg.Store.DSN != "memory://" {
		t.Errorf("expected memory store by default, got %s", cfg.Store.DSN)
	}
	if cfg.Subscriptions.RenewalBufferHours != models.DefaultRenewalBufferHours {
		t.Errorf("expected renewal buffer %d, got %d", models.DefaultRenewalBufferHours, cfg.Subscriptions.RenewalBufferHours)
	}
	if cfg.Sync.SyncLockStaleAfter() != 10*time.Minute {
		t.Errorf("unexpected sync lock stale-after %s", cfg.Sync.SyncLockStaleAfter())
	}
}

func TestNotificationURL(t *testing.T) {
	s := SubscriptionsConfig{NotificationBaseURL: "https://sync.example.com/"}
	if got := s.NotificationURL(models.SourcePlanner); got != "https://sync.example.com/api/webhooks/planner" {
		t.Errorf("unexpected notification url %s", got)
	}
}
