package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"syncbridge/internal/models"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig           `yaml:"app" toml:"app"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" toml:"monitoring"`
	API           APIConfig           `yaml:"api" toml:"api"`
	Store         StoreConfig         `yaml:"store" toml:"store"`
	Sync          SyncConfig          `yaml:"sync" toml:"sync"`
	BC            BCConfig            `yaml:"bc" toml:"bc"`
	Graph         GraphConfig         `yaml:"graph" toml:"graph"`
	Premium       PremiumConfig       `yaml:"premium" toml:"premium"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions" toml:"subscriptions"`
	Delta         DeltaConfig         `yaml:"delta" toml:"delta"`
}

type AppConfig struct {
	Name        string `yaml:"name" toml:"name"`
	Environment string `yaml:"environment" toml:"environment"`
	Version     string `yaml:"version" toml:"version"`
}

// Production reports whether internal error details must stay out of responses.
func (a AppConfig) Production() bool {
	env := strings.ToLower(strings.TrimSpace(a.Environment))
	return env == "production" || env == "prod"
}

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	Output     string `yaml:"output" toml:"output"`
	FilePath   string `yaml:"file_path" toml:"file_path"`
	StreamSize int    `yaml:"stream_size" toml:"stream_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled" toml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port" toml:"prometheus_port"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled" toml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http" toml:"http"`
	Auth      APIAuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port" toml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled" toml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key" toml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys" toml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key" toml:"key"`
	Name        string   `yaml:"name" toml:"name"`
	Permissions []string `yaml:"permissions" toml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps" toml:"rps"`
	Burst int     `yaml:"burst" toml:"burst"`
}

// StoreConfig selects the queue/state backend by DSN scheme:
// redis://, sqlite://, postgres://, badger://, memory://.
type StoreConfig struct {
	DSN       string      `yaml:"dsn" toml:"dsn"`
	KeyPrefix string      `yaml:"key_prefix" toml:"key_prefix"`
	Fallback  *bool       `yaml:"fallback" toml:"fallback"`
	Redis     RedisConfig `yaml:"redis" toml:"redis"`
}

// FallbackEnabled defaults to true: a dead primary degrades to a process-local queue.
func (s StoreConfig) FallbackEnabled() bool {
	return s.Fallback == nil || *s.Fallback
}

type RedisConfig struct {
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	PoolSize int    `yaml:"pool_size" toml:"pool_size"`
}

type SyncConfig struct {
	MaxJobs                   int   `yaml:"max_jobs" toml:"max_jobs"`
	GraceMs                   int64 `yaml:"grace_ms" toml:"grace_ms"`
	PreferBC                  *bool `yaml:"prefer_bc" toml:"prefer_bc"`
	LockTTLSeconds            int   `yaml:"lock_ttl_seconds" toml:"lock_ttl_seconds"`
	MaxRetries                int   `yaml:"max_retries" toml:"max_retries"`
	SyncLockStaleAfterSeconds int   `yaml:"sync_lock_stale_after_seconds" toml:"sync_lock_stale_after_seconds"`
	OriginRetentionHours      int   `yaml:"origin_retention_hours" toml:"origin_retention_hours"`
}

// PreferBCEnabled defaults to true.
func (s SyncConfig) PreferBCEnabled() bool {
	return s.PreferBC == nil || *s.PreferBC
}

func (s SyncConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLSeconds) * time.Second
}

func (s SyncConfig) SyncLockStaleAfter() time.Duration {
	return time.Duration(s.SyncLockStaleAfterSeconds) * time.Second
}

func (s SyncConfig) OriginRetention() time.Duration {
	return time.Duration(s.OriginRetentionHours) * time.Hour
}

// OAuthConfig holds client-credentials settings for an Entra ID protected API.
type OAuthConfig struct {
	TenantID     string `yaml:"tenant_id" toml:"tenant_id"`
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	Scope        string `yaml:"scope" toml:"scope"`
	TokenURL     string `yaml:"token_url" toml:"token_url"`
}

type BCConfig struct {
	BaseURL      string      `yaml:"base_url" toml:"base_url"`
	CompanyID    string      `yaml:"company_id" toml:"company_id"`
	EntitySet    string      `yaml:"entity_set" toml:"entity_set"`
	ClientState  string      `yaml:"client_state" toml:"client_state"`
	RateLimitRPS float64     `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
	OAuth        OAuthConfig `yaml:"oauth" toml:"oauth"`
}

// Resource is the subscription resource path for the configured task entity set.
func (b BCConfig) Resource() string {
	if b.CompanyID == "" {
		return b.EntitySet
	}
	return fmt.Sprintf("companies(%s)/%s", b.CompanyID, b.EntitySet)
}

type GraphConfig struct {
	BaseURL               string      `yaml:"base_url" toml:"base_url"`
	ClientState           string      `yaml:"client_state" toml:"client_state"`
	PlanIDs               []string    `yaml:"plan_ids" toml:"plan_ids"`
	SubscriptionResources []string    `yaml:"subscription_resources" toml:"subscription_resources"`
	DeltaURL              string      `yaml:"delta_url" toml:"delta_url"`
	RateLimitRPS          float64     `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
	OAuth                 OAuthConfig `yaml:"oauth" toml:"oauth"`
}

// Resources returns the configured subscription resources, one per plan when none are explicit.
func (g GraphConfig) Resources() []string {
	if len(g.SubscriptionResources) > 0 {
		return g.SubscriptionResources
	}
	out := make([]string, 0, len(g.PlanIDs))
	for _, id := range g.PlanIDs {
		out = append(out, fmt.Sprintf("/planner/plans/%s/tasks", id))
	}
	return out
}

type PremiumConfig struct {
	BaseURL       string      `yaml:"base_url" toml:"base_url"`
	EntitySet     string      `yaml:"entity_set" toml:"entity_set"`
	WebhookSecret string      `yaml:"webhook_secret" toml:"webhook_secret"`
	SecretHeader  string      `yaml:"secret_header" toml:"secret_header"`
	Fields        PremiumMap  `yaml:"fields" toml:"fields"`
	RateLimitRPS  float64     `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
	OAuth         OAuthConfig `yaml:"oauth" toml:"oauth"`
}

// PremiumMap names the Dataverse columns holding the synchronized task fields.
type PremiumMap struct {
	ID              string `yaml:"id" toml:"id"`
	Title           string `yaml:"title" toml:"title"`
	PercentComplete string `yaml:"percent_complete" toml:"percent_complete"`
	StartDate       string `yaml:"start_date" toml:"start_date"`
	DueDate         string `yaml:"due_date" toml:"due_date"`
}

type SubscriptionsConfig struct {
	NotificationBaseURL string `yaml:"notification_base_url" toml:"notification_base_url"`
	RenewalBufferHours  int    `yaml:"renewal_buffer_hours" toml:"renewal_buffer_hours"`
	BCTTLHours          int    `yaml:"bc_ttl_hours" toml:"bc_ttl_hours"`
	GraphTTLHours       int    `yaml:"graph_ttl_hours" toml:"graph_ttl_hours"`
}

// NotificationURL is the public webhook endpoint for a source.
func (s SubscriptionsConfig) NotificationURL(source models.Source) string {
	return strings.TrimRight(s.NotificationBaseURL, "/") + "/api/webhooks/" + string(source)
}

type DeltaConfig struct {
	// Mode is "push" (delta as backstop) or "polling" (delta is the only sync path).
	Mode    string   `yaml:"mode" toml:"mode"`
	Sources []string `yaml:"sources" toml:"sources"`
}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Environment references are expanded before decoding so secrets stay out of the file.
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		if _, err := toml.Decode(expandedData, &config); err != nil {
			return nil, err
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

var knownStoreSchemes = map[string]bool{
	"redis": true, "rediss": true,
	"sqlite": true, "sqlite3": true, "file": true,
	"postgres": true, "postgresql": true,
	"badger": true,
	"memory": true, "mem": true, "inmem": true,
}

func (c *Config) Validate() error {
	parsed, err := url.Parse(c.Store.DSN)
	if err != nil {
		return fmt.Errorf("store dsn: %w", err)
	}
	if !knownStoreSchemes[strings.ToLower(parsed.Scheme)] {
		return fmt.Errorf("unsupported store scheme %q", parsed.Scheme)
	}

	if c.Sync.MaxJobs <= 0 || c.Sync.MaxJobs > 500 {
		return fmt.Errorf("sync.max_jobs must be within 1..500, got %d", c.Sync.MaxJobs)
	}
	if c.Sync.GraceMs < 0 {
		return errors.New("sync.grace_ms must not be negative")
	}
	if c.Sync.LockTTLSeconds <= 0 {
		return errors.New("sync.lock_ttl_seconds must be positive")
	}

	mode := strings.ToLower(c.Delta.Mode)
	if mode != "push" && mode != "polling" {
		return fmt.Errorf("delta.mode must be push or polling, got %q", c.Delta.Mode)
	}
	for _, s := range c.Delta.Sources {
		source, err := models.ParseSource(s)
		if err != nil {
			return fmt.Errorf("delta.sources: %w", err)
		}
		if source == models.SourcePremium {
			return errors.New("delta.sources: premium has no delta feed")
		}
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "syncbridge"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Logging.StreamSize == 0 {
		c.Logging.StreamSize = models.DefaultLogBufferSize
	}

	if c.Store.DSN == "" {
		c.Store.DSN = "memory://"
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "syncbridge"
	}

	if c.Sync.MaxJobs == 0 {
		c.Sync.MaxJobs = models.DefaultMaxJobs
	}
	if c.Sync.GraceMs == 0 {
		c.Sync.GraceMs = models.DefaultGraceMs
	}
	if c.Sync.LockTTLSeconds == 0 {
		c.Sync.LockTTLSeconds = int(models.DefaultLockTTL / time.Second)
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 5
	}
	if c.Sync.SyncLockStaleAfterSeconds == 0 {
		c.Sync.SyncLockStaleAfterSeconds = int(models.DefaultSyncLockStaleAfter / time.Second)
	}
	if c.Sync.OriginRetentionHours == 0 {
		c.Sync.OriginRetentionHours = int(models.DefaultOriginRetention / time.Hour)
	}

	if c.BC.EntitySet == "" {
		c.BC.EntitySet = "projectTasks"
	}
	if c.Graph.BaseURL == "" {
		c.Graph.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	if c.Premium.SecretHeader == "" {
		c.Premium.SecretHeader = "x-premium-secret"
	}
	if c.Premium.Fields.ID == "" {
		c.Premium.Fields = PremiumMap{
			ID:              "msdyn_projecttaskid",
			Title:           "msdyn_subject",
			PercentComplete: "msdyn_progress",
			StartDate:       "msdyn_scheduledstart",
			DueDate:         "msdyn_scheduledend",
		}
	}
	if c.Premium.EntitySet == "" {
		c.Premium.EntitySet = "msdyn_projecttasks"
	}

	if c.Subscriptions.RenewalBufferHours == 0 {
		c.Subscriptions.RenewalBufferHours = models.DefaultRenewalBufferHours
	}
	// BC caps webhook subscriptions at three days; Graph planner subscriptions at ~ 2.9 days.
	if c.Subscriptions.BCTTLHours == 0 {
		c.Subscriptions.BCTTLHours = 72
	}
	if c.Subscriptions.GraphTTLHours == 0 {
		c.Subscriptions.GraphTTLHours = 70
	}

	if c.Delta.Mode == "" {
		c.Delta.Mode = "push"
	}
	if len(c.Delta.Sources) == 0 {
		c.Delta.Sources = []string{string(models.SourcePlanner)}
	}
}
