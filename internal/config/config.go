// Package config loads and validates the backend configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the PAM_ prefix (e.g. PAM_STORAGE_LOCAL_BASE_PATH
// overrides storage.local.base_path in the YAML), so the same binary runs with a
// config.yaml locally and with plain environment variables in containers.
//
// The JWT signing secret is never read from the config file. It comes from
// PAM_JWT_SECRET only (see internal/auth).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	ActivityLog ActivityLogConfig `mapstructure:"activity_log"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Security    SecurityConfig    `mapstructure:"security"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Audit       AuditConfig       `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// TrustedProxies is passed to gin so ClientIP() honours X-Forwarded-For
	// only from these addresses. Empty means trust nobody.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// StorageConfig holds blob store backend configuration
type StorageConfig struct {
	DefaultBackend string              `mapstructure:"default_backend"`
	Azure          AzureStorageConfig  `mapstructure:"azure"`
	S3             S3StorageConfig     `mapstructure:"s3"`
	GCS            GCSStorageConfig    `mapstructure:"gcs"`
	Local          LocalStorageConfig  `mapstructure:"local"`
	Badger         BadgerStorageConfig `mapstructure:"badger"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	// Endpoint overrides the service URL (Azurite, sovereign clouds)
	Endpoint string `mapstructure:"endpoint"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO and friends)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// Authentication method: "default", "static", "oidc", "assume_role"
	//   - "default": AWS default credential chain
	//   - "static": explicit access key and secret key
	//   - "oidc": web identity token file (EKS, GitHub Actions)
	//   - "assume_role": assume an IAM role, optionally with an external ID
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN              string `mapstructure:"role_arn"`
	RoleSessionName      string `mapstructure:"role_session_name"`
	ExternalID           string `mapstructure:"external_id"`
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket    string `mapstructure:"bucket"`
	ProjectID string `mapstructure:"project_id"`

	// Authentication method: "default", "service_account", "workload_identity"
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (fake-gcs-server, emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// BadgerStorageConfig holds embedded Badger key-value store configuration
type BadgerStorageConfig struct {
	Path string `mapstructure:"path"`
	// InMemory keeps the whole store in RAM; Path is ignored.
	InMemory bool `mapstructure:"in_memory"`
	// SyncWrites forces an fsync after every write.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// ActivityLogConfig controls segment layout, rotation and retention of the
// per-user activity log.
type ActivityLogConfig struct {
	// BasePath is the key prefix under which user_{id}/ directories live
	BasePath string `mapstructure:"base_path"`
	// MaxFileSize is the serialized size in bytes above which the current
	// segment is rotated to an archive name
	MaxFileSize int64 `mapstructure:"max_file_size"`
	// MaxFilesPerUser caps the number of segments kept per user
	MaxFilesPerUser int `mapstructure:"max_files_per_user"`
	// RetentionDays deletes segments older than this many days; 0 disables
	// the background retention job
	RetentionDays int `mapstructure:"retention_days"`
	// CleanupIntervalHours is how often the retention job runs
	CleanupIntervalHours int `mapstructure:"cleanup_interval_hours"`
	// ScanConcurrency bounds how many users are read in parallel by
	// system-wide queries (recent, stats, filter options)
	ScanConcurrency int `mapstructure:"scan_concurrency"`
	// ExportRateLimitPerMinute throttles the export endpoint per client
	ExportRateLimitPerMinute int `mapstructure:"export_rate_limit_per_minute"`
	// TrackRequests enables the route-pattern middleware that records
	// "viewed ..." / "created ..." entries for matching API calls
	TrackRequests bool `mapstructure:"track_requests"`
	// UpstreamURL, when set, makes the server proxy /api/* to the domain
	// backend so its CRUD traffic passes through the activity middleware
	UpstreamURL string `mapstructure:"upstream_url"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTIssuer is set as "iss" on issued tokens and checked on incoming ones
	JWTIssuer string `mapstructure:"jwt_issuer"`
	// TokenTTL is the lifetime of tokens minted by the token subcommand
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig configures forwarding of written activity entries to
// external sinks. Forwarding never blocks or fails a write.
type AuditConfig struct {
	Enabled  bool                 `mapstructure:"enabled"`
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single shipper
type AuditShipperConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Type is the shipper type (webhook, file)
	Type    string              `mapstructure:"type"`
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not populate nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.trusted_proxies",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.azure.endpoint",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.gcs.bucket",
		"storage.gcs.project_id",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.local.base_path",
		"storage.badger.path",
		"storage.badger.in_memory",
		"storage.badger.sync_writes",

		// Activity log
		"activity_log.base_path",
		"activity_log.max_file_size",
		"activity_log.max_files_per_user",
		"activity_log.retention_days",
		"activity_log.cleanup_interval_hours",
		"activity_log.scan_concurrency",
		"activity_log.export_rate_limit_per_minute",
		"activity_log.track_requests",
		"activity_log.upstream_url",

		// Auth
		"auth.jwt_issuer",
		"auth.token_ttl",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit forwarding
		"audit.enabled",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pam-backend")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("PAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Secrets may be written as ${VAR} in the YAML
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Storage.GCS.CredentialsJSON = expandEnv(cfg.Storage.GCS.CredentialsJSON)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./storage")
	v.SetDefault("storage.badger.path", "./data/badger")

	// Activity log defaults
	v.SetDefault("activity_log.base_path", "activity-logs")
	v.SetDefault("activity_log.max_file_size", 10*1024*1024)
	v.SetDefault("activity_log.max_files_per_user", 100)
	v.SetDefault("activity_log.retention_days", 0)
	v.SetDefault("activity_log.cleanup_interval_hours", 24)
	v.SetDefault("activity_log.scan_concurrency", 8)
	v.SetDefault("activity_log.export_rate_limit_per_minute", 10)
	v.SetDefault("activity_log.track_requests", true)
	v.SetDefault("activity_log.upstream_url", "")

	// Auth defaults
	v.SetDefault("auth.jwt_issuer", "pam-backend")
	v.SetDefault("auth.token_ttl", "24h")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "pam-backend")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	v.SetDefault("audit.enabled", false)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true, "badger": true, "memory": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, local, badger, or memory)", c.Storage.DefaultBackend)
	}

	switch c.Storage.DefaultBackend {
	case "azure":
		if c.Storage.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using Azure backend")
		}
		if c.Storage.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using Azure backend")
		}
		if c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	case "badger":
		if !c.Storage.Badger.InMemory && c.Storage.Badger.Path == "" {
			return fmt.Errorf("storage.badger.path is required unless storage.badger.in_memory is set")
		}
	}

	if c.ActivityLog.BasePath == "" {
		return fmt.Errorf("activity_log.base_path is required")
	}
	if strings.HasPrefix(c.ActivityLog.BasePath, "/") || strings.Contains(c.ActivityLog.BasePath, "..") {
		return fmt.Errorf("activity_log.base_path must be a relative key prefix: %q", c.ActivityLog.BasePath)
	}
	if c.ActivityLog.MaxFileSize <= 0 {
		return fmt.Errorf("activity_log.max_file_size must be positive, got %d", c.ActivityLog.MaxFileSize)
	}
	if c.ActivityLog.MaxFilesPerUser < 1 {
		return fmt.Errorf("activity_log.max_files_per_user must be at least 1, got %d", c.ActivityLog.MaxFilesPerUser)
	}
	if c.ActivityLog.RetentionDays < 0 {
		return fmt.Errorf("activity_log.retention_days must not be negative, got %d", c.ActivityLog.RetentionDays)
	}
	if c.ActivityLog.RetentionDays > 0 && c.ActivityLog.CleanupIntervalHours < 1 {
		return fmt.Errorf("activity_log.cleanup_interval_hours must be at least 1 when retention is enabled")
	}
	if c.ActivityLog.UpstreamURL != "" {
		u, err := url.Parse(c.ActivityLog.UpstreamURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("activity_log.upstream_url must be an absolute http(s) URL: %q", c.ActivityLog.UpstreamURL)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook.url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file.path is required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown shipper type %q", i, s.Type)
		}
	}

	return nil
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CleanupInterval returns the retention job period.
func (c *ActivityLogConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// RetentionCutoff returns the instant before which segments are considered
// expired, relative to now.
func (c *ActivityLogConfig) RetentionCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -c.RetentionDays)
}
