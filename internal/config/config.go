// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all gateway server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL          string
	DatabaseSuperUserURL string
	DatabasePoolProfile  string // "external" (fronted by an upstream pooler) or "internal"
	DatabasePoolTTL      time.Duration
	DatabaseMaxConns     int
	DatabaseAcquireWait  time.Duration
	DatabaseSearchPath   string

	// Storage backend ("s3", "signedurl" or "local")
	StorageBackend string

	// S3 backend
	S3Endpoint       string
	S3Region         string
	S3AccessKey      string
	S3SecretKey      string
	S3ForcePathStyle bool

	// Signed-URL backend
	SignedURLEndpoint string
	SignerIdentity    string // credential id embedded in presigned URLs
	SignerKeyFile     string // PEM-encoded RSA private key
	SignerRegion      string

	// Local backend
	LocalStoragePath string

	// Uploads
	TenantID          string // tenant identifier prefixing every blob key
	GlobalUploadLimit int64  // bytes; per-bucket overrides win when smaller
	DefaultBucket     string // default blob-store bucket identifier
	URLExpiry         time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":5000"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),

		DatabaseURL:          envOr("DATABASE_URL", ""),
		DatabaseSuperUserURL: envOr("DATABASE_SUPERUSER_URL", ""),
		DatabasePoolProfile:  envOr("DATABASE_POOL_PROFILE", "internal"),
		DatabasePoolTTL:      envDuration("DATABASE_POOL_TTL", 10*time.Minute),
		DatabaseMaxConns:     envInt("DATABASE_MAX_CONNECTIONS", 10),
		DatabaseAcquireWait:  envDuration("DATABASE_ACQUIRE_TIMEOUT", 5*time.Second),
		DatabaseSearchPath:   envOr("DATABASE_SEARCH_PATH", "storage, public"),

		StorageBackend: envOr("STORAGE_BACKEND", "local"),

		S3Endpoint:       envOr("S3_ENDPOINT", ""),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		S3AccessKey:      envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:      envOr("S3_SECRET_KEY", ""),
		S3ForcePathStyle: envBool("S3_FORCE_PATH_STYLE", true),

		SignedURLEndpoint: envOr("SIGNED_URL_ENDPOINT", ""),
		SignerIdentity:    envOr("SIGNER_IDENTITY", ""),
		SignerKeyFile:     envOr("SIGNER_KEY_FILE", ""),
		SignerRegion:      envOr("SIGNER_REGION", "auto"),

		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/storage"),

		TenantID:          envOr("TENANT_ID", "stub"),
		GlobalUploadLimit: envInt64("GLOBAL_UPLOAD_LIMIT", 50*1024*1024*1024),
		DefaultBucket:     envOr("DEFAULT_BUCKET", "stub"),
		URLExpiry:         envDuration("URL_EXPIRY", 600*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.DatabaseSuperUserURL == "" {
		cfg.DatabaseSuperUserURL = cfg.DatabaseURL
	}
	if cfg.DatabasePoolProfile != "external" && cfg.DatabasePoolProfile != "internal" {
		return nil, fmt.Errorf("DATABASE_POOL_PROFILE must be \"external\" or \"internal\", got %q", cfg.DatabasePoolProfile)
	}
	switch cfg.StorageBackend {
	case "s3", "signedurl", "local":
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
	if cfg.StorageBackend == "signedurl" && (cfg.SignedURLEndpoint == "" || cfg.SignerIdentity == "" || cfg.SignerKeyFile == "") {
		return nil, fmt.Errorf("SIGNED_URL_ENDPOINT, SIGNER_IDENTITY and SIGNER_KEY_FILE are required for the signedurl backend")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
