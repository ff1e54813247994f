package config

import (
	"strings"
	"time"
)

// ApplyDefaults fills every unset field. Explicit values are kept.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyAuthDefaults(&cfg.Auth)
	applyDeliveryDefaults(&cfg.Delivery)

	if cfg.Metadata.DSN == "" {
		cfg.Metadata.DSN = "memory://"
	}
	if cfg.Content.DSN == "" {
		cfg.Content.DSN = "memory://"
	}
	if cfg.Lease.DSN == "" {
		cfg.Lease.DSN = "memory://"
	}
	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = 2 * time.Minute
	}
	if cfg.Projects.CacheTTL == 0 {
		cfg.Projects.CacheTTL = 5 * time.Minute
	}
	if cfg.Conversion.Timeout == 0 {
		cfg.Conversion.Timeout = 2 * time.Minute
	}
	if cfg.Conversion.MaxRetries == 0 {
		cfg.Conversion.MaxRetries = 3
	}
	if cfg.Editor.SessionTimeout == 0 {
		cfg.Editor.SessionTimeout = 30 * time.Second
	}
	cfg.Links.PublicURL = strings.TrimRight(cfg.Links.PublicURL, "/")
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	cfg.Format = strings.ToLower(cfg.Format)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.FileHandlerPath == "" {
		cfg.FileHandlerPath = "/files/handler"
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.KeySecret == "" {
		cfg.KeySecret = cfg.JWTSecret
	}
	if cfg.StreamURLExpire == 0 {
		cfg.StreamURLExpire = 5 * time.Minute
	}
	if cfg.TrackCallbackExpire == 0 {
		cfg.TrackCallbackExpire = 128 * 24 * time.Hour
	}
}

func applyDeliveryDefaults(cfg *DeliveryConfig) {
	if cfg.InlineThreshold == 0 {
		cfg.InlineThreshold = 4 << 20
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 8 << 10
	}
	if cfg.PresignExpire == 0 {
		cfg.PresignExpire = 15 * time.Minute
	}
	if cfg.BulkTitle == "" {
		cfg.BulkTitle = "documents.zip"
	}
}
