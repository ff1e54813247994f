package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var (
	metadataSchemes = []string{"memory", "mem", "inmem", "postgres", "postgresql", "pgx"}
	contentSchemes  = []string{"memory", "mem", "inmem", "file", "s3"}
	leaseSchemes    = []string{"memory", "mem", "inmem", "redis", "rediss", "badger", "badger+mem"}
	cacheSchemes    = []string{"memory", "mem", "inmem", "redis", "rediss"}
)

// Validate checks struct tags first, then the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if err := checkScheme("metadata.dsn", cfg.Metadata.DSN, metadataSchemes); err != nil {
		return err
	}
	if err := checkScheme("content.dsn", cfg.Content.DSN, contentSchemes); err != nil {
		return err
	}
	if err := checkScheme("lease.dsn", cfg.Lease.DSN, leaseSchemes); err != nil {
		return err
	}
	if cfg.Projects.CacheDSN != "" {
		if err := checkScheme("projects.cache_dsn", cfg.Projects.CacheDSN, cacheSchemes); err != nil {
			return err
		}
	}
	if len(cfg.Providers.Keys) > 0 && cfg.Providers.BridgeURL == "" {
		return fmt.Errorf("providers: bridge_url is required when keys are set")
	}
	if cfg.Delivery.ChunkSize > 0 && cfg.Delivery.InlineThreshold > 0 && int64(cfg.Delivery.ChunkSize) > cfg.Delivery.InlineThreshold {
		return fmt.Errorf("delivery: chunk_size must not exceed inline_threshold")
	}
	return nil
}

// checkScheme accepts a DSN whose scheme is one of allowed. A bare path is
// read as file:// for content DSNs only.
func checkScheme(field, dsn string, allowed []string) error {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" && field == "content.dsn" {
		return nil
	}
	for _, s := range allowed {
		if s == scheme {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported scheme %q", field, scheme)
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
