package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RELAYDOCS"

// Config is the complete relaydocs process configuration.
//
// Sources, highest precedence first: RELAYDOCS_* environment variables, the
// configuration file, defaults applied by ApplyDefaults.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Metadata   MetadataConfig   `mapstructure:"metadata"`
	Content    ContentConfig    `mapstructure:"content"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Projects   ProjectsConfig   `mapstructure:"projects"`
	Conversion ConversionConfig `mapstructure:"conversion"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Editor     EditorConfig     `mapstructure:"editor"`
	Links      LinksConfig      `mapstructure:"links"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	Tenants    TenantsConfig    `mapstructure:"tenants"`
}

type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR; normalized to upper case.
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	FileHandlerPath string        `mapstructure:"file_handler_path" validate:"required,startswith=/"`
	RateLimitMax    int           `mapstructure:"rate_limit_max" validate:"gte=0"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required"`
	// SignatureSecret verifies editor callbacks; empty trusts them as sent.
	SignatureSecret     string        `mapstructure:"signature_secret"`
	KeySecret           string        `mapstructure:"key_secret" validate:"required"`
	ShareLinkSecret     string        `mapstructure:"share_link_secret"`
	StreamURLExpire     time.Duration `mapstructure:"stream_url_expire" validate:"gt=0"`
	TrackCallbackExpire time.Duration `mapstructure:"track_callback_expire" validate:"gt=0"`
}

type DeliveryConfig struct {
	InlineThreshold int64         `mapstructure:"inline_threshold" validate:"gte=0"`
	ChunkSize       int           `mapstructure:"chunk_size" validate:"gt=0"`
	PresignExpire   time.Duration `mapstructure:"presign_expire" validate:"gt=0"`
	BulkTitle       string        `mapstructure:"bulk_title" validate:"required"`
}

type MetadataConfig struct {
	// DSN is memory://, postgres://… or pgx://….
	DSN string `mapstructure:"dsn" validate:"required"`
}

type ContentConfig struct {
	// DSN is memory://, file:///dir or s3://bucket/prefix.
	DSN string   `mapstructure:"dsn" validate:"required"`
	S3  S3Config `mapstructure:"s3"`
}

// S3Config fills the options an s3:// content DSN leaves out.
type S3Config struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKey string `mapstructure:"access_key" validate:"required_with=SecretKey"`
	SecretKey string `mapstructure:"secret_key" validate:"required_with=AccessKey"`
	PathStyle bool   `mapstructure:"path_style"`
}

type LeaseConfig struct {
	// DSN is memory://, redis://host:port/db, badger:///dir or badger+mem://.
	DSN string        `mapstructure:"dsn" validate:"required"`
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type ProjectsConfig struct {
	BaseURL  string        `mapstructure:"base_url" validate:"omitempty,url"`
	Token    string        `mapstructure:"token"`
	CacheDSN string        `mapstructure:"cache_dsn"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
}

type ConversionConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"omitempty,url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
}

type ProvidersConfig struct {
	BridgeURL string   `mapstructure:"bridge_url" validate:"omitempty,url"`
	Token     string   `mapstructure:"token"`
	Keys      []string `mapstructure:"keys" validate:"dive,required"`
}

type EditorConfig struct {
	SessionTimeout time.Duration `mapstructure:"session_timeout" validate:"gt=0"`
}

type LinksConfig struct {
	// PublicURL is the externally reachable base of this service, used in
	// links handed to the editor and the conversion service.
	PublicURL string `mapstructure:"public_url" validate:"omitempty,url"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DirectoryConfig seeds the in-process user directory that share checks and
// display names read.
type DirectoryConfig struct {
	Users  []DirectoryUser  `mapstructure:"users" validate:"dive"`
	Groups []DirectoryGroup `mapstructure:"groups" validate:"dive"`
}

type DirectoryUser struct {
	ID      string `mapstructure:"id" validate:"required"`
	Name    string `mapstructure:"name"`
	Visitor bool   `mapstructure:"visitor"`
}

type DirectoryGroup struct {
	ID      string   `mapstructure:"id" validate:"required"`
	Members []string `mapstructure:"members" validate:"dive,required"`
}

type TenantsConfig struct {
	// Unpaid lists tenants refused by the file handler with 402.
	Unpaid []string `mapstructure:"unpaid" validate:"dive,required"`
}

// Load reads configuration from configPath (or the default location when
// empty), the environment and defaults, then validates it. A missing file is
// not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// RELAYDOCS_DELIVERY_INLINE_THRESHOLD=1048576
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v, reflect.TypeOf(Config{}), "")

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// bindEnvKeys registers every leaf key so environment variables apply to
// keys absent from the file; AutomaticEnv alone only covers known keys.
func bindEnvKeys(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			bindEnvKeys(v, field.Type, key)
			continue
		}
		_ = v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "relaydocs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "relaydocs")
}

// DefaultConfigPath is the file Load reads when given no path.
func DefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ContentDSN is the content DSN with the s3 section merged into its query.
// Values already present in the DSN win.
func (c *Config) ContentDSN() string {
	parsed, err := url.Parse(c.Content.DSN)
	if err != nil || !strings.EqualFold(parsed.Scheme, "s3") {
		return c.Content.DSN
	}
	q := parsed.Query()
	set := func(key, value string) {
		if value != "" && q.Get(key) == "" {
			q.Set(key, value)
		}
	}
	s3 := c.Content.S3
	set("region", s3.Region)
	set("endpoint", s3.Endpoint)
	set("access_key", s3.AccessKey)
	set("secret_key", s3.SecretKey)
	if s3.PathStyle {
		set("path_style", "true")
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}
