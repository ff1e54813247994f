package config

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("RELAYDOCS_AUTH_JWT_SECRET", "s1")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	require.Equal(t, "INFO", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "/files/handler", cfg.Server.FileHandlerPath)
	require.Equal(t, int64(4<<20), cfg.Delivery.InlineThreshold)
	require.Equal(t, 8<<10, cfg.Delivery.ChunkSize)
	require.Equal(t, "memory://", cfg.Metadata.DSN)
	require.Equal(t, "memory://", cfg.Content.DSN)
	require.Equal(t, "memory://", cfg.Lease.DSN)
	require.Equal(t, 128*24*time.Hour, cfg.Auth.TrackCallbackExpire)
	require.Equal(t, "s1", cfg.Auth.KeySecret)
	require.Equal(t, 30*time.Second, cfg.Editor.SessionTimeout)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "JWTSecret")

	path := writeConfig(t, t.TempDir(), "auth:\n  key_secret: k\n")
	_, err = Load(path)
	require.Error(t, err)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
logging:
  level: debug
  format: text
server:
  addr: "127.0.0.1:9000"
  shutdown_timeout: 5s
auth:
  jwt_secret: s1
  signature_secret: editor
delivery:
  inline_threshold: 1024
  chunk_size: 512
metadata:
  dsn: postgres://u:p@db:5432/docs?sslmode=disable
lease:
  dsn: redis://cache:6379/1
  ttl: 90s
providers:
  bridge_url: http://bridge.local
  keys: [box, drive]
links:
  public_url: https://docs.example.com/
directory:
  users:
    - id: alice
      name: Alice Doe
    - id: vic
      visitor: true
  groups:
    - id: team
      members: [alice, vic]
tenants:
  unpaid: [t-late]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	require.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	require.Equal(t, "editor", cfg.Auth.SignatureSecret)
	require.Equal(t, int64(1024), cfg.Delivery.InlineThreshold)
	require.Equal(t, 512, cfg.Delivery.ChunkSize)
	require.Equal(t, 90*time.Second, cfg.Lease.TTL)
	require.Equal(t, []string{"box", "drive"}, cfg.Providers.Keys)
	require.Equal(t, "https://docs.example.com", cfg.Links.PublicURL)
	require.Equal(t, []DirectoryUser{{ID: "alice", Name: "Alice Doe"}, {ID: "vic", Visitor: true}}, cfg.Directory.Users)
	require.Equal(t, []string{"alice", "vic"}, cfg.Directory.Groups[0].Members)
	require.Equal(t, []string{"t-late"}, cfg.Tenants.Unpaid)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "logging:\n  level: info\n")
	t.Setenv("RELAYDOCS_LOGGING_LEVEL", "warn")
	t.Setenv("RELAYDOCS_DELIVERY_CHUNK_SIZE", "4096")
	t.Setenv("RELAYDOCS_AUTH_JWT_SECRET", "from-env")
	t.Setenv("RELAYDOCS_EDITOR_SESSION_TIMEOUT", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "WARN", cfg.Logging.Level)
	require.Equal(t, 4096, cfg.Delivery.ChunkSize)
	require.Equal(t, "from-env", cfg.Auth.JWTSecret)
	require.Equal(t, 45*time.Second, cfg.Editor.SessionTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"bad level":        "logging:\n  level: loud\n",
		"bad format":       "logging:\n  format: xml\n",
		"handler path":     "server:\n  file_handler_path: files\n",
		"metadata scheme":  "metadata:\n  dsn: mongodb://x\n",
		"lease scheme":     "lease:\n  dsn: etcd://x\n",
		"cache scheme":     "projects:\n  cache_dsn: badger:///tmp/x\n",
		"keys need bridge": "providers:\n  keys: [box]\n",
		"half s3 keys":     "content:\n  s3:\n    access_key: a\n",
		"chunk too large":  "delivery:\n  inline_threshold: 100\n  chunk_size: 200\n",
		"bad url":          "links:\n  public_url: not a url\n",
		"user without id":  "directory:\n  users:\n    - name: Nobody\n",
		"invalid yaml":     "logging:\n  level: INFO\n  nope [[[\n",
	}
	t.Setenv("RELAYDOCS_AUTH_JWT_SECRET", "s1")
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), body))
			require.Error(t, err)
		})
	}
}

func TestContentDSNMergesS3Section(t *testing.T) {
	cfg := &Config{Content: ContentConfig{
		DSN: "s3://docs/prefix?region=eu-west-1",
		S3: S3Config{
			Region:    "us-east-1",
			Endpoint:  "http://minio:9000",
			AccessKey: "ak",
			SecretKey: "sk",
			PathStyle: true,
		},
	}}
	parsed, err := url.Parse(cfg.ContentDSN())
	require.NoError(t, err)
	require.Equal(t, "docs", parsed.Host)
	q := parsed.Query()
	require.Equal(t, "eu-west-1", q.Get("region"))
	require.Equal(t, "http://minio:9000", q.Get("endpoint"))
	require.Equal(t, "ak", q.Get("access_key"))
	require.Equal(t, "true", q.Get("path_style"))

	cfg.Content.DSN = "file:///var/lib/relaydocs"
	require.Equal(t, "file:///var/lib/relaydocs", cfg.ContentDSN())
}

func TestWatchReloadsOnChange(t *testing.T) {
	t.Setenv("RELAYDOCS_AUTH_JWT_SECRET", "s1")
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config, err error) {
			if err == nil {
				changes <- cfg
			}
		})
	}()

	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte("logging:\n  level: error\n"), 0o644); err != nil {
			return false
		}
		select {
		case cfg := <-changes:
			return cfg.Logging.Level == "ERROR"
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
