package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
port: 8080
log_level: debug
media:
  fetch_timeout: 10s
storage:
  provider: minio
  endpoint: http://localhost:9000
  bucket: media
  access_key: minioadmin
  secret_key: minioadmin
  use_path_style: true
  part_size: 6291456
  signed_url_ttl: 600
audit:
  enabled: true
  sink:
    type: file
    file_path: /tmp/audit.log
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "whatsapp-media", cfg.Storage.Folder)
	assert.Equal(t, int64(DefaultPartSize), cfg.Storage.PartSize)
	assert.Equal(t, 3600, cfg.Storage.SignedURLTTL)
	assert.True(t, cfg.Storage.VerifySignedURLs)
	assert.False(t, cfg.Storage.EnsureBucket)
	assert.Equal(t, ":3000", cfg.ListenAddr())
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.Media.FetchTimeout)
	assert.Equal(t, "minio", cfg.Storage.Provider)
	assert.Equal(t, "media", cfg.Storage.Bucket)
	assert.Equal(t, int64(6291456), cfg.Storage.PartSize)
	assert.Equal(t, 600, cfg.Storage.SignedURLTTL)
	require.NotNil(t, cfg.Storage.UsePathStyle)
	assert.True(t, cfg.Storage.PathStyle())
	// Untouched keys keep their defaults.
	assert.Equal(t, "whatsapp-media", cfg.Storage.Folder)
	assert.True(t, cfg.Storage.VerifySignedURLs)
	assert.Equal(t, "file", cfg.Audit.Sink.Type)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("S3_BUCKET", "from-env")
	t.Setenv("SIGNED_URL_EXPIRE", "120")
	t.Setenv("PORT", "9090")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://*.example.org")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Storage.Bucket)
	assert.Equal(t, 120, cfg.Storage.SignedURLTTL)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, []string{"https://app.example.com", "https://*.example.org"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("S3_BUCKET", "bucket")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("S3_FOLDER", "relayed")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "bucket", cfg.Storage.Bucket)
	assert.Equal(t, "eu-west-1", cfg.Storage.Region)
	assert.Equal(t, "AKID", cfg.Storage.AccessKey)
	assert.Equal(t, "relayed", cfg.Storage.Folder)
	assert.Nil(t, cfg.Storage.UsePathStyle, "path style stays unset when not configured")
}

func TestLoad_PathStyleFromEnv(t *testing.T) {
	t.Setenv("S3_BUCKET", "bucket")
	t.Setenv("S3_ENDPOINT", "http://minio:9000")
	t.Setenv("S3_FORCE_PATH_STYLE", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	require.NotNil(t, cfg.Storage.UsePathStyle)
	assert.False(t, cfg.Storage.PathStyle())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "port: [not an int"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Storage.Bucket = "media"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing bucket", func(c *Config) { c.Storage.Bucket = "" }, "storage.bucket"},
		{"half credentials", func(c *Config) { c.Storage.AccessKey = "AKID" }, "set together"},
		{"part too small", func(c *Config) { c.Storage.PartSize = 1024 }, "part_size"},
		{"ttl zero", func(c *Config) { c.Storage.SignedURLTTL = 0 }, "signed_url_ttl"},
		{"ttl above seven days", func(c *Config) { c.Storage.SignedURLTTL = MaxSignedURLTTL + 1 }, "signed_url_ttl"},
		{"ttl at seven days", func(c *Config) { c.Storage.SignedURLTTL = MaxSignedURLTTL }, ""},
		{"folder with slash", func(c *Config) { c.Storage.Folder = "a/b" }, "storage.folder"},
		{"empty folder uses default", func(c *Config) { c.Storage.Folder = "" }, ""},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero fetch timeout", func(c *Config) { c.Media.FetchTimeout = 0 }, "fetch_timeout"},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, "tracing.exporter"},
		{"file sink without path", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.Sink.Type = "file"
		}, "file_path"},
		{"unknown sink", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.Sink.Type = "kafka"
		}, "unknown audit sink"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	var reloaded atomic.Pointer[Config]
	w, err := NewWatcher(path, logger, func(cfg *Config) { reloaded.Store(cfg) })
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	updated := sampleConfig + "\nlog_format: text\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		cfg := reloaded.Load()
		return cfg != nil && cfg.LogFormat == "text"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_IgnoresInvalidChange(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	var calls atomic.Int32
	w, err := NewWatcher(path, logger, func(*Config) { calls.Add(1) })
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(path, []byte("storage: {part_size: 1}\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestNewWatcher_Errors(t *testing.T) {
	_, err := NewWatcher("", nil, func(*Config) {})
	assert.Error(t, err)
	_, err = NewWatcher("config.yaml", nil, nil)
	assert.Error(t, err)
}

func TestApplyLogLevel(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetOutput(os.Stderr)

	ApplyLogLevel(logger, &Config{LogLevel: "debug"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	ApplyLogLevel(logger, &Config{LogLevel: "bogus"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}
