package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// MinPartSize is the smallest multipart part S3 accepts (except the last part).
	MinPartSize = 5 * 1024 * 1024
	// MaxPartSize is the largest multipart part S3 accepts.
	MaxPartSize = 5 * 1024 * 1024 * 1024
	// DefaultPartSize is the part size used when none is configured.
	DefaultPartSize = 8 * 1024 * 1024
	// MaxSignedURLTTL is the SigV4 presign ceiling in seconds (7 days).
	MaxSignedURLTTL = 604800
)

// Config holds the relay configuration.
type Config struct {
	Host      string `yaml:"host" env:"HOST"`
	Port      int    `yaml:"port" env:"PORT"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	Server  ServerConfig  `yaml:"server"`
	CORS    CORSConfig    `yaml:"cors"`
	Media   MediaConfig   `yaml:"media"`
	Storage StorageConfig `yaml:"storage"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Audit   AuditConfig   `yaml:"audit"`
}

// ServerConfig holds HTTP server limits.
type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
}

// CORSConfig holds allowed origin patterns. Patterns may use * globs.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ORIGINS" envSeparator:","`
}

// MediaConfig configures the encrypted media origin.
type MediaConfig struct {
	// Host, when set, replaces the scheme and host of every source URL.
	Host         string        `yaml:"host" env:"MEDIA_HOST"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"MEDIA_FETCH_TIMEOUT"`
	ReadSize     int           `yaml:"read_size" env:"MEDIA_READ_SIZE"`
}

// StorageConfig configures the S3 compatible object store.
type StorageConfig struct {
	Provider         string        `yaml:"provider" env:"S3_PROVIDER"`
	Endpoint         string        `yaml:"endpoint" env:"S3_ENDPOINT"`
	Region           string        `yaml:"region" env:"AWS_REGION"`
	Bucket           string        `yaml:"bucket" env:"S3_BUCKET"`
	AccessKey        string        `yaml:"access_key" env:"AWS_ACCESS_KEY_ID"`
	SecretKey        string        `yaml:"secret_key" env:"AWS_SECRET_ACCESS_KEY"`
	// UsePathStyle is nil when unset; see PathStyle.
	UsePathStyle     *bool         `yaml:"use_path_style" env:"S3_FORCE_PATH_STYLE"`
	Folder           string        `yaml:"folder" env:"S3_FOLDER"`
	PartSize         int64         `yaml:"part_size" env:"S3_PART_SIZE"`
	AbortTimeout     time.Duration `yaml:"abort_timeout" env:"S3_ABORT_TIMEOUT"`
	SignedURLTTL     int           `yaml:"signed_url_ttl" env:"SIGNED_URL_EXPIRE"`
	VerifySignedURLs bool          `yaml:"verify_signed_urls" env:"S3_VERIFY_SIGNED_URLS"`
	EnsureBucket     bool          `yaml:"ensure_bucket" env:"S3_ENSURE_BUCKET"`
}

// PathStyle reports whether path-style addressing is on. Unset means off.
func (s StorageConfig) PathStyle() bool {
	return s.UsePathStyle != nil && *s.UsePathStyle
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	Exporter    string  `yaml:"exporter" env:"TRACING_EXPORTER"`
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName string  `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"TRACING_SAMPLE_RATIO"`
}

// MetricsConfig configures the Prometheus exposition.
type MetricsConfig struct {
	Enabled         bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path            string `yaml:"path" env:"METRICS_PATH"`
	EnableExemplars bool   `yaml:"enable_exemplars" env:"METRICS_EXEMPLARS"`
}

// AuditConfig configures relay audit events.
type AuditConfig struct {
	Enabled            bool       `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents          int        `yaml:"max_events" env:"AUDIT_MAX_EVENTS"`
	RedactMetadataKeys []string   `yaml:"redact_metadata_keys" env:"AUDIT_REDACT_KEYS" envSeparator:","`
	Sink               SinkConfig `yaml:"sink"`
}

// SinkConfig configures where audit events are written.
type SinkConfig struct {
	Type          string            `yaml:"type" env:"AUDIT_SINK"`
	Endpoint      string            `yaml:"endpoint" env:"AUDIT_ENDPOINT"`
	Headers       map[string]string `yaml:"headers" env:"AUDIT_HEADERS"`
	FilePath      string            `yaml:"file_path" env:"AUDIT_FILE"`
	BatchSize     int               `yaml:"batch_size" env:"AUDIT_BATCH_SIZE"`
	FlushInterval time.Duration     `yaml:"flush_interval" env:"AUDIT_FLUSH_INTERVAL"`
	RetryCount    int               `yaml:"retry_count" env:"AUDIT_RETRY_COUNT"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff" env:"AUDIT_RETRY_BACKOFF"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		Port:      3000,
		LogLevel:  "info",
		LogFormat: "json",
		Server: ServerConfig{
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    64 * 1024,
		},
		Media: MediaConfig{
			FetchTimeout: 30 * time.Second,
			ReadSize:     64 * 1024,
		},
		Storage: StorageConfig{
			Folder:           "whatsapp-media",
			PartSize:         DefaultPartSize,
			AbortTimeout:     30 * time.Second,
			SignedURLTTL:     3600,
			VerifySignedURLs: true,
		},
		Tracing: TracingConfig{
			Exporter:    "otlp",
			ServiceName: "media-relay",
			SampleRatio: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Audit: AuditConfig{
			MaxEvents: 1000,
			Sink: SinkConfig{
				Type: "stdout",
			},
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Storage.Bucket = strings.TrimSpace(c.Storage.Bucket)
	c.Storage.AccessKey = strings.TrimSpace(c.Storage.AccessKey)
	c.Storage.SecretKey = strings.TrimSpace(c.Storage.SecretKey)
	c.Storage.Endpoint = strings.TrimSpace(c.Storage.Endpoint)
	c.Storage.Folder = strings.TrimSpace(c.Storage.Folder)
	c.Storage.Provider = strings.ToLower(strings.TrimSpace(c.Storage.Provider))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	origins := c.CORS.AllowedOrigins[:0]
	for _, o := range c.CORS.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORS.AllowedOrigins = origins
}

var folderPattern = regexp.MustCompile(`^[A-Za-z0-9\-_]+$`)

// Validate checks the configuration for missing or out of range values.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log_level %q", c.LogLevel))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}

	if c.Media.FetchTimeout <= 0 {
		errs = append(errs, errors.New("media.fetch_timeout must be positive"))
	}

	s := c.Storage
	if s.Bucket == "" {
		errs = append(errs, errors.New("storage.bucket is required (S3_BUCKET)"))
	}
	if (s.AccessKey == "") != (s.SecretKey == "") {
		errs = append(errs, errors.New("storage.access_key and storage.secret_key must be set together"))
	}
	if s.PartSize < MinPartSize || s.PartSize > MaxPartSize {
		errs = append(errs, fmt.Errorf("storage.part_size must be between %d and %d bytes, got %d", MinPartSize, MaxPartSize, s.PartSize))
	}
	if s.SignedURLTTL <= 0 || s.SignedURLTTL > MaxSignedURLTTL {
		errs = append(errs, fmt.Errorf("storage.signed_url_ttl must be between 1 and %d seconds, got %d", MaxSignedURLTTL, s.SignedURLTTL))
	}
	if s.AbortTimeout <= 0 {
		errs = append(errs, errors.New("storage.abort_timeout must be positive"))
	}
	if s.Folder != "" && !folderPattern.MatchString(s.Folder) {
		errs = append(errs, fmt.Errorf("storage.folder must match [A-Za-z0-9-_]+, got %q", s.Folder))
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout":
		default:
			errs = append(errs, fmt.Errorf("tracing.exporter must be otlp or stdout, got %q", c.Tracing.Exporter))
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio))
		}
	}

	if c.Audit.Enabled {
		switch c.Audit.Sink.Type {
		case "stdout", "":
		case "file":
			if c.Audit.Sink.FilePath == "" {
				errs = append(errs, errors.New("audit.sink.file_path is required for the file sink"))
			}
		case "http":
			if c.Audit.Sink.Endpoint == "" {
				errs = append(errs, errors.New("audit.sink.endpoint is required for the http sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown audit sink type: %s", c.Audit.Sink.Type))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ListenAddr returns the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
