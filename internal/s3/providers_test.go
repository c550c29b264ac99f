package s3

import (
	"testing"

	"github.com/kenneth/media-relay/internal/config"
)

func TestGetProvider(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		wantErr  bool
		check    func(*testing.T, Provider)
	}{
		{
			name:     "AWS provider",
			provider: "aws",
			check: func(t *testing.T, p Provider) {
				if p.Name != "AWS S3" {
					t.Errorf("expected name 'AWS S3', got %s", p.Name)
				}
				if p.PathStyle {
					t.Error("AWS should use virtual-hosted addressing")
				}
			},
		},
		{
			name:     "MinIO provider",
			provider: "minio",
			check: func(t *testing.T, p Provider) {
				if !p.PathStyle {
					t.Error("MinIO should require path-style addressing")
				}
			},
		},
		{
			name:     "Case insensitive",
			provider: "MinIO",
		},
		{
			name:     "Unknown provider",
			provider: "unknown",
			wantErr:  true,
		},
		{
			name:     "Empty provider",
			provider: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := GetProvider(tt.provider)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestApplyProvider(t *testing.T) {
	tests := []struct {
		name          string
		cfg           config.StorageConfig
		wantErr       bool
		wantEndpoint  string
		wantRegion    string
		wantPathStyle bool
	}{
		{
			name:       "no provider keeps SDK resolution",
			cfg:        config.StorageConfig{},
			wantRegion: "us-east-1",
		},
		{
			name:          "MinIO defaults",
			cfg:           config.StorageConfig{Provider: "minio"},
			wantEndpoint:  "http://localhost:9000",
			wantRegion:    "us-east-1",
			wantPathStyle: true,
		},
		{
			name:         "DigitalOcean template",
			cfg:          config.StorageConfig{Provider: "digitalocean", Region: "ams3"},
			wantEndpoint: "https://ams3.digitaloceanspaces.com",
			wantRegion:   "ams3",
		},
		{
			name:         "explicit endpoint wins",
			cfg:          config.StorageConfig{Provider: "wasabi", Endpoint: "s3.eu-central-1.wasabisys.com/"},
			wantEndpoint: "https://s3.eu-central-1.wasabisys.com",
			wantRegion:   "us-east-1",
		},
		{
			name:          "bare custom endpoint defaults to path style",
			cfg:           config.StorageConfig{Endpoint: "http://minio:9000"},
			wantEndpoint:  "http://minio:9000",
			wantRegion:    "us-east-1",
			wantPathStyle: true,
		},
		{
			name:         "explicit virtual-hosted style on custom endpoint wins",
			cfg:          config.StorageConfig{Endpoint: "https://s3.example.com", UsePathStyle: boolPtr(false)},
			wantEndpoint: "https://s3.example.com",
			wantRegion:   "us-east-1",
		},
		{
			name:         "explicit virtual-hosted style overrides preset",
			cfg:          config.StorageConfig{Provider: "minio", Endpoint: "https://minio.example.com", UsePathStyle: boolPtr(false)},
			wantEndpoint: "https://minio.example.com",
			wantRegion:   "us-east-1",
		},
		{
			name:    "R2 needs endpoint",
			cfg:     config.StorageConfig{Provider: "cloudflare"},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			cfg:     config.StorageConfig{Provider: "tape"},
			wantErr: true,
		},
		{
			name:    "bad endpoint scheme",
			cfg:     config.StorageConfig{Endpoint: "ftp://example.com"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := ApplyProvider(&cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Endpoint != tt.wantEndpoint {
				t.Errorf("expected endpoint %q, got %q", tt.wantEndpoint, cfg.Endpoint)
			}
			if cfg.Region != tt.wantRegion {
				t.Errorf("expected region %q, got %q", tt.wantRegion, cfg.Region)
			}
			if cfg.PathStyle() != tt.wantPathStyle {
				t.Errorf("expected path style %v, got %v", tt.wantPathStyle, cfg.PathStyle())
			}
		})
	}
}

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		wantErr  bool
	}{
		{"https://s3.amazonaws.com", false},
		{"http://localhost:9000", false},
		{"ftp://s3.amazonaws.com", true},
		{"https://", true},
	}
	for _, tt := range tests {
		err := ValidateEndpoint(tt.endpoint)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateEndpoint(%q) error = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
		}
	}
}
