package test

import (
	"context"
	"testing"
	"time"

	"github.com/kenneth/media-relay/internal/config"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

const minioImage = "minio/minio:RELEASE.2024-01-16T16-07-38Z"

// MinIOTestServer is a MinIO container started for one test.
type MinIOTestServer struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// StartMinIOServer starts MinIO in Docker and terminates it when the test ends.
// The test is skipped when no container runtime is available.
func StartMinIOServer(t *testing.T) *MinIOTestServer {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	server := &MinIOTestServer{
		AccessKey: "relay-test",
		SecretKey: "relay-test-secret",
		Bucket:    "whatsapp-media",
	}
	container, err := minio.Run(ctx, minioImage,
		minio.WithUsername(server.AccessKey),
		minio.WithPassword(server.SecretKey),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("Failed to start MinIO container: %v", err)
	}

	addr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to resolve MinIO address: %v", err)
	}
	server.Endpoint = "http://" + addr
	return server
}

// StorageConfig returns storage settings pointing at the container.
func (s *MinIOTestServer) StorageConfig() config.StorageConfig {
	return config.StorageConfig{
		Provider:         "minio",
		Endpoint:         s.Endpoint,
		Region:           "us-east-1",
		Bucket:           s.Bucket,
		AccessKey:        s.AccessKey,
		SecretKey:        s.SecretKey,
		PartSize:         config.MinPartSize,
		AbortTimeout:     10 * time.Second,
		SignedURLTTL:     3600,
		VerifySignedURLs: true,
		EnsureBucket:     true,
	}
}
