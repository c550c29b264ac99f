package test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kenneth/media-relay/internal/config"
	"github.com/kenneth/media-relay/internal/s3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRelay_MinIO relays sealed media into a real S3 store and downloads it back
// through the issued URL.
func TestRelay_MinIO(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	minioServer := StartMinIOServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	storage, err := s3.NewClient(ctx, minioServer.StorageConfig(), logger, nil)
	require.NoError(t, err)
	require.NoError(t, storage.EnsureBucket(ctx))
	require.NoError(t, storage.EnsureBucket(ctx), "EnsureBucket must be idempotent")
	require.NoError(t, storage.HealthCheck(ctx))

	relayServer := StartRelay(t, storage, 10*time.Second)

	tests := []struct {
		name      string
		size      int
		mediaType string
		mimeType  string
		pattern   string
	}{
		{
			name:      "single put",
			size:      48 * 1024,
			mediaType: "imageMessage",
			mimeType:  "image/jpeg",
			pattern:   `^whatsapp-media/integration/5511999999999@s\.whatsapp\.net/imageMessage/\d+\.jpg$`,
		},
		{
			name:      "multipart",
			size:      2*config.MinPartSize + 123,
			mediaType: "videoMessage",
			mimeType:  "video/mp4",
			pattern:   `^whatsapp-media/integration/5511999999999@s\.whatsapp\.net/videoMessage/\d+\.mp4$`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixture := NewFixture(t, tt.size, tt.mediaType)
			origin := httptest.NewServer(ServeFixture(fixture))
			defer origin.Close()

			resp := relayServer.Relay(t, fixture, origin.URL+MediaPath, tt.mimeType)
			require.Equal(t, http.StatusOK, resp.Status, "relay failed: %s at %s", resp.Error, resp.Stage)
			assert.True(t, resp.Success)
			assert.Regexp(t, regexp.MustCompile(tt.pattern), resp.FileName)
			assert.Equal(t, 3600, resp.ExpiresIn)
			require.NoError(t, s3.ValidatePresignedURL(resp.URL, minioServer.SecretKey, time.Now()))

			get, err := http.Get(resp.URL)
			require.NoError(t, err)
			defer get.Body.Close()
			require.Equal(t, http.StatusOK, get.StatusCode)
			assert.Equal(t, tt.mimeType, get.Header.Get("Content-Type"))

			got, err := io.ReadAll(get.Body)
			require.NoError(t, err)
			assert.Equal(t, len(fixture.Plaintext), len(got))
			assert.True(t, bytes.Equal(fixture.Plaintext, got), "downloaded media differs from plaintext")
		})
	}

	t.Run("tampered multipart is aborted", func(t *testing.T) {
		fixture := NewFixture(t, 2*config.MinPartSize+7, "documentMessage")
		fixture.Sealed[len(fixture.Sealed)-1] ^= 0xff
		origin := httptest.NewServer(ServeFixture(fixture))
		defer origin.Close()

		resp := relayServer.Relay(t, fixture, origin.URL+MediaPath, "application/pdf")
		assert.Equal(t, http.StatusBadGateway, resp.Status)
		assert.Equal(t, "DecryptionFailed", resp.Error)
		assert.Equal(t, "Uploading", resp.Stage)

		api := directClient(minioServer)
		uploads, err := api.ListMultipartUploads(ctx, &awss3.ListMultipartUploadsInput{
			Bucket: aws.String(minioServer.Bucket),
		})
		require.NoError(t, err)
		assert.Empty(t, uploads.Uploads, "incomplete multipart uploads left behind")

		objects, err := api.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket: aws.String(minioServer.Bucket),
			Prefix: aws.String("whatsapp-media/integration/5511999999999@s.whatsapp.net/documentMessage/"),
		})
		require.NoError(t, err)
		assert.Empty(t, objects.Contents, "tampered media must not be stored")
	})
}

// TestIssue_MinIOExpiry checks that the store itself enforces the signed window.
func TestIssue_MinIOExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	minioServer := StartMinIOServer(t)
	ctx := context.Background()

	cfg := minioServer.StorageConfig()
	cfg.VerifySignedURLs = false
	storage, err := s3.NewClient(ctx, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, storage.EnsureBucket(ctx))

	_, err = storage.Upload(ctx, "expiry/short-lived.txt", strings.NewReader("short-lived"), "text/plain", nil)
	require.NoError(t, err)

	signed, err := storage.Issue(ctx, "expiry/short-lived.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, signed.TTL)

	time.Sleep(2 * time.Second)
	resp, err := http.Get(signed.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err = storage.Issue(ctx, "expiry/short-lived.txt", config.MaxSignedURLTTL+1)
	assert.ErrorIs(t, err, s3.ErrInvalidTTL)
}

func directClient(m *MinIOTestServer) *awss3.Client {
	return awss3.New(awss3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(m.Endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(m.AccessKey, m.SecretKey, ""),
	})
}
