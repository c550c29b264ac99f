package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/kenneth/media-relay/internal/config"
	"github.com/sirupsen/logrus"
)

// maxParts is the S3 limit on parts per multipart upload.
const maxParts = 10000

var (
	// ErrUploadFailed wraps every failure to store an object.
	ErrUploadFailed = errors.New("upload failed")
	// ErrInvalidTTL is returned when a signed URL lifetime is out of range.
	ErrInvalidTTL = errors.New("invalid signed url ttl")
)

// Client is the object storage client used by the relay.
type Client interface {
	// Upload streams body into key. Partial uploads are aborted on any error.
	Upload(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) (*UploadInfo, error)
	// Issue returns a presigned GET URL for key valid for ttlSeconds.
	Issue(ctx context.Context, key string, ttlSeconds int) (*SignedURL, error)
	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context) error
	// HealthCheck verifies the bucket is reachable.
	HealthCheck(ctx context.Context) error
	Bucket() string
}

// API is the subset of the S3 SDK client the relay calls.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Presigner signs GetObject requests.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// OperationRecorder receives S3 call timings and failures.
type OperationRecorder interface {
	RecordS3Operation(ctx context.Context, operation, bucket string, duration time.Duration)
	RecordS3Error(ctx context.Context, operation, bucket, errorType string)
}

// UploadInfo describes a completed upload.
type UploadInfo struct {
	Bucket string
	Key    string
	Size   int64
	Parts  int
	ETag   string
}

// SignedURL is a presigned GET URL.
type SignedURL struct {
	URL       string
	TTL       int
	ExpiresAt time.Time
}

// Options configures a Client built with New.
type Options struct {
	Bucket           string
	Region           string
	PartSize         int
	DefaultTTL       int
	AbortTimeout     time.Duration
	VerifySignedURLs bool
	// Credentials supply the secret used to verify issued URLs.
	Credentials aws.CredentialsProvider
	Logger      *logrus.Logger
	Recorder    OperationRecorder
	Now         func() time.Time
}

type s3Client struct {
	api          API
	presigner    Presigner
	bucket       string
	region       string
	defaultTTL   int
	abortTimeout time.Duration
	verify       bool
	credentials  aws.CredentialsProvider
	pool         *PartPool
	logger       *logrus.Logger
	recorder     OperationRecorder
	now          func() time.Time
}

// New creates a Client over an S3 API implementation.
func New(api API, presigner Presigner, opts Options) Client {
	if opts.PartSize < config.MinPartSize {
		opts.PartSize = config.DefaultPartSize
	}
	if opts.AbortTimeout <= 0 {
		opts.AbortTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &s3Client{
		api:          api,
		presigner:    presigner,
		bucket:       opts.Bucket,
		region:       opts.Region,
		defaultTTL:   opts.DefaultTTL,
		abortTimeout: opts.AbortTimeout,
		verify:       opts.VerifySignedURLs,
		credentials:  opts.Credentials,
		pool:         NewPartPool(opts.PartSize),
		logger:       opts.Logger,
		recorder:     opts.Recorder,
		now:          opts.Now,
	}
}

// NewClient creates a Client backed by the AWS SDK from storage configuration.
func NewClient(ctx context.Context, cfg config.StorageConfig, logger *logrus.Logger, recorder OperationRecorder) (Client, error) {
	if err := ApplyProvider(&cfg); err != nil {
		return nil, fmt.Errorf("invalid storage provider settings: %w", err)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		// Third-party stores do not all accept the SDK's default trailing checksums.
		loadOpts = append(loadOpts, awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle()
	})

	return New(client, s3.NewPresignClient(client), Options{
		Bucket:           cfg.Bucket,
		Region:           cfg.Region,
		PartSize:         int(cfg.PartSize),
		DefaultTTL:       cfg.SignedURLTTL,
		AbortTimeout:     cfg.AbortTimeout,
		VerifySignedURLs: cfg.VerifySignedURLs,
		Credentials:      awsCfg.Credentials,
		Logger:           logger,
		Recorder:         recorder,
	}), nil
}

func (c *s3Client) Bucket() string {
	return c.bucket
}

// Upload reads body in part-sized chunks. A body that fits in one part is
// stored with a single PutObject; larger bodies use a multipart upload that
// is aborted on any read or write failure so no partial object is visible.
func (c *s3Client) Upload(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) (*UploadInfo, error) {
	buf := c.pool.Get()
	defer c.pool.Put(buf)

	n, err := io.ReadFull(body, buf)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return c.putObject(ctx, key, buf[:n], contentType, metadata)
	case err != nil:
		return nil, fmt.Errorf("%w: reading %s: %w", ErrUploadFailed, key, err)
	}

	return c.multipartUpload(ctx, key, body, buf, contentType, metadata)
}

func (c *s3Client) putObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (*UploadInfo, error) {
	start := time.Now()
	out, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   contentTypeOrNil(contentType),
		Metadata:      metadata,
	})
	c.record(ctx, "PutObject", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: put object %s/%s: %w", ErrUploadFailed, c.bucket, key, err)
	}

	return &UploadInfo{
		Bucket: c.bucket,
		Key:    key,
		Size:   int64(len(data)),
		Parts:  1,
		ETag:   aws.ToString(out.ETag),
	}, nil
}

// multipartUpload uploads buf, which holds a full first part, followed by the
// rest of body.
func (c *s3Client) multipartUpload(ctx context.Context, key string, body io.Reader, buf []byte, contentType string, metadata map[string]string) (*UploadInfo, error) {
	start := time.Now()
	created, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: contentTypeOrNil(contentType),
		Metadata:    metadata,
	})
	c.record(ctx, "CreateMultipartUpload", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: create multipart upload %s/%s: %w", ErrUploadFailed, c.bucket, key, err)
	}
	uploadID := aws.ToString(created.UploadId)

	var (
		parts []types.CompletedPart
		size  int64
		n     = len(buf)
	)
	for partNumber := int32(1); ; partNumber++ {
		if partNumber > maxParts {
			c.abort(ctx, key, uploadID)
			return nil, fmt.Errorf("%w: %s exceeds %d parts", ErrUploadFailed, key, maxParts)
		}

		etag, err := c.uploadPart(ctx, key, uploadID, partNumber, buf[:n])
		if err != nil {
			c.abort(ctx, key, uploadID)
			return nil, err
		}
		parts = append(parts, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(partNumber)})
		size += int64(n)

		if n < len(buf) {
			break // short part is the last one
		}

		var readErr error
		n, readErr = io.ReadFull(body, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			c.abort(ctx, key, uploadID)
			return nil, fmt.Errorf("%w: reading %s: %w", ErrUploadFailed, key, readErr)
		}
	}

	start = time.Now()
	out, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	c.record(ctx, "CompleteMultipartUpload", start, err)
	if err != nil {
		c.abort(ctx, key, uploadID)
		return nil, fmt.Errorf("%w: complete multipart upload %s/%s: %w", ErrUploadFailed, c.bucket, key, err)
	}

	return &UploadInfo{
		Bucket: c.bucket,
		Key:    key,
		Size:   size,
		Parts:  len(parts),
		ETag:   aws.ToString(out.ETag),
	}, nil
}

func (c *s3Client) uploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (*string, error) {
	start := time.Now()
	out, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	c.record(ctx, "UploadPart", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: upload part %d of %s: %w", ErrUploadFailed, partNumber, key, err)
	}
	return out.ETag, nil
}

// abort cancels a multipart upload. It runs on a context detached from the
// caller so a cancelled request still releases the stored parts.
func (c *s3Client) abort(ctx context.Context, key, uploadID string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.abortTimeout)
	defer cancel()

	start := time.Now()
	_, err := c.api.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	c.record(abortCtx, "AbortMultipartUpload", start, err)

	fields := logrus.Fields{"bucket": c.bucket, "object_key": key, "upload_id": uploadID}
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Error("Failed to abort multipart upload")
		return
	}
	c.logger.WithFields(fields).Warn("Aborted multipart upload")
}

// Issue presigns a GET for key. A ttlSeconds of zero selects the configured default;
// negative values are rejected.
func (c *s3Client) Issue(ctx context.Context, key string, ttlSeconds int) (*SignedURL, error) {
	ttl := ttlSeconds
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if ttl <= 0 || ttl > config.MaxSignedURLTTL {
		return nil, fmt.Errorf("%w: %d seconds (must be 1..%d)", ErrInvalidTTL, ttl, config.MaxSignedURLTTL)
	}

	start := time.Now()
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(time.Duration(ttl)*time.Second))
	c.record(ctx, "PresignGetObject", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to presign %s/%s: %w", c.bucket, key, err)
	}

	expiresAt, err := PresignedExpiry(req.URL)
	if err != nil {
		return nil, fmt.Errorf("presigned url for %s is malformed: %w", key, err)
	}

	if c.verify && c.credentials != nil {
		creds, err := c.credentials.Retrieve(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve credentials: %w", err)
		}
		if err := ValidatePresignedURL(req.URL, creds.SecretAccessKey, c.now()); err != nil {
			return nil, fmt.Errorf("issued url for %s failed verification: %w", key, err)
		}
	}

	return &SignedURL{URL: req.URL, TTL: ttl, ExpiresAt: expiresAt}, nil
}

func (c *s3Client) HealthCheck(ctx context.Context) error {
	start := time.Now()
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	c.record(ctx, "HeadBucket", start, err)
	if err != nil {
		return fmt.Errorf("bucket %s not reachable: %w", c.bucket, err)
	}
	return nil
}

func (c *s3Client) EnsureBucket(ctx context.Context) error {
	err := c.HealthCheck(ctx)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return err
	}

	input := &s3.CreateBucketInput{
		Bucket:          aws.String(c.bucket),
		ObjectOwnership: types.ObjectOwnershipObjectWriter,
	}
	if c.region != "" && c.region != defaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.region),
		}
	}

	start := time.Now()
	_, err = c.api.CreateBucket(ctx, input)
	c.record(ctx, "CreateBucket", start, err)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
	}
	c.logger.WithField("bucket", c.bucket).Info("Created bucket")
	return nil
}

func (c *s3Client) record(ctx context.Context, operation string, start time.Time, err error) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordS3Operation(ctx, operation, c.bucket, time.Since(start))
	if err != nil {
		c.recorder.RecordS3Error(ctx, operation, c.bucket, ErrorType(err))
	}
}

// ErrorType returns a bounded label for an S3 failure: the service error code
// when the backend answered, otherwise a transport category.
func ErrorType(err error) string {
	var apiErr smithy.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.ErrorCode()
	case errors.Is(err, context.Canceled):
		return "Canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	default:
		return "InternalError"
	}
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

func contentTypeOrNil(contentType string) *string {
	if contentType == "" {
		return nil
	}
	return aws.String(contentType)
}
