package backends

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Backend archives committed segments to S3, with optional compression,
// server-side encryption, versioning, and Object Lock retention for
// write-once-read-many archival.
type S3Backend struct {
	lastArchive   time.Time
	client        *s3.Client
	uploader      *manager.Uploader
	downloader    *manager.Downloader
	bucket        string
	prefix        string
	region        string
	storageClass  string
	encryption    string
	kmsKeyID      string
	retentionDays int
	archiveCount  int64
	errorCount    int64
	mu            sync.RWMutex
	closed        atomic.Bool
	objectLock    bool
	compress      bool
	versioning    bool
}

// S3Option configures S3 backend
type S3Option func(*S3Backend)

// WithStorageClass sets the S3 storage class
func WithStorageClass(class string) S3Option {
	return func(s *S3Backend) {
		s.storageClass = class
	}
}

// WithServerSideEncryption enables server-side encryption
func WithServerSideEncryption(algorithm string) S3Option {
	return func(s *S3Backend) {
		s.encryption = algorithm
	}
}

// WithKMSKeyID sets the KMS key for encryption
func WithKMSKeyID(keyID string) S3Option {
	return func(s *S3Backend) {
		s.kmsKeyID = keyID
	}
}

// WithVersioning enables S3 versioning
func WithVersioning() S3Option {
	return func(s *S3Backend) {
		s.versioning = true
	}
}

// WithObjectLock enables S3 Object Lock for archival retention
func WithObjectLock(retentionDays int) S3Option {
	return func(s *S3Backend) {
		s.objectLock = true
		s.retentionDays = retentionDays
	}
}

// WithCompression enables gzip compression
func WithCompression() S3Option {
	return func(s *S3Backend) {
		s.compress = true
	}
}

// NewS3Backend creates a new S3 archive backend
func NewS3Backend(cfg S3Config, opts ...S3Option) (*S3Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid S3 config: %w", err)
	}

	ctx := context.Background()

	// For testing with MinIO/LocalStack, check for static credentials first
	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
		if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
			configOpts = append(configOpts,
				config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
			)
		}
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if endpoint := getS3Endpoint(); endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(endpoint)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := getS3Endpoint(); endpoint != "" {
			o.UsePathStyle = true
		}
	})

	backend := &S3Backend{
		client:       s3Client,
		uploader:     manager.NewUploader(s3Client),
		downloader:   manager.NewDownloader(s3Client),
		bucket:       cfg.Bucket,
		prefix:       cfg.Prefix,
		region:       cfg.Region,
		storageClass: "STANDARD",
		encryption:   "AES256", // Default to SSE-S3
	}

	for _, opt := range opts {
		opt(backend)
	}

	if cfg.ServerSideEncryption {
		backend.encryption = "AES256"
	}
	if cfg.ObjectLock {
		backend.objectLock = true
		backend.retentionDays = cfg.RetentionDays
	}
	if cfg.StorageClass != "" {
		backend.storageClass = cfg.StorageClass
	}

	if err := backend.verifyBucket(); err != nil {
		return nil, fmt.Errorf("bucket verification failed: %w", err)
	}

	if backend.versioning {
		if err := backend.enableVersioning(); err != nil {
			return nil, fmt.Errorf("failed to enable versioning: %w", err)
		}
	}

	if backend.objectLock {
		if err := backend.configureObjectLock(); err != nil {
			return nil, fmt.Errorf("failed to configure Object Lock: %w", err)
		}
	}

	return backend, nil
}

// Archive uploads the segment at path to S3, keyed by its base filename.
func (s *S3Backend) Archive(path string) error {
	if s.closed.Load() {
		return &BackendError{Backend: "s3", Op: "archive", Err: fmt.Errorf("backend closed")}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &BackendError{Backend: "s3", Op: "archive", Err: err}
	}

	if err := s.uploadWithRetry(path, data, 3); err != nil {
		atomic.AddInt64(&s.errorCount, 1)
		return &BackendError{Backend: "s3", Op: "upload", Err: err}
	}

	s.mu.Lock()
	s.lastArchive = time.Now()
	s.mu.Unlock()
	atomic.AddInt64(&s.archiveCount, 1)
	return nil
}

func (s *S3Backend) objectKey(segmentPath string) string {
	filename := filepath.Base(segmentPath)
	if s.compress {
		filename += ".gz"
	}
	return path.Join(s.prefix, filename)
}

// uploadWithRetry uploads with exponential backoff retry
func (s *S3Backend) uploadWithRetry(segmentPath string, data []byte, maxRetries int) error {
	body := data
	if s.compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return fmt.Errorf("failed to compress: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to compress: %w", err)
		}
		body = buf.Bytes()
	}

	key := s.objectKey(segmentPath)

	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		StorageClass: types.StorageClass(s.storageClass),
		ContentType:  aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"SegmentName": filepath.Base(segmentPath),
			"Compressed":  fmt.Sprintf("%v", s.compress),
		},
	}

	if s.encryption != "" {
		input.ServerSideEncryption = types.ServerSideEncryption(s.encryption)
		if s.kmsKeyID != "" && s.encryption == "aws:kms" {
			input.SSEKMSKeyId = aws.String(s.kmsKeyID)
		}
	}

	if s.objectLock && s.retentionDays > 0 {
		retainUntil := time.Now().AddDate(0, 0, s.retentionDays)
		input.ObjectLockMode = types.ObjectLockModeCompliance
		input.ObjectLockRetainUntilDate = aws.Time(retainUntil)
		input.ObjectLockLegalHoldStatus = types.ObjectLockLegalHoldStatusOff
	}

	var lastErr error
	ctx := context.Background()

	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:                    input.Bucket,
			Key:                       input.Key,
			Body:                      bytes.NewReader(body),
			StorageClass:              input.StorageClass,
			ContentType:               input.ContentType,
			Metadata:                  input.Metadata,
			ServerSideEncryption:      input.ServerSideEncryption,
			SSEKMSKeyId:               input.SSEKMSKeyId,
			ObjectLockMode:            input.ObjectLockMode,
			ObjectLockRetainUntilDate: input.ObjectLockRetainUntilDate,
			ObjectLockLegalHoldStatus: input.ObjectLockLegalHoldStatus,
		})
		if err == nil {
			return nil
		}

		lastErr = err

		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "NoSuchBucket":
				return fmt.Errorf("bucket does not exist: %w", err)
			case "AccessDenied":
				return fmt.Errorf("access denied: %w", err)
			}
		}

		if attempt < maxRetries-1 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			time.Sleep(delay)
		}
	}

	return fmt.Errorf("upload failed after %d attempts: %w", maxRetries, lastErr)
}

// Restore downloads a previously archived segment identified by its base
// filename back to destPath.
func (s *S3Backend) Restore(segmentName, destPath string) error {
	key := path.Join(s.prefix, segmentName)
	if s.compress {
		key += ".gz"
	}

	ctx := context.Background()
	buffer := manager.NewWriteAtBuffer([]byte{})
	if _, err := s.downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return &BackendError{Backend: "s3", Op: "restore", Err: err}
	}

	var reader io.Reader = bytes.NewReader(buffer.Bytes())
	if s.compress {
		gz, err := gzip.NewReader(bytes.NewReader(buffer.Bytes()))
		if err != nil {
			return &BackendError{Backend: "s3", Op: "restore", Err: err}
		}
		defer gz.Close()
		reader = gz
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return &BackendError{Backend: "s3", Op: "restore", Err: err}
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		return &BackendError{Backend: "s3", Op: "restore", Err: err}
	}
	return nil
}

// VerifyIntegrity checks that every archived object under the backend's
// prefix still carries the expected encryption and retention settings.
func (s *S3Backend) VerifyIntegrity() (*IntegrityReport, error) {
	ctx := context.Background()

	report := &IntegrityReport{
		Timestamp: time.Now(),
		Backend:   "s3",
		Valid:     true,
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &BackendError{Backend: "s3", Op: "verify", Err: err}
		}

		for _, obj := range page.Contents {
			report.TotalSegments++

			headOutput, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("failed to head object %s: %v", *obj.Key, err))
				report.Valid = false
				continue
			}

			if s.encryption != "" && headOutput.ServerSideEncryption == "" {
				report.Errors = append(report.Errors, fmt.Sprintf("object %s is not encrypted", *obj.Key))
				report.Valid = false
			}
			if s.objectLock && headOutput.ObjectLockMode == "" {
				report.Errors = append(report.Errors, fmt.Sprintf("object %s does not have Object Lock", *obj.Key))
				report.Valid = false
			}

			report.VerifiedSegments++
		}
	}

	return report, nil
}

// Name returns the backend name
func (s *S3Backend) Name() string {
	return fmt.Sprintf("s3[%s/%s]", s.bucket, s.prefix)
}

// Close closes the backend
func (s *S3Backend) Close() error {
	s.closed.Store(true)
	return nil
}

// verifyBucket verifies the bucket exists and is accessible
func (s *S3Backend) verifyBucket() error {
	ctx := context.Background()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})

	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "NoSuchBucket", "NotFound":
				return s.createBucket()
			}
		}
		return fmt.Errorf("bucket verification failed: %w", err)
	}

	return nil
}

// createBucket creates the S3 bucket
func (s *S3Backend) createBucket() error {
	ctx := context.Background()

	input := &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	}

	if s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}

	if s.objectLock {
		input.ObjectLockEnabledForBucket = aws.Bool(true)
	}

	_, err := s.client.CreateBucket(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
				return nil
			}
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	waiter := s3.NewBucketExistsWaiter(s.client)
	return waiter.Wait(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	}, 2*time.Minute)
}

// enableVersioning enables versioning on the bucket
func (s *S3Backend) enableVersioning() error {
	ctx := context.Background()

	_, err := s.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(s.bucket),
		VersioningConfiguration: &types.VersioningConfiguration{
			Status: types.BucketVersioningStatusEnabled,
		},
	})
	return err
}

// configureObjectLock configures Object Lock on the bucket
func (s *S3Backend) configureObjectLock() error {
	if s.retentionDays <= 0 {
		return nil
	}

	ctx := context.Background()

	const maxRetentionDays = 36500 // 100 years
	if s.retentionDays > maxRetentionDays {
		return fmt.Errorf("retention days %d exceeds maximum %d", s.retentionDays, maxRetentionDays)
	}

	_, err := s.client.PutObjectLockConfiguration(ctx, &s3.PutObjectLockConfigurationInput{
		Bucket: aws.String(s.bucket),
		ObjectLockConfiguration: &types.ObjectLockConfiguration{
			ObjectLockEnabled: types.ObjectLockEnabledEnabled,
			Rule: &types.ObjectLockRule{
				DefaultRetention: &types.DefaultRetention{
					Mode: types.ObjectLockRetentionModeCompliance,
					Days: aws.Int32(int32(s.retentionDays)),
				},
			},
		},
	})
	return err
}

// getS3Endpoint returns the S3 endpoint for testing (e.g., MinIO, LocalStack)
func getS3Endpoint() string {
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	if isMinIORunning("http://localhost:9000") {
		return "http://localhost:9000"
	}
	if isLocalStackRunning("http://localhost:4566") {
		return "http://localhost:4566"
	}

	return ""
}

func isMinIORunning(endpoint string) bool {
	if endpoint == "" {
		return false
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(endpoint + "/minio/health/live")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == 200
}

func isLocalStackRunning(endpoint string) bool {
	if endpoint == "" {
		return false
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(endpoint + "/_localstack/health")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == 200
}

// GetStats returns backend statistics
func (s *S3Backend) GetStats() S3Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return S3Stats{
		ArchiveCount:  atomic.LoadInt64(&s.archiveCount),
		ErrorCount:    atomic.LoadInt64(&s.errorCount),
		LastArchive:   s.lastArchive,
		Bucket:        s.bucket,
		Prefix:        s.prefix,
		ObjectLock:    s.objectLock,
		Versioning:    s.versioning,
		Encryption:    s.encryption != "",
		RetentionDays: s.retentionDays,
	}
}

// S3Stats contains S3 backend statistics
type S3Stats struct {
	LastArchive   time.Time
	Bucket        string
	Prefix        string
	ArchiveCount  int64
	ErrorCount    int64
	RetentionDays int
	ObjectLock    bool
	Versioning    bool
	Encryption    bool
}
