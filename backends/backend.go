// Package backends implements the cold-storage destinations a committed
// segment can be archived to once a merge lands it on local disk.
package backends

import (
	"fmt"
	"time"
)

// Backend archives a committed segment file to durable storage. Every
// concrete backend satisfies compactor.ArchiveBackend directly: Archive is
// keyed by the segment's own path on local disk, not by a time range or an
// individual record, since a segment is archived whole once it is sealed
// and committed.
type Backend interface {
	// Archive copies the segment file at path to the backend's storage,
	// keyed by the segment's base filename. It must be safe to call again
	// for the same path after a prior failure.
	Archive(path string) error

	// Name returns the backend's identity, used as the label for metrics
	// and circuit breakers and to disambiguate multiple backends of the
	// same kind.
	Name() string

	// Close releases any resources (clients, open handles) held by the
	// backend.
	Close() error
}

// IntegrityReport contains archive verification results.
type IntegrityReport struct {
	Timestamp       time.Time `json:"timestamp"`
	Backend         string    `json:"backend"`
	TotalSegments   int64     `json:"total_segments"`
	VerifiedSegments int64    `json:"verified_segments"`
	CorruptSegments int64     `json:"corrupt_segments"`
	Valid           bool      `json:"valid"`
	Errors          []string  `json:"errors,omitempty"`
}

// Config defines backend configuration.
type Config interface {
	Type() string
	Validate() error
}

// FilesystemConfig configures a filesystem archive backend.
type FilesystemConfig struct {
	Path     string `json:"path"`
	Compress bool   `json:"compress"` // gzip segments as they land
	Shadow   bool   `json:"shadow"`   // keep a redundant shadow copy
}

func (c FilesystemConfig) Type() string {
	return "filesystem"
}

func (c FilesystemConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// S3Config configures an S3 archive backend.
type S3Config struct {
	Bucket               string `json:"bucket"`
	Region               string `json:"region"`
	Prefix               string `json:"prefix"`
	StorageClass         string `json:"storage_class"`
	ServerSideEncryption bool   `json:"server_side_encryption"`
	ObjectLock           bool   `json:"object_lock"`
	RetentionDays        int    `json:"retention_days"`
}

func (c S3Config) Type() string {
	return "s3"
}

func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	return nil
}

// AzureConfig configures an Azure Blob Storage archive backend.
type AzureConfig struct {
	Container        string `json:"container"`
	ConnectionString string `json:"connection_string"`
	Prefix           string `json:"prefix"`
	AccessTier       string `json:"access_tier"`
	Immutable        bool   `json:"immutable"`
	RetentionDays    int    `json:"retention_days"`
}

func (c AzureConfig) Type() string {
	return "azure"
}

func (c AzureConfig) Validate() error {
	if c.Container == "" {
		return fmt.Errorf("container is required")
	}
	if c.ConnectionString == "" {
		return fmt.Errorf("connection string is required")
	}
	return nil
}

// GCSConfig configures a Google Cloud Storage archive backend.
type GCSConfig struct {
	Bucket          string `json:"bucket"`
	ProjectID       string `json:"project_id"`
	Region          string `json:"region"`
	Prefix          string `json:"prefix"`
	StorageClass    string `json:"storage_class"`
	CredentialsFile string `json:"credentials_file"`
	RetentionDays   int    `json:"retention_days"`
}

func (c GCSConfig) Type() string {
	return "gcs"
}

func (c GCSConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.ProjectID == "" {
		return fmt.Errorf("project ID is required")
	}
	return nil
}

// Create builds a backend from configuration.
func Create(config Config) (Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	switch cfg := config.(type) {
	case FilesystemConfig:
		return NewFilesystemBackend(cfg)
	case S3Config:
		return NewS3Backend(cfg)
	case AzureConfig:
		return NewAzureBackend(cfg)
	case GCSConfig:
		return NewGCSBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", config.Type())
	}
}

// BackendError represents a backend-specific error.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
