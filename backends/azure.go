package backends

import (
	"bytes"
	"compress/gzip"
	"context"
	// #nosec G501 - MD5 used for checksums not security
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureBackend archives committed segments to Azure Blob Storage, with
// optional gzip compression, access tiering, and retention metadata for
// compliance-retained archives.
type AzureBackend struct {
	containerURL  azblob.ContainerURL
	lastArchive   time.Time
	uploadedBlobs map[string]string
	config        AzureConfig
	archiveCount  int64
	closed        atomic.Bool
	mu            sync.Mutex
}

// NewAzureBackend creates a new Azure archive backend
func NewAzureBackend(cfg AzureConfig) (*AzureBackend, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("azure connection string is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure container name is required")
	}

	accountName, accountKey, err := parseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	u, _ := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net/%s", accountName, cfg.Container))
	containerURL := azblob.NewContainerURL(*u, pipeline)

	ab := &AzureBackend{
		config:        cfg,
		containerURL:  containerURL,
		lastArchive:   time.Now(),
		uploadedBlobs: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = containerURL.GetProperties(ctx, azblob.LeaseAccessConditions{})
	if err != nil {
		_, createErr := containerURL.Create(ctx, azblob.Metadata{}, azblob.PublicAccessNone)
		if createErr != nil && !isAlreadyExistsError(createErr) {
			return nil, fmt.Errorf("container verification failed: %w", err)
		}
	}

	return ab, nil
}

// parseConnectionString extracts account name and key from connection string
func parseConnectionString(connStr string) (accountName, accountKey string, err error) {
	parts := bytes.Split([]byte(connStr), []byte(";"))
	for _, part := range parts {
		if bytes.HasPrefix(part, []byte("AccountName=")) {
			accountName = string(bytes.TrimPrefix(part, []byte("AccountName=")))
		} else if bytes.HasPrefix(part, []byte("AccountKey=")) {
			accountKey = string(bytes.TrimPrefix(part, []byte("AccountKey=")))
		}
	}

	if accountName == "" || accountKey == "" {
		return "", "", fmt.Errorf("connection string must contain AccountName and AccountKey")
	}

	return accountName, accountKey, nil
}

// isAlreadyExistsError checks if error is because container already exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	return bytes.Contains([]byte(err.Error()), []byte("409")) ||
		bytes.Contains([]byte(err.Error()), []byte("already exists"))
}

// Archive uploads the segment at path as a blob, keyed by its base filename.
func (ab *AzureBackend) Archive(path string) error {
	if ab.closed.Load() {
		return &BackendError{Backend: "azure", Op: "archive", Err: fmt.Errorf("backend closed")}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &BackendError{Backend: "azure", Op: "archive", Err: err}
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()

	if err := ab.upload(filepath.Base(path), data); err != nil {
		return &BackendError{Backend: "azure", Op: "upload", Err: err}
	}

	ab.lastArchive = time.Now()
	atomic.AddInt64(&ab.archiveCount, 1)
	return nil
}

// upload compresses and pushes one segment's bytes to blob storage (must be
// called with the lock held).
func (ab *AzureBackend) upload(segmentName string, raw []byte) error {
	blobName := segmentName + ".gz"
	if ab.config.Prefix != "" {
		blobName = fmt.Sprintf("%s/%s", ab.config.Prefix, blobName)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return fmt.Errorf("failed to compress segment: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("failed to compress segment: %w", err)
	}

	data := buf.Bytes()
	// #nosec G401 - MD5 used for integrity verification not cryptographic security
	md5Hash := md5.Sum(data)
	md5String := base64.StdEncoding.EncodeToString(md5Hash[:])

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	blobURL := ab.containerURL.NewBlockBlobURL(blobName)

	options := azblob.UploadToBlockBlobOptions{
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType:     "application/gzip",
			ContentMD5:      md5Hash[:],
			ContentEncoding: "gzip",
		},
		Metadata: azblob.Metadata{
			"segment":   segmentName,
			"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		},
	}

	if _, err := azblob.UploadBufferToBlockBlob(ctx, data, blobURL, options); err != nil {
		return fmt.Errorf("failed to upload blob: %w", err)
	}

	ab.uploadedBlobs[blobName] = md5String

	if ab.config.AccessTier != "" {
		var tier azblob.AccessTierType
		switch ab.config.AccessTier {
		case "hot":
			tier = azblob.AccessTierHot
		case "cool":
			tier = azblob.AccessTierCool
		case "archive":
			tier = azblob.AccessTierArchive
		default:
			tier = azblob.AccessTierHot
		}

		if _, err := blobURL.SetTier(ctx, tier, azblob.LeaseAccessConditions{}, azblob.RehydratePriorityNone); err != nil {
			fmt.Printf("warning: failed to set access tier: %v\n", err)
		}
	}

	if ab.config.Immutable && ab.config.RetentionDays > 0 {
		metadata := azblob.Metadata{
			"retention-days": fmt.Sprintf("%d", ab.config.RetentionDays),
			"immutable":      "true",
		}
		if _, err := blobURL.SetMetadata(ctx, metadata, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{}); err != nil {
			fmt.Printf("warning: failed to set retention metadata: %v\n", err)
		}
	}

	return nil
}

// VerifyIntegrity verifies the MD5 hash and (if configured) the immutability
// state of every archived blob under the backend's prefix.
func (ab *AzureBackend) VerifyIntegrity() (*IntegrityReport, error) {
	report := &IntegrityReport{
		Valid:  true,
		Errors: make([]string, 0),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for marker := (azblob.Marker{}); marker.NotDone(); {
		listBlob, err := ab.containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: ab.config.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}

		marker = listBlob.NextMarker

		for _, blobItem := range listBlob.Segment.BlobItems {
			report.TotalSegments++

			blobURL := ab.containerURL.NewBlockBlobURL(blobItem.Name)
			props, err := blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("failed to get properties for %s: %v", blobItem.Name, err))
				report.Valid = false
				continue
			}

			if storedHash, exists := ab.uploadedBlobs[blobItem.Name]; exists {
				blobMD5 := base64.StdEncoding.EncodeToString(props.ContentMD5())
				if blobMD5 != storedHash {
					report.Errors = append(report.Errors, fmt.Sprintf("MD5 mismatch for %s: expected %s, got %s",
						blobItem.Name, storedHash, blobMD5))
					report.Valid = false
					continue
				}
			}

			if ab.config.Immutable && props.BlobCommittedBlockCount() == 0 {
				report.Errors = append(report.Errors, fmt.Sprintf("blob %s is not in committed state", blobItem.Name))
				report.Valid = false
				continue
			}

			report.VerifiedSegments++
		}
	}

	return report, nil
}

// Close closes the Azure backend.
func (ab *AzureBackend) Close() error {
	ab.closed.Store(true)
	return nil
}

// Name returns the backend name
func (ab *AzureBackend) Name() string {
	return fmt.Sprintf("azure[%s]", ab.config.Container)
}
