package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestS3ConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  S3Config
		wantErr bool
	}{
		{"valid config", S3Config{Bucket: "test-bucket", Region: "us-east-1", Prefix: "segments/"}, false},
		{"missing bucket", S3Config{Region: "us-east-1"}, true},
		{"missing region", S3Config{Bucket: "test-bucket"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAzureConfigValidation(t *testing.T) {
	validConnStr := "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=key;EndpointSuffix=core.windows.net"

	tests := []struct {
		name    string
		config  AzureConfig
		wantErr bool
	}{
		{"valid config", AzureConfig{Container: "test-container", ConnectionString: validConnStr}, false},
		{"missing container", AzureConfig{ConnectionString: validConnStr}, true},
		{"missing connection string", AzureConfig{Container: "test-container"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGCSConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  GCSConfig
		wantErr bool
	}{
		{"valid config", GCSConfig{Bucket: "test-bucket", ProjectID: "test-project"}, false},
		{"missing bucket", GCSConfig{ProjectID: "test-project"}, true},
		{"missing project ID", GCSConfig{Bucket: "test-bucket"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestBackendTypes(t *testing.T) {
	tests := []struct {
		config Config
		typ    string
	}{
		{S3Config{Bucket: "b", Region: "r"}, "s3"},
		{AzureConfig{Container: "c", ConnectionString: "cs"}, "azure"},
		{GCSConfig{Bucket: "b", ProjectID: "p"}, "gcs"},
		{FilesystemConfig{Path: "/tmp"}, "filesystem"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.typ, tt.config.Type())
	}
}

func TestFilesystemBackendArchivesSegment(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()

	segmentPath := filepath.Join(srcDir, "1-1-0.tsfile")
	require.NoError(t, os.WriteFile(segmentPath, []byte("segment-bytes"), 0o644))

	backend, err := Create(FilesystemConfig{Path: archiveDir})
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.Archive(segmentPath))

	archived, err := os.ReadFile(filepath.Join(archiveDir, "1-1-0.tsfile"))
	require.NoError(t, err)
	require.Equal(t, "segment-bytes", string(archived))
}

func TestFilesystemBackendCompressesWhenConfigured(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()

	segmentPath := filepath.Join(srcDir, "1-1-0.tsfile")
	require.NoError(t, os.WriteFile(segmentPath, []byte("segment-bytes"), 0o644))

	backend, err := Create(FilesystemConfig{Path: archiveDir, Compress: true})
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.Archive(segmentPath))

	_, err = os.Stat(filepath.Join(archiveDir, "1-1-0.tsfile.gz"))
	require.NoError(t, err)
}

func TestFilesystemBackendShadowCopy(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()

	segmentPath := filepath.Join(srcDir, "1-1-0.tsfile")
	require.NoError(t, os.WriteFile(segmentPath, []byte("segment-bytes"), 0o644))

	backend, err := Create(FilesystemConfig{Path: archiveDir, Shadow: true})
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.Archive(segmentPath))

	_, err = os.Stat(filepath.Join(archiveDir+".shadow", "1-1-0.tsfile"))
	require.NoError(t, err)
}

func TestFilesystemBackendArchiveAfterCloseFails(t *testing.T) {
	archiveDir := t.TempDir()
	backend, err := Create(FilesystemConfig{Path: archiveDir})
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	err = backend.Archive(filepath.Join(archiveDir, "does-not-matter.tsfile"))
	require.Error(t, err)
}

func TestFilesystemBackendVerifyIntegrity(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()

	segmentPath := filepath.Join(srcDir, "1-1-0.tsfile")
	require.NoError(t, os.WriteFile(segmentPath, []byte("segment-bytes"), 0o644))

	backend, err := Create(FilesystemConfig{Path: archiveDir})
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.Archive(segmentPath))

	fb := backend.(*FilesystemBackend)
	report, err := fb.VerifyIntegrity()
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, int64(1), report.TotalSegments)
	require.Equal(t, int64(1), report.VerifiedSegments)
}
