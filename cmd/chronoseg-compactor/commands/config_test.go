package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronoseg/compactor/segment"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileConfigRequiresRootDir(t *testing.T) {
	path := writeConfig(t, "metrics: true\n")

	_, err := loadFileConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "root_dir")
}

func TestLoadFileConfigParsesSchemaAndArchive(t *testing.T) {
	path := writeConfig(t, `
root_dir: /var/lib/chronoseg/segments
metrics: true
retention_horizon: 1000
schema:
  temperature: float64
  status: text
archive:
  - type: filesystem
    path: /var/lib/chronoseg/archive
    compress: true
`)

	cfg, err := loadFileConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/chronoseg/segments", cfg.RootDir)
	require.True(t, cfg.Metrics)
	require.Equal(t, int64(1000), cfg.RetentionHorizon)
	require.Len(t, cfg.Archive, 1)
	require.Equal(t, "filesystem", cfg.Archive[0].Type)
}

func TestFileConfigCatalogueResolvesSchema(t *testing.T) {
	cfg := &FileConfig{
		Schema: map[string]string{
			"temperature": "float64",
			"status":      "text",
		},
	}

	cat, err := cfg.catalogue()
	require.NoError(t, err)

	dt, ok := cat.DataType("temperature")
	require.True(t, ok)
	require.Equal(t, segment.Float64, dt)

	dt, ok = cat.DataType("status")
	require.True(t, ok)
	require.Equal(t, segment.Text, dt)

	_, ok = cat.DataType("unknown")
	require.False(t, ok)
}

func TestFileConfigCatalogueRejectsUnknownType(t *testing.T) {
	cfg := &FileConfig{Schema: map[string]string{"bad": "decimal"}}

	_, err := cfg.catalogue()
	require.Error(t, err)
}

func TestArchiveConfigBuildDispatchesByType(t *testing.T) {
	dir := t.TempDir()

	backend, err := ArchiveConfig{Type: "filesystem", Path: dir}.build()
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	_, err = ArchiveConfig{Type: "unsupported"}.build()
	require.Error(t, err)
}
