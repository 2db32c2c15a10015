// Package commands implements CLI commands for chronoseg-compactor.
package commands

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chronoseg/compactor/backends"
	"github.com/chronoseg/compactor/compactor"
	"github.com/chronoseg/compactor/segment"
	"github.com/chronoseg/compactor/segstore"
)

// FileConfig is the on-disk shape of the engine's configuration, loaded
// once at CLI startup and translated into compactor.Options.
type FileConfig struct {
	RootDir          string            `yaml:"root_dir"`
	Metrics          bool              `yaml:"metrics"`
	RetentionHorizon int64             `yaml:"retention_horizon"`
	Schema           map[string]string `yaml:"schema"`
	Archive          []ArchiveConfig   `yaml:"archive"`
}

// ArchiveConfig describes one cold-storage backend to wire into the engine.
type ArchiveConfig struct {
	Type string `yaml:"type"`

	// Filesystem
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
	Shadow   bool   `yaml:"shadow"`

	// S3
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Prefix        string `yaml:"prefix"`
	StorageClass  string `yaml:"storage_class"`
	RetentionDays int    `yaml:"retention_days"`

	// Azure
	Container        string `yaml:"container"`
	ConnectionString string `yaml:"connection_string"`
	AccessTier       string `yaml:"access_tier"`

	// GCS
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

func loadFileConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("config %s: root_dir is required", path)
	}
	return &cfg, nil
}

func (c *FileConfig) catalogue() (segstore.Catalogue, error) {
	schema := make(map[string]segment.DataType, len(c.Schema))
	for series, name := range c.Schema {
		dt, err := segment.ParseDataType(name)
		if err != nil {
			return nil, fmt.Errorf("schema entry %q: %w", series, err)
		}
		schema[series] = dt
	}
	return segstore.NewDirCatalogue(schema), nil
}

func (ac ArchiveConfig) build() (backends.Backend, error) {
	switch ac.Type {
	case "filesystem", "":
		return backends.Create(backends.FilesystemConfig{
			Path:     ac.Path,
			Compress: ac.Compress,
			Shadow:   ac.Shadow,
		})
	case "s3":
		return backends.Create(backends.S3Config{
			Bucket:        ac.Bucket,
			Region:        ac.Region,
			Prefix:        ac.Prefix,
			StorageClass:  ac.StorageClass,
			RetentionDays: ac.RetentionDays,
		})
	case "azure":
		return backends.Create(backends.AzureConfig{
			Container:        ac.Container,
			ConnectionString: ac.ConnectionString,
			Prefix:           ac.Prefix,
			AccessTier:       ac.AccessTier,
			RetentionDays:    ac.RetentionDays,
		})
	case "gcs":
		return backends.Create(backends.GCSConfig{
			Bucket:          ac.Bucket,
			ProjectID:       ac.ProjectID,
			Region:          ac.Region,
			Prefix:          ac.Prefix,
			StorageClass:    ac.StorageClass,
			CredentialsFile: ac.CredentialsFile,
			RetentionDays:   ac.RetentionDays,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend type %q", ac.Type)
	}
}

// newEngine builds a compactor.Engine from a config file path, wiring every
// configured archive backend and the static schema catalogue.
func newEngine(configPath string) (*compactor.Engine, error) {
	cfg, err := loadFileConfig(configPath)
	if err != nil {
		return nil, err
	}

	cat, err := cfg.catalogue()
	if err != nil {
		return nil, err
	}

	opts := []compactor.Option{
		compactor.WithRootDir(cfg.RootDir),
		compactor.WithCatalogue(cat),
		compactor.WithMetrics(cfg.Metrics),
		compactor.WithRetentionHorizon(cfg.RetentionHorizon),
	}

	for _, ac := range cfg.Archive {
		backend, err := ac.build()
		if err != nil {
			return nil, fmt.Errorf("archive backend %q: %w", ac.Type, err)
		}
		opts = append(opts, compactor.WithArchiveBackend(backend))
	}

	return compactor.New(opts...)
}
