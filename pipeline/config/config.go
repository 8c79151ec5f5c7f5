// Package config loads engine configuration from YAML and constructs the
// configured storage backends.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/mlpipe-go/pipeline"
	"github.com/dshills/mlpipe-go/pipeline/artifact"
	"github.com/dshills/mlpipe-go/pipeline/dataset"
	"github.com/dshills/mlpipe-go/pipeline/store"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level engine configuration.
type Config struct {
	Store     StoreConfig    `yaml:"store"`
	Artifacts ArtifactConfig `yaml:"artifacts"`
	Datasets  DatasetConfig  `yaml:"datasets"`
	Engine    EngineConfig   `yaml:"engine"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// StoreConfig selects and configures the run store backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "mysql".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSN is the MySQL connection string.
	DSN string `yaml:"dsn"`
}

// ArtifactConfig selects and configures the artifact store backend.
type ArtifactConfig struct {
	// Backend is one of "memory", "fs", "minio".
	Backend string `yaml:"backend"`

	// Dir is the filesystem store root.
	Dir string `yaml:"dir"`

	Minio MinioConfig `yaml:"minio"`
}

// MinioConfig configures the S3-compatible artifact backend.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DatasetConfig configures dataset resolution.
type DatasetConfig struct {
	// Dir is the directory the CSV provider reads handles from.
	Dir string `yaml:"dir"`
}

// EngineConfig tunes execution limits.
type EngineConfig struct {
	Workers      int      `yaml:"workers"`
	HookTimeout  Duration `yaml:"hook_timeout"`
	StageTimeout Duration `yaml:"stage_timeout"`
	GraceTimeout Duration `yaml:"grace_timeout"`
}

// LoggingConfig selects the event log output.
type LoggingConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the zero-setup configuration: in-memory run store,
// filesystem artifacts under ./artifacts, datasets under ./datasets.
func Default() Config {
	return Config{
		Store:     StoreConfig{Backend: "memory"},
		Artifacts: ArtifactConfig{Backend: "fs", Dir: "artifacts"},
		Datasets:  DatasetConfig{Dir: "datasets"},
		Engine: EngineConfig{
			Workers:      pipeline.DefaultWorkers,
			HookTimeout:  Duration(pipeline.DefaultHookTimeout),
			StageTimeout: Duration(pipeline.DefaultStageTimeout),
			GraceTimeout: Duration(pipeline.DefaultGraceTimeout),
		},
		Logging: LoggingConfig{Format: "text"},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown backends and incomplete backend settings.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the mysql backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Artifacts.Backend {
	case "memory":
	case "fs":
		if c.Artifacts.Dir == "" {
			return fmt.Errorf("artifacts.dir is required for the fs backend")
		}
	case "minio":
		if c.Artifacts.Minio.Endpoint == "" || c.Artifacts.Minio.Bucket == "" {
			return fmt.Errorf("artifacts.minio.endpoint and bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown artifact backend %q", c.Artifacts.Backend)
	}
	return nil
}

// OpenRunStore constructs the configured run store.
func (c Config) OpenRunStore() (store.RunStore, error) {
	switch c.Store.Backend {
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(c.Store.Path)
	case "mysql":
		return store.NewMySQLStore(c.Store.DSN)
	}
	return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
}

// OpenArtifactStore constructs the configured artifact store.
func (c Config) OpenArtifactStore(ctx context.Context) (artifact.Store, error) {
	switch c.Artifacts.Backend {
	case "memory":
		return artifact.NewMemStore(), nil
	case "fs":
		return artifact.NewFSStore(c.Artifacts.Dir)
	case "minio":
		return artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  c.Artifacts.Minio.Endpoint,
			AccessKey: c.Artifacts.Minio.AccessKey,
			SecretKey: c.Artifacts.Minio.SecretKey,
			Bucket:    c.Artifacts.Minio.Bucket,
			Region:    c.Artifacts.Minio.Region,
			UseSSL:    c.Artifacts.Minio.UseSSL,
		})
	}
	return nil, fmt.Errorf("unknown artifact backend %q", c.Artifacts.Backend)
}

// Provider constructs the dataset provider.
func (c Config) Provider() dataset.Provider {
	return dataset.NewDirProvider(c.Datasets.Dir)
}

// Options converts the engine section to orchestrator options.
func (c Config) Options() pipeline.Options {
	return pipeline.Options{
		Workers:      c.Engine.Workers,
		HookTimeout:  time.Duration(c.Engine.HookTimeout),
		StageTimeout: time.Duration(c.Engine.StageTimeout),
		GraceTimeout: time.Duration(c.Engine.GraceTimeout),
	}
}
