package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigFile is the per-dataset config filename
	DefaultConfigFile = "sfmimport.yaml"
	// DefaultDBFile is the engine database filename inside the dataset
	DefaultDBFile = "database.db"
	// DefaultReportFile stores the last pipeline result
	DefaultReportFile = "sfmimport-report.json"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "SFMIMPORT"
)

// Config holds the application configuration. It is passed explicitly to
// every component; there is no package-level instance.
type Config struct {
	// DatasetPath is the dataset root, e.g. path/to/Fountain
	DatasetPath string `mapstructure:"dataset_path" yaml:"dataset_path,omitempty"`
	// ColmapPath is the directory holding the engine executable
	ColmapPath string `mapstructure:"colmap_path" yaml:"colmap_path,omitempty"`
	// Database is the engine database filename, relative to DatasetPath
	Database string `mapstructure:"database" yaml:"database,omitempty"`

	Import ImportConfig `mapstructure:"import" yaml:"import,omitempty"`
	Engine EngineConfig `mapstructure:"engine" yaml:"engine,omitempty"`
	Server ServerConfig `mapstructure:"server" yaml:"server,omitempty"`
}

// ImportConfig holds the on-disk layout of feature and match files
type ImportConfig struct {
	KeypointsDir   string `mapstructure:"keypoints_dir" yaml:"keypoints_dir,omitempty"`
	DescriptorsDir string `mapstructure:"descriptors_dir" yaml:"descriptors_dir,omitempty"`
	MatchesDir     string `mapstructure:"matches_dir" yaml:"matches_dir,omitempty"`
	// Extension is the matrix file extension including the dot
	Extension string `mapstructure:"extension" yaml:"extension,omitempty"`
	// PairSeparator splits a match filename into the two image names
	PairSeparator string `mapstructure:"pair_separator" yaml:"pair_separator,omitempty"`
	// ManifestFile lists imported pairs for the engine's matches importer
	ManifestFile string `mapstructure:"manifest_file" yaml:"manifest_file,omitempty"`
	// IgnorePatterns are gitignore-style patterns for match files to skip
	IgnorePatterns []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns,omitempty"`
	// Debounce is the quiet period before the watcher reruns an import
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce,omitempty"`
}

// EngineConfig holds engine invocation settings
type EngineConfig struct {
	// Binary is the executable name inside ColmapPath
	Binary     string `mapstructure:"binary" yaml:"binary,omitempty"`
	ImagesDir  string `mapstructure:"images_dir" yaml:"images_dir,omitempty"`
	SparseDir  string `mapstructure:"sparse_dir" yaml:"sparse_dir,omitempty"`
	DenseDir   string `mapstructure:"dense_dir" yaml:"dense_dir,omitempty"`
	MaxThreads int    `mapstructure:"max_threads" yaml:"max_threads,omitempty"`
	// Timeout bounds each engine invocation; zero means no limit
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`

	Mapper MapperConfig `mapstructure:"mapper" yaml:"mapper,omitempty"`
	Dense  DenseConfig  `mapstructure:"dense" yaml:"dense,omitempty"`
}

// MapperConfig holds the sparse reconstruction tuning flags
type MapperConfig struct {
	InitMinNumInliers        int     `mapstructure:"init_min_num_inliers" yaml:"init_min_num_inliers,omitempty"`
	InitMaxReprojError       float64 `mapstructure:"init_max_reproj_error" yaml:"init_max_reproj_error,omitempty"`
	BAGlobalMaxRefinements   int     `mapstructure:"ba_global_max_refinements" yaml:"ba_global_max_refinements,omitempty"`
	BAGlobalMaxNumIterations int     `mapstructure:"ba_global_max_num_iterations" yaml:"ba_global_max_num_iterations,omitempty"`
}

// DenseConfig holds the dense reconstruction flags
type DenseConfig struct {
	MaxImageSize    int    `mapstructure:"max_image_size" yaml:"max_image_size,omitempty"`
	GeomConsistency bool   `mapstructure:"geom_consistency" yaml:"geom_consistency,omitempty"`
	FusionInputType string `mapstructure:"fusion_input_type" yaml:"fusion_input_type,omitempty"`
	FusionMinPixels int    `mapstructure:"fusion_min_pixels" yaml:"fusion_min_pixels,omitempty"`
}

// ServerConfig holds status server settings
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host,omitempty"`
	Port int    `mapstructure:"port" yaml:"port,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DefaultDBFile,
		Import: ImportConfig{
			KeypointsDir:   "keypoints",
			DescriptorsDir: "descriptors",
			MatchesDir:     "matches",
			Extension:      ".bin",
			PairSeparator:  "---",
			ManifestFile:   "image-pairs.txt",
			Debounce:       2 * time.Second,
		},
		Engine: EngineConfig{
			Binary:     "colmap",
			ImagesDir:  "images",
			SparseDir:  "sparse",
			DenseDir:   "dense",
			MaxThreads: 16,
			Mapper: MapperConfig{
				InitMinNumInliers:        10,
				InitMaxReprojError:       10.0,
				BAGlobalMaxRefinements:   3,
				BAGlobalMaxNumIterations: 50,
			},
			Dense: DenseConfig{
				MaxImageSize:    1200,
				GeomConsistency: false,
				FusionInputType: "photometric",
				FusionMinPixels: 5,
			},
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	var errs []error
	if c.DatasetPath == "" {
		errs = append(errs, errors.New("dataset path is required"))
	} else if info, err := os.Stat(c.DatasetPath); err != nil {
		errs = append(errs, fmt.Errorf("dataset path: %w", err))
	} else if !info.IsDir() {
		errs = append(errs, fmt.Errorf("dataset path %s is not a directory", c.DatasetPath))
	}
	if c.Import.Extension == "" || c.Import.PairSeparator == "" {
		errs = append(errs, errors.New("import extension and pair separator must be set"))
	}
	return errors.Join(errs...)
}

// ValidateEngine additionally checks the engine location.
func (c *Config) ValidateEngine() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ColmapPath == "" {
		return errors.New("colmap path is required")
	}
	return nil
}

// DatabasePath returns the engine database path.
func (c *Config) DatabasePath() string {
	return c.datasetFile(c.Database)
}

// ManifestPath returns the image pair manifest path.
func (c *Config) ManifestPath() string {
	return c.datasetFile(c.Import.ManifestFile)
}

// ReportPath returns where the last pipeline result is stored.
func (c *Config) ReportPath() string {
	return c.datasetFile(DefaultReportFile)
}

// KeypointsPath and DescriptorsPath are the per-image feature directories.
func (c *Config) KeypointsPath() string   { return c.datasetFile(c.Import.KeypointsDir) }
func (c *Config) DescriptorsPath() string { return c.datasetFile(c.Import.DescriptorsDir) }

// KeypointPath returns the keypoint file of an image.
func (c *Config) KeypointPath(image string) string {
	return filepath.Join(c.KeypointsPath(), image+c.Import.Extension)
}

// DescriptorPath returns the descriptor file of an image.
func (c *Config) DescriptorPath(image string) string {
	return filepath.Join(c.DescriptorsPath(), image+c.Import.Extension)
}

// MatchesPath returns the directory holding pairwise match files.
func (c *Config) MatchesPath() string {
	return c.datasetFile(c.Import.MatchesDir)
}

// ImagesPath, SparsePath and DensePath are the engine working directories.
func (c *Config) ImagesPath() string { return c.datasetFile(c.Engine.ImagesDir) }
func (c *Config) SparsePath() string { return c.datasetFile(c.Engine.SparseDir) }
func (c *Config) DensePath() string  { return c.datasetFile(c.Engine.DenseDir) }

// Executable returns the engine executable path.
func (c *Config) Executable() string {
	return filepath.Join(c.ColmapPath, c.Engine.Binary)
}

// DatasetName is the base name of the dataset directory.
func (c *Config) DatasetName() string {
	return filepath.Base(filepath.Clean(c.DatasetPath))
}

func (c *Config) datasetFile(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.DatasetPath, rel)
}

// YAML renders the configuration as it would appear in sfmimport.yaml.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}

// WriteDefaultConfig writes the config file into the dataset directory
// unless one already exists.
func (c *Config) WriteDefaultConfig() (string, error) {
	path := filepath.Join(c.DatasetPath, DefaultConfigFile)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	// The dataset path is implied by the file location.
	stored := *c
	stored.DatasetPath = ""
	out, err := stored.YAML()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}
