package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ConfigSource represents where a config layer came from
type ConfigSource int

const (
	SourceDefault ConfigSource = iota
	SourceGlobalConfig
	SourceDatasetConfig
	SourceDotEnv
	SourceEnvironment
)

func (s ConfigSource) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceGlobalConfig:
		return "~/.sfmimport/config.yaml"
	case SourceDatasetConfig:
		return DefaultConfigFile
	case SourceDotEnv:
		return ".env"
	case SourceEnvironment:
		return "environment"
	default:
		return "unknown"
	}
}

// envKeys are the nested keys that SFMIMPORT_* variables may override.
// SFMIMPORT_ENGINE_MAX_THREADS sets engine.max_threads.
var envKeys = []string{
	"dataset_path",
	"colmap_path",
	"database",
	"import.keypoints_dir",
	"import.descriptors_dir",
	"import.matches_dir",
	"import.extension",
	"import.pair_separator",
	"import.manifest_file",
	"import.ignore_patterns",
	"import.debounce",
	"engine.binary",
	"engine.images_dir",
	"engine.sparse_dir",
	"engine.dense_dir",
	"engine.max_threads",
	"engine.timeout",
	"engine.mapper.init_min_num_inliers",
	"engine.mapper.init_max_reproj_error",
	"engine.mapper.ba_global_max_refinements",
	"engine.mapper.ba_global_max_num_iterations",
	"engine.dense.max_image_size",
	"engine.dense.geom_consistency",
	"engine.dense.fusion_input_type",
	"engine.dense.fusion_min_pixels",
	"server.host",
	"server.port",
}

// ResolvedConfig contains the final config along with the layers that
// contributed to it
type ResolvedConfig struct {
	Config  *Config
	Sources []ConfigSource
	// Files lists the config files that were found and loaded
	Files []string
}

// Resolve performs the full config resolution chain.
// Resolution order (lowest to highest priority):
// 1. Built-in defaults
// 2. Global defaults in ~/.sfmimport/config.yaml
// 3. <dataset>/sfmimport.yaml, or configFile when given
// 4. <dataset>/.env
// 5. Environment variables (SFMIMPORT_*)
//
// Command-line flags are applied by the caller on top of the result.
func Resolve(datasetPath, configFile string) (*ResolvedConfig, error) {
	result := &ResolvedConfig{
		Config:  DefaultConfig(),
		Sources: []ConfigSource{SourceDefault},
	}

	globalCfg, err := LoadGlobalConfig(result.Config)
	if err != nil {
		return nil, err
	}
	result.Config = &globalCfg.Defaults
	if path, ok := GlobalConfigExists(); ok {
		result.Sources = append(result.Sources, SourceGlobalConfig)
		result.Files = append(result.Files, path)
	}

	datasetPath = ExpandPath(datasetPath)
	if datasetPath != "" {
		result.Config.DatasetPath = datasetPath
	}

	explicit := configFile != ""
	if !explicit && datasetPath != "" {
		configFile = filepath.Join(datasetPath, DefaultConfigFile)
	}
	if configFile != "" {
		configFile = ExpandPath(configFile)
		err := loadYAMLConfig(configFile, result.Config)
		switch {
		case err == nil:
			result.Sources = append(result.Sources, SourceDatasetConfig)
			result.Files = append(result.Files, configFile)
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, err
		}
	}
	// A config file must not move the dataset the caller asked for.
	if datasetPath != "" {
		result.Config.DatasetPath = datasetPath
	}

	if result.Config.DatasetPath != "" {
		envFile := filepath.Join(result.Config.DatasetPath, ".env")
		if err := godotenv.Load(envFile); err == nil {
			result.Sources = append(result.Sources, SourceDotEnv)
			result.Files = append(result.Files, envFile)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	applied, err := applyEnvironment(result.Config)
	if err != nil {
		return nil, err
	}
	if applied {
		result.Sources = append(result.Sources, SourceEnvironment)
	}

	return result, nil
}

// Load resolves the configuration and returns only the merged Config.
func Load(datasetPath, configFile string) (*Config, error) {
	resolved, err := Resolve(datasetPath, configFile)
	if err != nil {
		return nil, err
	}
	return resolved.Config, nil
}

// loadYAMLConfig decodes path on top of cfg. Keys missing from the file keep
// their current values.
func loadYAMLConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnvironment applies SFMIMPORT_* environment variables and reports
// whether any were set.
func applyEnvironment(cfg *Config) (bool, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applied := false
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return false, fmt.Errorf("bind %s: %w", key, err)
		}
		if v.IsSet(key) {
			applied = true
		}
	}
	if !applied {
		return false, nil
	}

	if err := v.Unmarshal(cfg); err != nil {
		return false, fmt.Errorf("failed to apply environment: %w", err)
	}
	return true, nil
}
