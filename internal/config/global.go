package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// GlobalConfigDir is the directory for global sfmimport config
	GlobalConfigDir = ".sfmimport"
	// GlobalConfigFile is the global config filename
	GlobalConfigFile = "config.yaml"
)

// GlobalConfig represents the global ~/.sfmimport/config.yaml configuration
type GlobalConfig struct {
	// Defaults are applied to every dataset before its own config file
	Defaults Config `yaml:"defaults"`
}

// GetGlobalConfigDir returns the path to ~/.sfmimport/
func GetGlobalConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, GlobalConfigDir), nil
}

// GetGlobalConfigPath returns the path to ~/.sfmimport/config.yaml
func GetGlobalConfigPath() (string, error) {
	dir, err := GetGlobalConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, GlobalConfigFile), nil
}

// LoadGlobalConfig loads the global config on top of base. A missing file
// leaves base untouched.
func LoadGlobalConfig(base *Config) (*GlobalConfig, error) {
	globalCfg := &GlobalConfig{Defaults: *base}

	configPath, err := GetGlobalConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return globalCfg, nil
		}
		return nil, fmt.Errorf("failed to read global config: %w", err)
	}

	if err := yaml.Unmarshal(data, globalCfg); err != nil {
		return nil, fmt.Errorf("failed to parse global config: %w", err)
	}
	return globalCfg, nil
}

// GlobalConfigExists returns the global config path and whether the file
// exists.
func GlobalConfigExists() (string, bool) {
	path, err := GetGlobalConfigPath()
	if err != nil {
		return "", false
	}
	info, err := os.Stat(path)
	return path, err == nil && info.Mode().IsRegular()
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
