package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - KEEL_CONFIG_PATH: config file location (default: ~/.config/keel.toml)
//   - KEEL_HOME: base directory for keel data (default: ~/.local/share/keel)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"env_path":    filepath.Join(baseDir, ".env"),
	}, nil
}

// getConfigPath returns the config file path, checking KEEL_CONFIG_PATH env var first,
// then falling back to the default ~/.config/keel.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("KEEL_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "keel.toml"), nil
}

// getBaseDir returns the base directory for keel data, checking KEEL_HOME env var first,
// then falling back to the XDG default ~/.local/share/keel.
func getBaseDir() (string, error) {
	if path := os.Getenv("KEEL_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "keel"), nil
}

// LoadEnv loads baseDir/.env into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadEnv(baseDir string) error {
	path := filepath.Join(baseDir, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
