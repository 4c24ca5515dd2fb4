package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables read by GetDefaults.
const (
	ConfigEnv = "SITESYNC_CONFIG"
	HomeEnv   = "SITESYNC_HOME"
)

// GetDefaults returns the default locations of the config file
// ($SITESYNC_CONFIG, else ~/.config/sitesync.toml) and of the base
// directory holding logs and the local journal ($SITESYNC_HOME, else
// ~/.local/share/sitesync).
func GetDefaults() (map[string]string, error) {
	configPath, err := envOrHome(ConfigEnv, ".config", "sitesync.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := envOrHome(HomeEnv, ".local", "share", "sitesync")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// envOrHome returns $env when set, else rel joined to the home directory.
func envOrHome(env string, rel ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, rel...)...), nil
}
