package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv(ConfigEnv, "/custom/sitesync.toml")
		t.Setenv(HomeEnv, "/custom/sitesync")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/sitesync.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/sitesync.toml")
		}
		if defaults["base_dir"] != "/custom/sitesync" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/sitesync")
		}
		if defaults["log_dir"] != "/custom/sitesync/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/sitesync/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv(ConfigEnv, "")
		t.Setenv(HomeEnv, "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "sitesync.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "sitesync")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}
	})
}
