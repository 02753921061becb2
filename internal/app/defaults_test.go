package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("KEEL_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("KEEL_HOME", "/custom/keel")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/keel" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/keel")
		}
		if defaults["log_dir"] != "/custom/keel/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/keel/log")
		}
		if defaults["env_path"] != "/custom/keel/.env" {
			t.Errorf("env_path = %q, want %q", defaults["env_path"], "/custom/keel/.env")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("KEEL_CONFIG_PATH", "")
		t.Setenv("KEEL_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "keel.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "keel")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}
	})
}

func TestLoadEnv(t *testing.T) {
	t.Run("loads variables from base dir", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("KEEL_TEST_KEY=from-file\n"), 0600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("KEEL_TEST_KEY", "")
		os.Unsetenv("KEEL_TEST_KEY")

		if err := LoadEnv(dir); err != nil {
			t.Fatalf("LoadEnv() error = %v", err)
		}
		if got := os.Getenv("KEEL_TEST_KEY"); got != "from-file" {
			t.Errorf("KEEL_TEST_KEY = %q, want %q", got, "from-file")
		}
	})

	t.Run("existing variables win", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("KEEL_TEST_KEY=from-file\n"), 0600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("KEEL_TEST_KEY", "from-env")

		if err := LoadEnv(dir); err != nil {
			t.Fatalf("LoadEnv() error = %v", err)
		}
		if got := os.Getenv("KEEL_TEST_KEY"); got != "from-env" {
			t.Errorf("KEEL_TEST_KEY = %q, want %q", got, "from-env")
		}
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		if err := LoadEnv(t.TempDir()); err != nil {
			t.Errorf("LoadEnv() error = %v, want nil", err)
		}
	})
}
