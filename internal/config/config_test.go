package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("test-instance-abc", "/home/user/.local/share/keel")
	original.ObjectStore = ObjectStoreConfig{
		Type:      "s3",
		Name:      "primary",
		Bucket:    "keel-blobs",
		Region:    "us-east-1",
		Endpoint:  "http://localhost:9000",
		Encrypted: true,
	}
	original.Workspace.Ignore = []string{"node_modules", ".git"}
	original.Remediation.RequireConfirmation = true

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.InstanceID != original.InstanceID {
		t.Errorf("InstanceID = %q, want %q", got.InstanceID, original.InstanceID)
	}
	if got.BaseDir != original.BaseDir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, original.BaseDir)
	}
	if got.ObjectStore.Type != "s3" {
		t.Errorf("ObjectStore.Type = %q, want %q", got.ObjectStore.Type, "s3")
	}
	if got.ObjectStore.Bucket != "keel-blobs" {
		t.Errorf("ObjectStore.Bucket = %q, want %q", got.ObjectStore.Bucket, "keel-blobs")
	}
	if !got.ObjectStore.Encrypted {
		t.Error("ObjectStore.Encrypted = false, want true")
	}
	if got.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %q, want %q", got.Database.Type, "sqlite")
	}
	if len(got.Workspace.Ignore) != 2 {
		t.Fatalf("len(Workspace.Ignore) = %d, want 2", len(got.Workspace.Ignore))
	}
	if got.Engine.RehydrateMinFiles != original.Engine.RehydrateMinFiles {
		t.Errorf("Engine.RehydrateMinFiles = %d, want %d", got.Engine.RehydrateMinFiles, original.Engine.RehydrateMinFiles)
	}
	if !got.Remediation.RequireConfirmation {
		t.Error("Remediation.RequireConfirmation = false, want true")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("instance-1", "/data/keel")

	if cfg.InstanceID != "instance-1" {
		t.Errorf("InstanceID = %q, want %q", cfg.InstanceID, "instance-1")
	}
	if cfg.LogDir != "/data/keel/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/keel/log")
	}
	if cfg.Encryption.PublicKeyPath != "/data/keel/keys/keel.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", cfg.Encryption.PublicKeyPath, "/data/keel/keys/keel.pub")
	}
	if cfg.ObjectStore.Root != "/data/keel/store" {
		t.Errorf("ObjectStore.Root = %q, want %q", cfg.ObjectStore.Root, "/data/keel/store")
	}
	if cfg.Workspace.Root != "/data/keel/workspaces" {
		t.Errorf("Workspace.Root = %q, want %q", cfg.Workspace.Root, "/data/keel/workspaces")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate(NewConfig()) error = %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{InstanceID: "i", BaseDir: "/b", Workspace: WorkspaceConfig{Type: "docker"}}
	ApplyDefaults(cfg)

	if cfg.LogDir != "/b/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/b/log")
	}
	if cfg.MetricsFile != "/b/metrics/keel.prom" {
		t.Errorf("MetricsFile = %q, want %q", cfg.MetricsFile, "/b/metrics/keel.prom")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Engine.RehydrateConcurrency != 8 {
		t.Errorf("Engine.RehydrateConcurrency = %d, want 8", cfg.Engine.RehydrateConcurrency)
	}
	if cfg.Workspace.ContainerPrefix != "keel-" {
		t.Errorf("Workspace.ContainerPrefix = %q, want keel-", cfg.Workspace.ContainerPrefix)
	}
	if cfg.Remediation.Window() != 5*time.Minute {
		t.Errorf("Remediation.Window() = %v, want 5m", cfg.Remediation.Window())
	}
	if cfg.Remediation.Cooldown() != 10*time.Second {
		t.Errorf("Remediation.Cooldown() = %v, want 10s", cfg.Remediation.Cooldown())
	}
	if cfg.AI.Provider != "none" {
		t.Errorf("AI.Provider = %q, want none", cfg.AI.Provider)
	}

	// Explicit values survive.
	cfg = &Config{Engine: EngineConfig{RehydrateMinFiles: 10}}
	ApplyDefaults(cfg)
	if cfg.Engine.RehydrateMinFiles != 10 {
		t.Errorf("Engine.RehydrateMinFiles = %d, want 10", cfg.Engine.RehydrateMinFiles)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "missing instance id", mutate: func(c *Config) { c.InstanceID = "" }, wantErr: true},
		{name: "unknown store type", mutate: func(c *Config) { c.ObjectStore.Type = "ftp" }, wantErr: true},
		{name: "s3 without bucket", mutate: func(c *Config) { c.ObjectStore = ObjectStoreConfig{Type: "s3"} }, wantErr: true},
		{name: "gcs with bucket", mutate: func(c *Config) { c.ObjectStore = ObjectStoreConfig{Type: "gcs", Bucket: "b"} }, wantErr: false},
		{name: "filesystem without root", mutate: func(c *Config) { c.ObjectStore.Root = "" }, wantErr: true},
		{name: "sqlite without data dir", mutate: func(c *Config) { c.Database.DataDir = "" }, wantErr: true},
		{name: "memory database", mutate: func(c *Config) { c.Database = DatabaseConfig{Type: "memory"} }, wantErr: false},
		{name: "badger without dir", mutate: func(c *Config) { c.Remediation.StoreType = "badger" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: true},
		{name: "inverted port range", mutate: func(c *Config) { c.Remediation.PortMin = 6000; c.Remediation.PortMax = 5000 }, wantErr: true},
		{name: "unknown provider", mutate: func(c *Config) { c.AI.Provider = "oracle" }, wantErr: true},
		{name: "zero remediation window", mutate: func(c *Config) { c.Remediation.WindowSeconds = 0 }, wantErr: true},
		{name: "negative remediation window", mutate: func(c *Config) { c.Remediation.WindowSeconds = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("instance", "/data/keel")
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "keel.toml")
		cfg := NewConfig("i1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "keel.toml")
		cfg := NewConfig("i1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "keel.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.InstanceID != "read-test" {
			t.Errorf("InstanceID = %q, want %q", got.InstanceID, "read-test")
		}
	})

	t.Run("applies defaults to sparse file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "keel.toml")
		sparse := `instance_id = "sparse"
base_dir = "/tmp/keel"

[object_store]
type = "memory"

[database]
type = "memory"

[workspace]
type = "local"
root = "/tmp/keel/ws"
`
		if err := os.WriteFile(path, []byte(sparse), 0644); err != nil {
			t.Fatal(err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.Engine.UploadMaxAttempts != 4 {
			t.Errorf("Engine.UploadMaxAttempts = %d, want 4", got.Engine.UploadMaxAttempts)
		}
		if got.Remediation.MaxSteps != 8 {
			t.Errorf("Remediation.MaxSteps = %d, want 8", got.Remediation.MaxSteps)
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "keel.toml")
		if err := os.WriteFile(path, []byte("instance_id = \"x\"\nbase_dir = \"/x\"\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadFromFile(path); err == nil {
			t.Fatal("ReadFromFile() expected validation error")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/keel.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
