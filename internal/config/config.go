package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config represents the main configuration for keel.
type Config struct {
	InstanceID  string            `toml:"instance_id" validate:"required"`
	BaseDir     string            `toml:"base_dir" validate:"required"`
	LogDir      string            `toml:"log_dir"`
	MetricsFile string            `toml:"metrics_file"`
	Log         LogConfig         `toml:"log"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	Database    DatabaseConfig    `toml:"database"`
	Workspace   WorkspaceConfig   `toml:"workspace"`
	Engine      EngineConfig      `toml:"engine"`
	Remediation RemediationConfig `toml:"remediation"`
	AI          AIConfig          `toml:"ai"`
}

// LogConfig controls the application log.
type LogConfig struct {
	Level      string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Stderr     bool   `toml:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"gte=0"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type" validate:"omitempty,oneof=age test"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// ObjectStoreConfig represents configuration for the durable store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ObjectStoreConfig struct {
	Type      string `toml:"type" validate:"required,oneof=memory filesystem s3 gcs"`
	Name      string `toml:"name"`
	Encrypted bool   `toml:"encrypted"`

	// Bucket fields (Type == "s3" or "gcs")
	Bucket string `toml:"bucket,omitempty" validate:"required_if=Type s3,required_if=Type gcs"`
	Prefix string `toml:"prefix,omitempty"`

	// S3-specific fields
	Region          string `toml:"region,omitempty"`
	Endpoint        string `toml:"endpoint,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`

	// GCS-specific fields
	CredentialsFile string `toml:"credentials_file,omitempty"`

	// Filesystem-specific fields
	Root string `toml:"root,omitempty" validate:"required_if=Type filesystem"`
}

// DatabaseConfig represents configuration for the metadata index.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" validate:"required,oneof=sqlite memory"`
	DataDir string `toml:"data_dir,omitempty" validate:"required_if=Type sqlite"`
}

// WorkspaceConfig represents configuration for the sandbox tier.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type WorkspaceConfig struct {
	Type   string   `toml:"type" validate:"required,oneof=local docker"`
	Root   string   `toml:"root,omitempty" validate:"required_if=Type local"`
	Ignore []string `toml:"ignore"`

	// Docker-specific fields
	ContainerPrefix string `toml:"container_prefix,omitempty"`
	ProjectDir      string `toml:"project_dir,omitempty"`
}

// EngineConfig tunes the storage consistency engine.
type EngineConfig struct {
	UploadMaxAttempts      int `toml:"upload_max_attempts" validate:"gte=0"`
	UploadInitialBackoffMS int `toml:"upload_initial_backoff_ms" validate:"gte=0"`
	UploadMaxBackoffMS     int `toml:"upload_max_backoff_ms" validate:"gte=0"`
	RehydrateConcurrency   int `toml:"rehydrate_concurrency" validate:"gte=0"`
	RehydrateMinFiles      int `toml:"rehydrate_min_files" validate:"gte=0"`
	PresignTTLSeconds      int `toml:"presign_ttl_seconds" validate:"gte=0"`
	OrphanMinAgeSeconds    int `toml:"orphan_min_age_seconds" validate:"gte=0"`
}

// RemediationConfig tunes the error remediation pipeline.
type RemediationConfig struct {
	StoreType           string `toml:"store_type" validate:"omitempty,oneof=memory badger"`
	StoreDir            string `toml:"store_dir,omitempty" validate:"required_if=StoreType badger"`
	WindowSeconds       int    `toml:"window_seconds" validate:"gt=0"`
	CooldownSeconds     int    `toml:"cooldown_seconds" validate:"gte=0"`
	MaxAttempts         int    `toml:"max_attempts" validate:"gte=0"`
	RequireConfirmation bool   `toml:"require_confirmation"`
	PendingTTLSeconds   int    `toml:"pending_ttl_seconds" validate:"gte=0"`
	MaxSteps            int    `toml:"max_steps" validate:"gte=0"`
	PortMin             int    `toml:"port_min" validate:"gte=0,lte=65535"`
	PortMax             int    `toml:"port_max" validate:"gte=0,lte=65535"`
	InstallDependencies bool   `toml:"install_dependencies"`
}

// AIConfig selects the model provider used for AI-assisted fixes.
type AIConfig struct {
	Provider          string `toml:"provider" validate:"omitempty,oneof=anthropic openai none"`
	APIKeyEnv         string `toml:"api_key_env"`
	SimpleModel       string `toml:"simple_model"`
	ModerateModel     string `toml:"moderate_model"`
	ComplexModel      string `toml:"complex_model"`
	MaxTokens         int    `toml:"max_tokens" validate:"gte=0"`
	RequestsPerMinute int    `toml:"requests_per_minute" validate:"gte=0"`
}

// Window returns the rate-limit window as a duration.
func (r RemediationConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Cooldown returns the minimum gap between attempts as a duration.
func (r RemediationConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// PendingTTL returns how long a pending fix stays approvable.
func (r RemediationConfig) PendingTTL() time.Duration {
	return time.Duration(r.PendingTTLSeconds) * time.Second
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(instanceID, baseDir string) *Config {
	cfg := &Config{
		InstanceID:  instanceID,
		BaseDir:     baseDir,
		LogDir:      filepath.Join(baseDir, "log"),
		MetricsFile: filepath.Join(baseDir, "metrics", "keel.prom"),
		ObjectStore: ObjectStoreConfig{
			Type: "filesystem",
			Name: "local",
			Root: filepath.Join(baseDir, "store"),
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "keel.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "keel.key"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Workspace: WorkspaceConfig{
			Type: "local",
			Root: filepath.Join(baseDir, "workspaces"),
		},
		Remediation: RemediationConfig{
			StoreType: "memory",
		},
		AI: AIConfig{
			Provider:  "anthropic",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.LogDir == "" && cfg.BaseDir != "" {
		cfg.LogDir = filepath.Join(cfg.BaseDir, "log")
	}
	if cfg.MetricsFile == "" && cfg.BaseDir != "" {
		cfg.MetricsFile = filepath.Join(cfg.BaseDir, "metrics", "keel.prom")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 10
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}
	if cfg.Encryption.Type == "" {
		cfg.Encryption.Type = "age"
	}

	e := &cfg.Engine
	if e.UploadMaxAttempts == 0 {
		e.UploadMaxAttempts = 4
	}
	if e.UploadInitialBackoffMS == 0 {
		e.UploadInitialBackoffMS = 200
	}
	if e.UploadMaxBackoffMS == 0 {
		e.UploadMaxBackoffMS = 5000
	}
	if e.RehydrateConcurrency == 0 {
		e.RehydrateConcurrency = 8
	}
	if e.RehydrateMinFiles == 0 {
		e.RehydrateMinFiles = 3
	}
	if e.PresignTTLSeconds == 0 {
		e.PresignTTLSeconds = 900
	}
	if e.OrphanMinAgeSeconds == 0 {
		e.OrphanMinAgeSeconds = 3600
	}

	if cfg.Workspace.Type == "docker" {
		if cfg.Workspace.ContainerPrefix == "" {
			cfg.Workspace.ContainerPrefix = "keel-"
		}
		if cfg.Workspace.ProjectDir == "" {
			cfg.Workspace.ProjectDir = "/workspace"
		}
	}

	r := &cfg.Remediation
	if r.StoreType == "" {
		r.StoreType = "memory"
	}
	if r.WindowSeconds == 0 {
		r.WindowSeconds = 300
	}
	if r.CooldownSeconds == 0 {
		r.CooldownSeconds = 10
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.PendingTTLSeconds == 0 {
		r.PendingTTLSeconds = 600
	}
	if r.MaxSteps == 0 {
		r.MaxSteps = 8
	}
	if r.PortMin == 0 {
		r.PortMin = 5173
	}
	if r.PortMax == 0 {
		r.PortMax = 5199
	}

	a := &cfg.AI
	if a.Provider == "" {
		a.Provider = "none"
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = 4096
	}
	if a.RequestsPerMinute == 0 {
		a.RequestsPerMinute = 30
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the config's struct tags and cross-field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Remediation.PortMin > cfg.Remediation.PortMax {
		return fmt.Errorf("invalid config: remediation.port_min %d exceeds port_max %d",
			cfg.Remediation.PortMin, cfg.Remediation.PortMax)
	}
	if cfg.ObjectStore.Encrypted && cfg.Encryption.PublicKeyPath == "" {
		return fmt.Errorf("invalid config: encrypted object store requires encryption.public_key_path")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from path, applies defaults and validates it.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
