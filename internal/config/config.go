package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for cr.
type Config struct {
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir"`
	System      SystemConfig      `toml:"system"`
	Notify      NotifyConfig      `toml:"notify"`
	Watcher     WatcherConfig     `toml:"watcher"`
	Screensaver ScreensaverConfig `toml:"screensaver"`
	Database    DatabaseConfig    `toml:"database"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	Vault       VaultConfig       `toml:"vault"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// SystemConfig holds desktop shell preferences. The engine only stores them.
type SystemConfig struct {
	Theme       string `toml:"theme"`
	AutoStart   bool   `toml:"auto_start"`
	CloseOption int    `toml:"close_option"`
	CloseCount  int    `toml:"close_cnt"`
	CloseLimit  int    `toml:"close_limit"`
	Language    string `toml:"language"`
}

// NotifyConfig gates which execution events reach the user.
type NotifyConfig struct {
	IsGranted       bool `toml:"is_granted"`
	Enable          bool `toml:"enable"`
	Mask            int  `toml:"mask"`
	NotifyOnCreate  bool `toml:"notify_on_create"`
	NotifyOnFailure bool `toml:"notify_on_failure"`
}

// WatcherConfig tunes the monitor scheduler. Both values are in seconds.
type WatcherConfig struct {
	Timeout        int `toml:"timeout"`         // debounce window
	HealthInterval int `toml:"health_interval"` // how often a watch root is re-checked
}

type ScreensaverConfig struct {
	Enable   bool   `toml:"enable"`
	Password string `toml:"password"`
	IsLocked bool   `toml:"is_locked"`
}

// DatabaseConfig represents configuration for the mission database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type          string `toml:"type"`               // "sqlite" or "memory"
	DataDir       string `toml:"data_dir,omitempty"` // only used for type=sqlite
	RetryAttempts int    `toml:"retry_attempts"`     // status write attempts before giving up
}

// EncryptionConfig holds the age key pair used to encrypt compressed artifacts.
type EncryptionConfig struct {
	Enabled        bool   `toml:"enabled"`
	Type           string `toml:"type"`             // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// VaultConfig describes the optional secondary mirror for artifacts.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "none", "memory", "s3" or "filesystem"

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`          // S3-compatible services
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`     // empty uses the default chain
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"` // empty uses the default chain

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// Enabled reports whether a mirror is configured.
func (v VaultConfig) Enabled() bool {
	return v.Type != "" && v.Type != "none"
}

// MetricsConfig controls the prometheus endpoint of the daemon.
type MetricsConfig struct {
	Addr string `toml:"addr"` // empty disables the endpoint
}

// NewConfig creates a Config rooted at baseDir with default values.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		System: SystemConfig{
			Theme:      "system",
			CloseLimit: 50,
			Language:   "en",
		},
		Notify: NotifyConfig{
			Enable:          true,
			NotifyOnCreate:  true,
			NotifyOnFailure: true,
		},
		Watcher: WatcherConfig{Timeout: 3, HealthInterval: 30},
		Database: DatabaseConfig{
			Type:          "sqlite",
			DataDir:       filepath.Join(baseDir, "db"),
			RetryAttempts: 5,
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "cr.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "cr.key"),
		},
		Vault:   VaultConfig{Type: "none"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
	}
}

// Group names a user-editable configuration section.
type Group int

const (
	GroupSystem Group = iota
	GroupNotify
	GroupWatcher
	GroupScreensaver
)

var groupNames = map[Group]string{
	GroupSystem:      "system",
	GroupNotify:      "notify",
	GroupWatcher:     "watcher",
	GroupScreensaver: "screensaver",
}

func (g Group) String() string {
	if name, ok := groupNames[g]; ok {
		return name
	}
	return fmt.Sprintf("group(%d)", int(g))
}

// ParseGroup maps a section name to its Group.
func ParseGroup(name string) (Group, error) {
	for g, n := range groupNames {
		if strings.EqualFold(n, name) {
			return g, nil
		}
	}
	return 0, fmt.Errorf("unknown config group %q", name)
}

// Sync copies one group from incoming into c when overwrite is set and
// returns the resulting configuration. Other groups are never touched.
func (c *Config) Sync(g Group, incoming *Config, overwrite bool) (*Config, error) {
	if overwrite {
		switch g {
		case GroupSystem:
			c.System = incoming.System
		case GroupNotify:
			c.Notify = incoming.Notify
		case GroupWatcher:
			c.Watcher = incoming.Watcher
		case GroupScreensaver:
			c.Screensaver = incoming.Screensaver
		default:
			return nil, fmt.Errorf("unknown config group %s", g)
		}
	}
	out := *c
	return &out, nil
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

// ReadFromFile reads a Config from the specified file path.
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
	return cfg, nil
}

// WriteToFile replaces the config file at path.
func WriteToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing config file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Init writes a new config file and fails if one already exists.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := WriteToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
