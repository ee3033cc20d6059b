// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"bmc-flashd/internal/gate"
	"bmc-flashd/internal/image"
	"bmc-flashd/internal/security"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/bmc-flashd/config.yaml"

var validate = validator.New()

type Config struct {
	MediaDir   string `yaml:"media_dir" validate:"required"`
	UploadDir  string `yaml:"upload_dir" validate:"required"`
	PersistDir string `yaml:"persist_dir" validate:"required"`
	// StateDir holds the flash job database.
	StateDir    string `yaml:"state_dir" validate:"required"`
	StagingDir  string `yaml:"staging_dir" validate:"required"`
	SocketPath  string `yaml:"socket_path" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`

	ActiveMaxAllowed int    `yaml:"active_max_allowed" validate:"gte=1,lte=256"`
	MinShipLevel     string `yaml:"min_ship_level"`
	// MinShipLevelRegex reads major, minor and revision from capture groups two to
	// four; the first group matches a prefix.
	MinShipLevelRegex string `yaml:"min_ship_level_regex" validate:"required_with=MinShipLevel"`
	ApplyTime         string `yaml:"apply_time" validate:"oneof=Immediate OnReset"`
	Layout            string `yaml:"layout" validate:"oneof=static ubi mmc"`
	// HostFirmware enables the host processor write path.
	HostFirmware bool `yaml:"host_firmware"`

	FieldModeEnvPath string `yaml:"fieldmode_env_path"`
	OSReleasePath    string `yaml:"os_release_path" validate:"required"`
	WriteQueueSize   int    `yaml:"write_queue_size" validate:"gte=1"`

	Store          StoreConfig     `yaml:"store"`
	Signature      SignatureConfig `yaml:"signature"`
	RequiredImages image.Required  `yaml:"required_images"`
	Remote         RemoteConfig    `yaml:"remote"`
	NATS           NATSConfig      `yaml:"nats"`
	Log            LogConfig       `yaml:"log"`
	Tracing        TracingConfig   `yaml:"tracing"`
	Security       SecurityConfig  `yaml:"security"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=sqlite badger"`
}

type SignatureConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PublicKeysDir string `yaml:"public_keys_dir" validate:"required_if=Enabled true"`
}

type RemoteConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region" validate:"required_with=Bucket"`
	KeyPrefix string `yaml:"key_prefix"`
}

type NATSConfig struct {
	URL string `yaml:"url" validate:"omitempty,url"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SecurityConfig struct {
	MaxFileSize    int64         `yaml:"max_file_size" validate:"gte=0"`
	MaxTarSize     int64         `yaml:"max_tar_size" validate:"gte=0"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`
}

func Default() *Config {
	sec := security.DefaultConfig()
	return &Config{
		MediaDir:          "/media",
		UploadDir:         "/tmp/images",
		PersistDir:        "/var/lib/bmc-flashd",
		StateDir:          "/var/lib/bmc-flashd/jobs",
		StagingDir:        "/run/initramfs",
		SocketPath:        "/run/bmc-flashd.sock",
		ActiveMaxAllowed:  2,
		MinShipLevelRegex: gate.DefaultPattern,
		ApplyTime:         "OnReset",
		Layout:            "ubi",
		FieldModeEnvPath:  "/dev/mtd/u-boot-env",
		OSReleasePath:     "/etc/os-release",
		WriteQueueSize:    1,
		Store:             StoreConfig{Backend: "sqlite"},
		Signature:         SignatureConfig{PublicKeysDir: "/etc/activationdata"},
		RequiredImages:    image.DefaultRequired(),
		Remote:            RemoteConfig{Region: "us-east-1", KeyPrefix: sec.KeyPrefix},
		Log:               LogConfig{Level: "info", Format: "json"},
		Security: SecurityConfig{
			MaxFileSize:    sec.MaxFileSize,
			MaxTarSize:     sec.MaxTarSize,
			CommandTimeout: sec.CommandTimeout,
		},
	}
}

// Load reads the configuration at path. On first run the file does not exist yet and
// is created with the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SecurityPolicy returns the security limits with the daemon directories allowed.
func (c *Config) SecurityPolicy() *security.Config {
	sec := security.DefaultConfig()
	sec.MaxFileSize = c.Security.MaxFileSize
	sec.MaxTarSize = c.Security.MaxTarSize
	sec.CommandTimeout = c.Security.CommandTimeout
	sec.KeyPrefix = c.Remote.KeyPrefix
	sec.AllowedPaths = []string{c.UploadDir, c.MediaDir, c.PersistDir, c.StateDir, c.StagingDir}
	return sec
}
