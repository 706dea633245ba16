package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultRequestTimeout bounds each appliance API request when no timeout is configured.
const DefaultRequestTimeout = 30 * time.Second

// Config represents the main configuration for drivesync.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Appliance  ApplianceConfig  `toml:"appliance"`
	Google     GoogleConfig     `toml:"google"`
	Database   DatabaseConfig   `toml:"database"`
	Archive    ArchiveConfig    `toml:"archive"`
	Encryption EncryptionConfig `toml:"encryption"`
	Server     ServerConfig     `toml:"server"`
}

// ApplianceConfig represents configuration for the storage appliance API.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ApplianceConfig struct {
	Type string `toml:"type"` // "truenas" (default) or "memory"
	Name string `toml:"name,omitempty"`

	// TrueNAS-specific fields (only used when Type == "truenas")
	URL                string `toml:"url,omitempty"`   // e.g. https://nas.local/api/v2.0
	Token              string `toml:"token,omitempty"` // API key, sent as a Bearer token unless prefixed
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	Timeout            string `toml:"timeout,omitempty"` // Go duration, defaults to 30s
}

// RequestTimeout parses Timeout, falling back to DefaultRequestTimeout when unset.
func (c ApplianceConfig) RequestTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return DefaultRequestTimeout, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid appliance timeout %q: %w", c.Timeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("appliance timeout must be positive, got %s", c.Timeout)
	}
	return d, nil
}

// GoogleConfig holds the server-managed OAuth client. When both fields are
// set, callers only need to supply a refresh token.
type GoogleConfig struct {
	ClientID     string `toml:"client_id,omitempty"`
	ClientSecret string `toml:"client_secret,omitempty"`
}

// Configured reports whether a server-managed OAuth client is available.
func (c GoogleConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// DatabaseConfig represents configuration for the run history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ArchiveConfig represents configuration for the report archive backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "none", "memory", "filesystem", "s3" or "minio"
	Name string `toml:"name,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// Object-store fields (used when Type == "s3" or "minio")
	Bucket    string `toml:"bucket,omitempty"`
	Prefix    string `toml:"prefix,omitempty"`
	Region    string `toml:"region,omitempty"`
	Endpoint  string `toml:"endpoint,omitempty"`   // custom endpoint; required for minio
	AccessKey string `toml:"access_key,omitempty"` // static credentials; s3 falls back to the default chain
	SecretKey string `toml:"secret_key,omitempty"`
	UseSSL    bool   `toml:"use_ssl"` // minio only
}

// EncryptionConfig holds paths to the age key pair used to encrypt archived reports.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// ServerConfig holds settings for the HTTP API.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Appliance: ApplianceConfig{
			Type:    "truenas",
			Name:    "nas",
			Timeout: DefaultRequestTimeout.String(),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Archive: ArchiveConfig{
			Type: "none",
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "drivesync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "drivesync.key"),
		},
		Server: ServerConfig{
			Listen: ":3001",
		},
	}
}

// Environment variables that override values read from the config file.
const (
	EnvApplianceURL       = "TRUENAS_API_URL"
	EnvApplianceToken     = "TRUENAS_API_TOKEN"
	EnvGoogleClientID     = "GOOGLE_CLIENT_ID"
	EnvGoogleClientSecret = "GOOGLE_CLIENT_SECRET"
)

// ApplyEnv overrides appliance and Google client settings from the
// environment. Empty variables leave the file values in place.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvApplianceURL); v != "" {
		c.Appliance.URL = v
	}
	if v := getenv(EnvApplianceToken); v != "" {
		c.Appliance.Token = v
	}
	if v := getenv(EnvGoogleClientID); v != "" {
		c.Google.ClientID = v
	}
	if v := getenv(EnvGoogleClientSecret); v != "" {
		c.Google.ClientSecret = v
	}
}

// Validate checks that each tagged-union section has the fields its type requires.
func (c *Config) Validate() error {
	var errs []error

	if c.HostID == "" {
		errs = append(errs, errors.New("host_id is required"))
	}

	switch c.Appliance.Type {
	case "", "truenas":
		if c.Appliance.URL == "" {
			errs = append(errs, fmt.Errorf("appliance url is required (set it in the config or %s)", EnvApplianceURL))
		}
		if c.Appliance.Token == "" {
			errs = append(errs, fmt.Errorf("appliance token is required (set it in the config or %s)", EnvApplianceToken))
		}
		if _, err := c.Appliance.RequestTimeout(); err != nil {
			errs = append(errs, err)
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown appliance type: %s", c.Appliance.Type))
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.DataDir == "" {
			errs = append(errs, errors.New("sqlite database requires data_dir to be set"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown database type: %s", c.Database.Type))
	}

	switch c.Archive.Type {
	case "", "none", "memory":
	case "filesystem":
		if c.Archive.Root == "" {
			errs = append(errs, errors.New("filesystem archive requires root to be set"))
		}
	case "s3":
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("s3 archive requires bucket to be set"))
		}
	case "minio":
		if c.Archive.Bucket == "" || c.Archive.Endpoint == "" {
			errs = append(errs, errors.New("minio archive requires bucket and endpoint to be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive type: %s", c.Archive.Type))
	}

	switch c.Encryption.Type {
	case "", "none", "test":
	case "age":
		if c.Encryption.PublicKeyPath == "" || c.Encryption.PrivateKeyPath == "" {
			errs = append(errs, errors.New("age encryption requires public_key_path and private_key_path"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown encryption type: %s", c.Encryption.Type))
	}

	return errors.Join(errs...)
}

// Masked returns a copy of the config with secrets replaced, for display.
func (c *Config) Masked() *Config {
	m := *c
	m.Appliance.Token = mask(c.Appliance.Token)
	m.Google.ClientSecret = mask(c.Google.ClientSecret)
	m.Archive.SecretKey = mask(c.Archive.SecretKey)
	return &m
}

// mask keeps the last four characters of long secrets so operators can tell
// keys apart.
func mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return strings.Repeat("*", 8)
	default:
		return strings.Repeat("*", 8) + secret[len(secret)-4:]
	}
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

// writeToFile writes a Config to the specified file path.
// The file holds API tokens, so it is created owner-readable only.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
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
