package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/sealbox/internal/codec"
	"github.com/openmined/sealbox/internal/seal"
	"github.com/openmined/sealbox/internal/utils"
)

var (
	home, _             = os.UserHomeDir()
	DefaultStateDir     = filepath.Join(home, ".sealbox")
	DefaultConfigPath   = filepath.Join(DefaultStateDir, "config.json")
	DefaultLogFilePath  = filepath.Join(DefaultStateDir, "logs", "sealbox.log")
	DefaultSyncDir      = filepath.Join(home, "Sealbox")
	DefaultSyncInterval = 30 * time.Second
)

const (
	minSyncInterval = time.Second
	maxIterations   = 10_000_000

	hashStoreFile = "state.db"
	lockFile      = "sealbox.lock"
)

type Config struct {
	SyncDir   string `json:"sync_dir"`
	ServerURL string `json:"server_url"`
	// CACert is the path of the PEM certificate trusted for tls:// servers.
	CACert      string `json:"ca_cert,omitempty"`
	Username    string `json:"username,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	StateDir    string `json:"state_dir,omitempty"`
	// LegacyIV is the hex IV used by older clients. Empty disables legacy decoding.
	LegacyIV      string        `json:"legacy_iv,omitempty"`
	KDFIterations int           `json:"kdf_iterations,omitempty"`
	SyncInterval  time.Duration `json:"-"`

	S3Region    string `json:"s3_region,omitempty"`
	S3Endpoint  string `json:"s3_endpoint,omitempty"`
	S3AccessKey string `json:"s3_access_key,omitempty"`
	S3SecretKey string `json:"s3_secret_key,omitempty"`

	// Password is read from the environment or a prompt and never saved.
	Password string `json:"-"`
	Path     string `json:"-"`
}

func (c *Config) Validate() error {
	var err error

	if c.SyncDir == "" {
		c.SyncDir = DefaultSyncDir
	}
	if c.SyncDir, err = utils.ResolvePath(c.SyncDir); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}

	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.StateDir, err = utils.ResolvePath(c.StateDir); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	if c.StateDir == c.SyncDir {
		return errors.New("state dir must differ from sync dir")
	}

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if c.CACert != "" {
		if c.CACert, err = utils.ResolvePath(c.CACert); err != nil {
			return fmt.Errorf("ca cert: %w", err)
		}
	}

	if err := c.validateServerURL(); err != nil {
		return err
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.SyncInterval < minSyncInterval {
		return fmt.Errorf("sync interval %s is shorter than %s", c.SyncInterval, minSyncInterval)
	}

	if c.KDFIterations == 0 {
		c.KDFIterations = seal.DefaultIterations
	}
	if c.KDFIterations < 0 || c.KDFIterations > maxIterations {
		return fmt.Errorf("kdf iterations %d out of range", c.KDFIterations)
	}

	if _, err := c.LegacyIVBytes(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateServerURL() error {
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}

	switch u.Scheme {
	case "tls":
		if u.Host == "" {
			return fmt.Errorf("invalid server url %q: missing host", c.ServerURL)
		}
		if c.Username == "" {
			return errors.New("username is required for tls servers")
		}
	case "dir", "file":
		if u.Path == "" {
			return fmt.Errorf("invalid server url %q: missing path", c.ServerURL)
		}
	case "s3":
		if u.Host == "" {
			return fmt.Errorf("invalid server url %q: missing bucket", c.ServerURL)
		}
	default:
		return fmt.Errorf("invalid server url %q: scheme must be tls, dir or s3", c.ServerURL)
	}
	return nil
}

// LegacyIVBytes decodes LegacyIV. It returns nil when none is configured.
func (c *Config) LegacyIVBytes() ([]byte, error) {
	if c.LegacyIV == "" {
		return nil, nil
	}
	iv, err := hex.DecodeString(strings.TrimSpace(c.LegacyIV))
	if err != nil {
		return nil, fmt.Errorf("legacy iv: %w", err)
	}
	if len(iv) != seal.IVSize {
		return nil, fmt.Errorf("legacy iv must be %d bytes, got %d", seal.IVSize, len(iv))
	}
	return iv, nil
}

func (c *Config) HashStorePath() string {
	return filepath.Join(c.StateDir, hashStoreFile)
}

func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, lockFile)
}

// StateDirInSyncDir returns the state dir relative to the sync dir when it
// lives inside it.
func (c *Config) StateDirInSyncDir() (string, bool) {
	rel, err := filepath.Rel(c.SyncDir, c.StateDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (c *Config) Save() error {
	if c.Path == "" {
		return errors.New("config path is not set")
	}
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}

	data, err := codec.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	// tokens and s3 secrets live here
	return os.WriteFile(c.Path, data, 0o600)
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := codec.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Path = path
	return &cfg, nil
}
