package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatline"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "CHATLINE_DATA_DIR"
	// DefaultAckTimeoutMS bounds how long a sent message waits for its ack.
	DefaultAckTimeoutMS = 5000
	// DefaultRetryDelayMS is the pause before a retried message is republished.
	DefaultRetryDelayMS = 2000
	// DefaultMaxRetries caps manual retries per message.
	DefaultMaxRetries = 3
	// DefaultLoopbackAckDelayMS is the simulated relay ack latency.
	DefaultLoopbackAckDelayMS = 500
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	defaultDisplayName = "Chatline User"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	UserID             string `json:"user_id"`
	DisplayName        string `json:"display_name"`
	RelayURL           string `json:"relay_url"`
	Discovery          bool   `json:"discovery"`
	AckTimeoutMS       int    `json:"ack_timeout_ms"`
	RetryDelayMS       int    `json:"retry_delay_ms"`
	MaxRetries         int    `json:"max_retries"`
	LoopbackAckDelayMS int    `json:"loopback_ack_delay_ms"`
}

// AckTimeout returns the ack timeout as a duration.
func (c DeviceConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// RetryDelay returns the retry delay as a duration.
func (c DeviceConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// LoopbackAckDelay returns the simulated ack latency as a duration.
func (c DeviceConfig) LoopbackAckDelay() time.Duration {
	return time.Duration(c.LoopbackAckDelayMS) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATLINE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config and its path.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *DeviceConfig {
	return &DeviceConfig{
		UserID:             uuid.NewString(),
		DisplayName:        defaultName(),
		Discovery:          true,
		AckTimeoutMS:       DefaultAckTimeoutMS,
		RetryDelayMS:       DefaultRetryDelayMS,
		MaxRetries:         DefaultMaxRetries,
		LoopbackAckDelayMS: DefaultLoopbackAckDelayMS,
	}
}

func defaultName() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultDisplayName
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = defaultName()
		updated = true
	}

	if relay := strings.TrimSpace(cfg.RelayURL); relay != cfg.RelayURL {
		cfg.RelayURL = relay
		updated = true
	}

	if cfg.AckTimeoutMS <= 0 {
		cfg.AckTimeoutMS = DefaultAckTimeoutMS
		updated = true
	}
	if cfg.RetryDelayMS <= 0 {
		cfg.RetryDelayMS = DefaultRetryDelayMS
		updated = true
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
		updated = true
	}
	if cfg.LoopbackAckDelayMS < 0 {
		cfg.LoopbackAckDelayMS = DefaultLoopbackAckDelayMS
		updated = true
	}

	return updated
}
