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

	"github.com/tidwall/jsonc"

	"signik/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "signik"
	// DefaultBrokerURL is used when neither the file nor the environment names a broker.
	DefaultBrokerURL = "http://localhost:8000"
	// DefaultRefreshIntervalMS is the device and connection list refresh period.
	DefaultRefreshIntervalMS = 5000
	// DefaultHeartbeatIntervalMS is the liveness signal period.
	DefaultHeartbeatIntervalMS = 10000
	// DefaultRequestTimeoutMS bounds each broker request.
	DefaultRequestTimeoutMS = 10000
	// DefaultLogLevel is the zerolog level name used when none is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Environment overrides. They win over the file and are never written back.
const (
	EnvDataDir    = "SIGNIK_DATA_DIR"
	EnvBrokerURL  = "SIGNIK_BROKER_URL"
	EnvDeviceName = "SIGNIK_DEVICE_NAME"
	EnvLogLevel   = "SIGNIK_LOG_LEVEL"
)

// ClientConfig contains persistent local client settings. The file may carry // and
// /* */ comments and trailing commas.
type ClientConfig struct {
	BrokerURL           string `json:"broker_url"`
	DeviceName          string `json:"device_name"`
	DeviceClass         string `json:"device_class"`
	IPAddress           string `json:"ip_address"`
	DeviceFilter        string `json:"device_filter"`
	RefreshIntervalMS   int    `json:"refresh_interval_ms"`
	HeartbeatIntervalMS int    `json:"heartbeat_interval_ms"`
	RequestTimeoutMS    int    `json:"request_timeout_ms"`
	DiscoverBroker      bool   `json:"discover_broker"`
	LogLevel            string `json:"log_level"`
	MetricsAddr         string `json:"metrics_addr"`
}

// Class returns the configured device class, defaulting to desktop-class.
func (c *ClientConfig) Class() models.DeviceClass {
	class, err := models.ParseDeviceClass(c.DeviceClass)
	if err != nil || class == models.DeviceClassUnknown {
		return models.DeviceClassDesktop
	}
	return class
}

// Filter returns the device class refreshed lists are restricted to. Unknown means all.
func (c *ClientConfig) Filter() models.DeviceClass {
	class, err := models.ParseDeviceClass(c.DeviceFilter)
	if err != nil {
		return models.DeviceClassUnknown
	}
	return class
}

// RefreshInterval returns the refresh period.
func (c *ClientConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat period.
func (c *ClientConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// RequestTimeout returns the per-request timeout.
func (c *ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SIGNIK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
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

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads config.json from disk, stripping comments before decoding.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(jsonc.ToJSON(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk. Comments in an existing file are not
// preserved.
func Save(path string, cfg *ClientConfig) error {
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

// LoadOrCreate ensures the data directory and config exist, then returns the config with
// environment overrides applied, and its path.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
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
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	ApplyEnv(cfg)
	return cfg, cfgPath, nil
}

// ApplyEnv overlays SIGNIK_* environment variables onto cfg.
func ApplyEnv(cfg *ClientConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvBrokerURL)); v != "" {
		cfg.BrokerURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceName)); v != "" {
		cfg.DeviceName = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
}

func defaultConfig() *ClientConfig {
	cfg := &ClientConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Signik Device"
}

func normalizeDefaults(cfg *ClientConfig) bool {
	updated := false

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = DefaultBrokerURL
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if class := cfg.Class().String(); cfg.DeviceClass != class {
		cfg.DeviceClass = class
		updated = true
	}

	// The filter names the class on the other side of a pairing.
	if _, err := models.ParseDeviceClass(cfg.DeviceFilter); err != nil || cfg.DeviceFilter == "" {
		filter := models.DeviceClassMobile
		if cfg.Class() == models.DeviceClassMobile {
			filter = models.DeviceClassDesktop
		}
		cfg.DeviceFilter = filter.String()
		updated = true
	}

	if cfg.RefreshIntervalMS <= 0 {
		cfg.RefreshIntervalMS = DefaultRefreshIntervalMS
		updated = true
	}
	if cfg.HeartbeatIntervalMS <= 0 {
		cfg.HeartbeatIntervalMS = DefaultHeartbeatIntervalMS
		updated = true
	}
	if cfg.RequestTimeoutMS <= 0 {
		cfg.RequestTimeoutMS = DefaultRequestTimeoutMS
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}
