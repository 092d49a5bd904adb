package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"signik/models"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)
	t.Setenv(EnvBrokerURL, "")
	t.Setenv(EnvDeviceName, "")
	t.Setenv(EnvLogLevel, "")

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.BrokerURL != DefaultBrokerURL {
		t.Fatalf("expected default broker URL, got %q", firstCfg.BrokerURL)
	}
	if firstCfg.DeviceName == "" {
		t.Fatalf("expected non-empty device name")
	}
	if firstCfg.Class() != models.DeviceClassDesktop {
		t.Fatalf("expected desktop-class default, got %q", firstCfg.DeviceClass)
	}
	if firstCfg.Filter() != models.DeviceClassMobile {
		t.Fatalf("expected mobile-class filter default, got %q", firstCfg.DeviceFilter)
	}
	if firstCfg.RefreshInterval() != 5*time.Second {
		t.Fatalf("unexpected refresh interval %s", firstCfg.RefreshInterval())
	}
	if firstCfg.HeartbeatInterval() != 10*time.Second {
		t.Fatalf("unexpected heartbeat interval %s", firstCfg.HeartbeatInterval())
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if *secondCfg != *firstCfg {
		t.Fatalf("expected stable config, got %+v then %+v", firstCfg, secondCfg)
	}
}

func TestLoadAcceptsCommentsAndNormalizesMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)
	t.Setenv(EnvBrokerURL, "")
	t.Setenv(EnvDeviceName, "")
	t.Setenv(EnvLogLevel, "")

	raw := `{
  // broker on the office LAN
  "broker_url": "http://10.0.0.2:8000",
  "device_name": "Tablet",
  "device_class": "android", /* mobile-class */
  "refresh_interval_ms": 250,
}
`
	cfgPath := filepath.Join(tempDir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.BrokerURL != "http://10.0.0.2:8000" {
		t.Fatalf("unexpected broker URL %q", cfg.BrokerURL)
	}
	if cfg.Class() != models.DeviceClassMobile {
		t.Fatalf("expected mobile-class, got %q", cfg.DeviceClass)
	}
	if cfg.Filter() != models.DeviceClassDesktop {
		t.Fatalf("expected a mobile device to filter for desktop-class, got %q", cfg.DeviceFilter)
	}
	if cfg.RefreshInterval() != 250*time.Millisecond {
		t.Fatalf("expected configured refresh interval, got %s", cfg.RefreshInterval())
	}
	if cfg.RequestTimeoutMS != DefaultRequestTimeoutMS {
		t.Fatalf("expected default request timeout, got %d", cfg.RequestTimeoutMS)
	}

	persisted, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.LogLevel != DefaultLogLevel {
		t.Fatalf("expected normalized defaults to be persisted, got %q", persisted.LogLevel)
	}
}

func TestEnvironmentOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)
	t.Setenv(EnvBrokerURL, "http://broker.test:9000")
	t.Setenv(EnvDeviceName, "Kiosk")
	t.Setenv(EnvLogLevel, "debug")

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.BrokerURL != "http://broker.test:9000" || cfg.DeviceName != "Kiosk" || cfg.LogLevel != "debug" {
		t.Fatalf("environment overrides not applied: %+v", cfg)
	}

	persisted, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.BrokerURL != DefaultBrokerURL {
		t.Fatalf("environment override leaked into the file: %q", persisted.BrokerURL)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"broker_url": 42}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFilterAllMeansUnfiltered(t *testing.T) {
	cfg := &ClientConfig{DeviceFilter: "all"}
	normalizeDefaults(cfg)
	if cfg.DeviceFilter != "all" {
		t.Fatalf("expected explicit all filter to be kept, got %q", cfg.DeviceFilter)
	}
	if cfg.Filter() != models.DeviceClassUnknown {
		t.Fatalf("expected unknown class for all filter, got %q", cfg.Filter())
	}
}
