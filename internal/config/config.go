// Package config loads the YAML fleet configuration a jackery-bled daemon
// runs from: one entry per device plus the control-plane, telemetry, storage
// and logging sections (spec-full 4.J).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceEntry is one configured device in the fleet file.
type DeviceEntry struct {
	Name             string `yaml:"name"`
	Address          string `yaml:"address"`
	DeviceType       string `yaml:"device_type"` // "portable" | "box"
	EncryptionKeyB64 string `yaml:"encryption_key,omitempty"`
	ModelCode        *uint16 `yaml:"model_code,omitempty"`
	AutoDetect       bool   `yaml:"auto_detect"`
	PollIntervalSec  int    `yaml:"poll_interval_seconds"`
}

// ControlPlaneConfig configures the local WebSocket control plane.
type ControlPlaneConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// TelemetryConfig configures the optional ZeroMQ state publisher.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	PubAddr string `yaml:"pub_addr"`
}

// StorageConfig configures the SQLite-backed device store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the top-level fleet configuration file.
type Config struct {
	Devices      []DeviceEntry      `yaml:"devices"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Storage      StorageConfig      `yaml:"storage"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// Default returns a Config with the top-level defaults called out in spec
// §6: control plane on :8787, telemetry disabled, SQLite under
// /var/lib/jackery-bled. The per-device 30s poll interval is applied by Load.
func Default() Config {
	return Config{
		ControlPlane: ControlPlaneConfig{Enabled: true, ListenAddr: ":8787"},
		Telemetry:    TelemetryConfig{Enabled: false, PubAddr: "tcp://*:5556"},
		Storage:      StorageConfig{Path: "/var/lib/jackery-bled/devices.db"},
		Logging:      LoggingConfig{Level: "info"},
	}
}

// Load reads and parses a YAML fleet configuration file, applying defaults
// for anything left unset and validating that every device has a name and
// address.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.ControlPlane.ListenAddr == "" {
		cfg.ControlPlane.ListenAddr = ":8787"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/jackery-bled/devices.db"
	}

	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Name == "" {
			return nil, fmt.Errorf("config: device %d is missing a name", i)
		}
		if d.Address == "" {
			return nil, fmt.Errorf("config: device %q is missing an address", d.Name)
		}
		if d.DeviceType == "" {
			d.DeviceType = "portable"
		}
		if d.PollIntervalSec <= 0 {
			d.PollIntervalSec = 30
		}
	}
	return &cfg, nil
}

// PollInterval returns the device's poll interval as a time.Duration.
func (d DeviceEntry) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSec) * time.Second
}
