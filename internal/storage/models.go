// Package storage provides SQLite-backed persistence for the Jackery BLE
// bridge: configured devices and their poll history.
package storage

import "time"

// DeviceConfig is an operator-entered row naming a device's BLE address and
// key material. It is distinct from model.DiscoveredDevice, which is a
// transient, unkeyed scan-time record that is never persisted.
type DeviceConfig struct {
	Name             string    `json:"name"`
	Address          string    `json:"address"`
	DeviceType       string    `json:"device_type"` // "portable" | "box"
	EncryptionKeyB64 string    `json:"encryption_key,omitempty"`
	ModelCode        *uint16   `json:"model_code,omitempty"`
	AutoDetect       bool      `json:"auto_detect"`
	PollInterval     int       `json:"poll_interval_seconds"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PollRecord is one row per poll attempt, used for the blectl history and
// status commands. Poll scheduling does not back off after failures.
type PollRecord struct {
	ID        int64     `json:"id"`
	DeviceName string   `json:"device_name"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}
