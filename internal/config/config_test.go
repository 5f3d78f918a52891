package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
devices:
  - name: garage
    address: "AA:BB:CC:DD:EE:FF"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ControlPlane.ListenAddr != ":8787" {
		t.Errorf("expected default listen addr, got %q", cfg.ControlPlane.ListenAddr)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].DeviceType != "portable" {
		t.Fatalf("expected one device defaulted to portable, got %+v", cfg.Devices)
	}
	if cfg.Devices[0].PollIntervalSec != 30 {
		t.Errorf("expected default 30s poll interval, got %d", cfg.Devices[0].PollIntervalSec)
	}
}

func TestLoadRejectsDeviceWithoutAddress(t *testing.T) {
	path := writeConfig(t, `
devices:
  - name: garage
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for device missing an address")
	}
}

func TestConfigRoundTripsThroughYAML(t *testing.T) {
	model := uint16(21)
	cfg := Config{
		Devices: []DeviceEntry{{
			Name: "box-1", Address: "11:22:33:44:55:66", DeviceType: "box",
			ModelCode: &model, PollIntervalSec: 15,
		}},
		ControlPlane: ControlPlaneConfig{Enabled: true, ListenAddr: ":9000"},
	}
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var reloaded Config
	if err := yaml.Unmarshal(out, &reloaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(reloaded.Devices) != 1 || reloaded.Devices[0].Name != "box-1" {
		t.Fatalf("device entry lost in round trip: %+v", reloaded.Devices)
	}
	if reloaded.Devices[0].ModelCode == nil || *reloaded.Devices[0].ModelCode != 21 {
		t.Fatalf("model code lost in round trip: %+v", reloaded.Devices[0].ModelCode)
	}
}
