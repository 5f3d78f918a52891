package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackery/blebridge/internal/command"
)

const commandTimeout = 5 * time.Second

// dispatchCommand resolves env.Device's client, builds the frame its action
// names, and hands it to the coordinator's fire-and-forget-then-refresh path
// (spec.md §4.I step 4).
func (s *Server) dispatchCommand(env Envelope) error {
	client, ok := s.coordinator.Client(env.Device)
	if !ok {
		return fmt.Errorf("unknown device %q", env.Device)
	}

	plaintextHex, err := buildCommandFrame(client.Builder, env.Action, env.Args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return s.coordinator.SendControlCommand(ctx, env.Device, plaintextHex)
}

// buildCommandFrame maps one of the control plane's logical action names to
// the matching command.Builder method (spec 4.E's catalogue).
func buildCommandFrame(b *command.Builder, action string, args json.RawMessage) (string, error) {
	switch action {
	case "set_ac_output":
		var a struct {
			Enabled bool `json:"enabled"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetACOutput(a.Enabled)

	case "set_dc_output":
		var a struct {
			Enabled bool `json:"enabled"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetDCOutput(a.Enabled)

	case "set_dc_usb_output":
		var a struct {
			Enabled bool `json:"enabled"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetDCUSBOutput(a.Enabled)

	case "set_dc_car_output":
		var a struct {
			Enabled bool `json:"enabled"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetDCCarOutput(a.Enabled)

	case "set_light_mode":
		var a struct {
			Mode int `json:"mode"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetLightMode(command.LightMode(a.Mode))

	case "set_screen_timeout":
		var a struct {
			Minutes int `json:"minutes"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetScreenTimeout(a.Minutes)

	case "set_ups_mode":
		var a struct {
			Enabled bool `json:"enabled"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetUPSMode(a.Enabled)

	case "set_super_charge":
		var a struct {
			Enabled bool `json:"enabled"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetSuperCharge(a.Enabled)

	case "set_power_mode":
		var a struct {
			Minutes int `json:"minutes"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetPowerMode(a.Minutes)

	case "set_charge_model":
		var a struct {
			Mode int `json:"mode"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetChargeModel(a.Mode)

	case "set_battery_model":
		var a struct {
			Mode int `json:"mode"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetBatteryModel(a.Mode)

	case "set_battery_boundary":
		var a struct {
			DischargeLimit int `json:"discharge_limit"`
			ChargeLimit    int `json:"charge_limit"`
			BackupCapacity int `json:"backup_capacity"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.SetBatteryBoundary(a.DischargeLimit, a.ChargeLimit, a.BackupCapacity)

	case "connect_wifi":
		var a struct {
			SSID     string `json:"ssid"`
			Password string `json:"password"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return b.ConnectWifi(a.SSID, a.Password)

	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

func unmarshalArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return nil
	}
	return json.Unmarshal(args, v)
}
