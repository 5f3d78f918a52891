// Package command builds the typed control and query frames a Jackery
// device understands: a magic-prefixed header followed by the UTF-8 hex of
// a compact JSON body (spec 4.E).
package command

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackery/blebridge/internal/model"
)

// ActionId is the 1-byte logical command/query identifier.
type ActionId uint8

const (
	ActionOutputDC          ActionId = 1
	ActionOutputDCUSB       ActionId = 2
	ActionOutputDCCar       ActionId = 3
	ActionOutputAC          ActionId = 4
	ActionInputAC           ActionId = 5
	ActionInputDC           ActionId = 6
	ActionLightMode         ActionId = 7
	ActionScreenTime        ActionId = 8
	ActionAutoShutdown      ActionId = 9
	ActionChargeModel       ActionId = 10
	ActionBatteryModel      ActionId = 11
	ActionPowerMode         ActionId = 12
	ActionSuperCharge       ActionId = 13
	ActionUPSMode           ActionId = 14
	ActionTimeSync          ActionId = 15
	ActionQueryStrategy     ActionId = 16
	ActionInsertStrategy    ActionId = 17
	ActionUpdateStrategy    ActionId = 18
	ActionDeleteStrategy    ActionId = 19
	ActionQueryCurrent      ActionId = 20
	ActionDeviceType        ActionId = 21
	ActionDeviceEnable      ActionId = 22
	ActionBatteryBoundary   ActionId = 23
	ActionOutputACTime      ActionId = 24
	ActionOutputDCTime      ActionId = 25
	ActionOutputDCUSBTime   ActionId = 26
	ActionOutputDCCarTime   ActionId = 27
	ActionChargeSchedule    ActionId = 28
	ActionPowerPackList     ActionId = 248
	ActionElectricityData   ActionId = 249
	ActionWifiList          ActionId = 251
	ActionDeviceProperty    ActionId = 252
	// ActionWifiConnect and ActionOTAVersion are reserved for WiFi
	// provisioning and firmware update transport, both explicit Non-goals;
	// the codes are kept here because spec 4.E lists them as part of the
	// catalogue, but no builder method issues ActionOTAVersion.
	ActionWifiConnect ActionId = 253
	ActionOTAVersion  ActionId = 254
)

// MsgType is the 1-byte message-type tag accompanying every ActionId.
type MsgType uint8

const (
	MsgQuery          MsgType = 1
	MsgSetWifi        MsgType = 2
	MsgDeviceProperty MsgType = 3
	MsgSetControl     MsgType = 4
	MsgFirmwareInfo   MsgType = 5
	MsgFirmwarePage   MsgType = 6
	MsgPowerPack      MsgType = 7
	MsgTimeSync       MsgType = 8
)

const (
	prefixPortable = "DFEC00"
	prefixBox      = "DFED00"
)

// Builder assembles frame plaintext hex strings for one device kind.
type Builder struct {
	prefix string
}

// NewBuilder returns a Builder using the correct magic prefix for kind.
func NewBuilder(kind model.DeviceKind) *Builder {
	prefix := prefixPortable
	if kind == model.DeviceKindBox {
		prefix = prefixBox
	}
	return &Builder{prefix: prefix}
}

// compactJSON marshals v with no inserted whitespace — the on-wire length
// byte depends on every command using exactly this encoding.
func compactJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Build assembles prefix || action || msgType || bodyLen || bodyHex,
// uppercase. body is a compact JSON string; pass "" for bodyless frames.
func (b *Builder) Build(action ActionId, msgType MsgType, body string) string {
	bodyHex := ""
	if body != "" {
		bodyHex = hex.EncodeToString([]byte(body))
	}
	bodyLen := len(bodyHex) / 2
	command := fmt.Sprintf("%s%02x%02x%02x%s", b.prefix, uint8(action), uint8(msgType), uint8(bodyLen), bodyHex)
	return strings.ToUpper(command)
}

// QueryDeviceProperty builds the bodyless status poll sent on every
// coordinator refresh.
func (b *Builder) QueryDeviceProperty() string {
	return b.Build(ActionDeviceProperty, MsgDeviceProperty, "")
}

func (b *Builder) buildJSON(action ActionId, msgType MsgType, v interface{}) (string, error) {
	body, err := compactJSON(v)
	if err != nil {
		return "", err
	}
	return b.Build(action, msgType, body), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (b *Builder) SetDCOutput(enabled bool) (string, error) {
	return b.buildJSON(ActionOutputDC, MsgSetControl, map[string]int{"odc": boolToInt(enabled)})
}

func (b *Builder) SetDCUSBOutput(enabled bool) (string, error) {
	return b.buildJSON(ActionOutputDCUSB, MsgSetControl, map[string]int{"odcu": boolToInt(enabled)})
}

func (b *Builder) SetDCCarOutput(enabled bool) (string, error) {
	return b.buildJSON(ActionOutputDCCar, MsgSetControl, map[string]int{"odcc": boolToInt(enabled)})
}

func (b *Builder) SetACOutput(enabled bool) (string, error) {
	return b.buildJSON(ActionOutputAC, MsgSetControl, map[string]int{"oac": boolToInt(enabled)})
}

// LightMode mirrors the device's `lm` states: 0=off,1=low,2=high,3=sos.
type LightMode int

const (
	LightOff  LightMode = 0
	LightLow  LightMode = 1
	LightHigh LightMode = 2
	LightSOS  LightMode = 3
)

func (b *Builder) SetLightMode(mode LightMode) (string, error) {
	return b.buildJSON(ActionLightMode, MsgSetControl, map[string]int{"lm": int(mode)})
}

func (b *Builder) SetScreenTimeout(minutes int) (string, error) {
	return b.buildJSON(ActionScreenTime, MsgSetControl, map[string]int{"slt": minutes})
}

func (b *Builder) SetUPSMode(enabled bool) (string, error) {
	return b.buildJSON(ActionUPSMode, MsgSetControl, map[string]int{"ups": boolToInt(enabled)})
}

func (b *Builder) SetSuperCharge(enabled bool) (string, error) {
	return b.buildJSON(ActionSuperCharge, MsgSetControl, map[string]int{"sfc": boolToInt(enabled)})
}

// SetPowerMode sets the energy-saving auto-shutdown timer in minutes; valid
// values are 0, 120, 480, 720, 1440 per the state-document `pm` key.
func (b *Builder) SetPowerMode(minutes int) (string, error) {
	return b.buildJSON(ActionPowerMode, MsgSetControl, map[string]int{"pm": minutes})
}

// SetChargeModel sets charge mode: 0=fast, 1=silent, 2=custom.
func (b *Builder) SetChargeModel(mode int) (string, error) {
	return b.buildJSON(ActionChargeModel, MsgSetControl, map[string]int{"cs": mode})
}

// SetBatteryModel sets battery-save mode: 0=full, 1=save, 2=custom.
func (b *Builder) SetBatteryModel(mode int) (string, error) {
	return b.buildJSON(ActionBatteryModel, MsgSetControl, map[string]int{"lps": mode})
}

func (b *Builder) SetBatteryBoundary(dischargeLimit, chargeLimit, backupCapacity int) (string, error) {
	return b.buildJSON(ActionBatteryBoundary, MsgSetControl, map[string]int{
		"dl": dischargeLimit,
		"cl": chargeLimit,
		"bc": backupCapacity,
	})
}

// SyncTime builds a TIME_SYNC frame carrying the current unix time and a
// caller-supplied UTC offset in seconds (coordinator applies DST, spec 4.I).
func (b *Builder) SyncTime(utcOffsetSeconds int) (string, error) {
	return b.buildJSON(ActionTimeSync, MsgTimeSync, map[string]int{
		"ts": int(time.Now().Unix()),
		"uo": utcOffsetSeconds,
	})
}

func (b *Builder) ConnectWifi(ssid, password string) (string, error) {
	return b.buildJSON(ActionWifiConnect, MsgSetWifi, map[string]string{
		"s": ssid,
		"p": password,
	})
}
