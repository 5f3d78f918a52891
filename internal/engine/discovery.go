package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackery/blebridge/internal/advert"
	"github.com/jackery/blebridge/internal/ble"
	"github.com/jackery/blebridge/internal/errs"
	"github.com/jackery/blebridge/internal/model"
)

// DefaultScanTimeout is spec §6's configured default discovery scan window.
const DefaultScanTimeout = 10 * time.Second

// Discover runs a BLE scan for Jackery devices for timeout (DefaultScanTimeout
// if <= 0). This is the scan-driven half of spec 2's flow — "G yields raw
// advertisements -> C produces (SN, model code, base64 key) -> caller
// configures D" — distinct from the direct connect-by-address path spec 9
// discusses: every discovered device whose advertisement carries both
// manufacturer and service data has its serial number, model code and
// encryption key derived via internal/advert before being returned.
func Discover(ctx context.Context, timeout time.Duration) ([]model.DiscoveredDevice, error) {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scanner := ble.NewScanner()
	var devices []model.DiscoveredDevice
	err := scanner.Scan(scanCtx, func(dev model.DiscoveredDevice, _ ble.Advertisement) {
		deriveKey(&dev)
		devices = append(devices, dev)
	})
	if err != nil {
		return nil, fmt.Errorf("engine: discover: %w: %w", errs.ErrScanFailed, err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("engine: discover: %w", errs.ErrNoDevicesFound)
	}
	return devices, nil
}

// deriveKey fills in dev's serial number, model code and encryption key from
// its raw advertisement data, leaving the device unkeyed on any derivation
// failure rather than dropping it (spec 4.C, 7: advert-decode failure is
// never fatal, the device simply surfaces without a key).
func deriveKey(dev *model.DiscoveredDevice) {
	if len(dev.ManufacturerData) == 0 || len(dev.ServiceData) == 0 {
		return
	}
	km, crcOK, err := advert.Derive(dev.ManufacturerID, dev.ManufacturerData, dev.ServiceData)
	if err != nil {
		log.Printf("engine: discover: %s: advertisement key derivation failed: %v", dev.Address, err)
		return
	}
	if !crcOK {
		log.Printf("engine: discover: %s: advertisement crc mismatch, key derived anyway", dev.Address)
	}
	dev.DeviceSN = km.DeviceSN
	modelCode := km.ModelCode
	dev.ModelCode = &modelCode
	dev.EncryptionKey = km.EncryptionKey
}
