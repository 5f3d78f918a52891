// Package advert reconstructs a Jackery device's serial number and derives
// its per-device encryption key from raw BLE advertisement data (manufacturer
// data plus the service-data blob under service UUID 0000bdee-...).
//
// Every step here is byte-exact and fragile by nature — it reverses a vendor
// encoding that was never meant to be read by anyone but the Jackery app —
// so failures are reported, never panicked, and the caller is expected to
// treat a failed derivation as "this device showed up unkeyed."
package advert

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackery/blebridge/internal/cipher"
	"github.com/jackery/blebridge/internal/crc"
)

const (
	saltRC4 = "LYx*G!6u9#"
	saltKey = "6*SY1c5B9@"

	minSNLength  = 8
	fullSNLength = 15
)

// KeyMaterial is everything recovered from a single advertisement: the
// reconstructed serial number, the device GUID, the model code, and the
// derived base64 encryption key.
type KeyMaterial struct {
	DeviceSN      string
	DeviceGUID    []byte
	ModelCode     uint16
	BatteryLevel  uint8
	ResetMark     uint16
	AppType       uint8
	EncryptionKey string // base64
}

// Derive runs the full advert-decode pipeline described in spec 4.C:
// manufacturerID/manufacturerData rebuild the serial number, serviceData (14
// bytes) is RC4-decrypted and CRC-checked, then XOR-demasked to recover the
// model code, device GUID, battery level and reset mark, from which the
// final encryption key is derived.
//
// A CRC mismatch on the decrypted service blob is logged by the caller and
// NOT treated as fatal here — observed Jackery devices occasionally ship
// advertisements whose trailer fails this check while the remaining fields
// still decode correctly (spec 4.C step 4, spec 7).
func Derive(manufacturerID uint16, manufacturerData, serviceData []byte) (*KeyMaterial, bool, error) {
	deviceSN, appType, err := reconstructSN(manufacturerID, manufacturerData)
	if err != nil {
		return nil, false, err
	}
	if len(deviceSN) < minSNLength {
		return nil, false, fmt.Errorf("advert: serial number %q shorter than %d chars", deviceSN, minSNLength)
	}
	if len(serviceData) != 14 {
		return nil, false, fmt.Errorf("advert: service data must be 14 bytes, got %d", len(serviceData))
	}

	rc4Key := []byte(rc4KeyFromSN(deviceSN) + saltRC4)
	decrypted, err := cipher.RC4Crypt(serviceData, rc4Key)
	if err != nil {
		return nil, false, fmt.Errorf("advert: rc4 decrypt: %w", err)
	}
	decryptedHex := cipher.UpperHex(decrypted)

	dataForCRC := decryptedHex[:len(decryptedHex)-4]
	expectedCRC := decryptedHex[len(decryptedHex)-4:]
	crcOK := strings.EqualFold(crc.Hex(dataForCRC), expectedCRC)

	if len(dataForCRC) < 4 {
		return nil, crcOK, fmt.Errorf("advert: decrypted payload too short for xor mask")
	}
	payloadHex := dataForCRC[:len(dataForCRC)-2]
	xorKeyHex := dataForCRC[len(dataForCRC)-2:]

	decodedHex, err := cipher.XORDecodeHex(payloadHex, xorKeyHex)
	if err != nil {
		return nil, crcOK, fmt.Errorf("advert: xor demask: %w", err)
	}
	decodedHex = strings.ToUpper(decodedHex)
	if len(decodedHex) < 22 {
		return nil, crcOK, fmt.Errorf("advert: demasked payload too short, got %d hex chars", len(decodedHex))
	}

	modelCode, err := strconv.ParseUint(decodedHex[0:4], 16, 16)
	if err != nil {
		return nil, crcOK, fmt.Errorf("advert: bad model code: %w", err)
	}
	deviceGUID, err := hex.DecodeString(decodedHex[4:16])
	if err != nil {
		return nil, crcOK, fmt.Errorf("advert: bad device guid: %w", err)
	}
	var batteryLevel uint64
	var resetMark uint64
	if len(decodedHex) >= 18 {
		batteryLevel, _ = strconv.ParseUint(decodedHex[16:18], 16, 8)
	}
	if len(decodedHex) >= 22 {
		resetMark, _ = strconv.ParseUint(decodedHex[18:22], 16, 16)
	}

	encryptionKey := deriveEncryptionKey(deviceSN, deviceGUID)

	return &KeyMaterial{
		DeviceSN:      deviceSN,
		DeviceGUID:    deviceGUID,
		ModelCode:     uint16(modelCode),
		BatteryLevel:  uint8(batteryLevel),
		ResetMark:     uint16(resetMark),
		AppType:       appType,
		EncryptionKey: encryptionKey,
	}, crcOK, nil
}

// reconstructSN recovers (device_sn, app_type) from the manufacturer ID and
// payload. The manufacturer ID is formatted as 4 hex digits then
// byte-swapped: the first resulting byte is app_type, the second,
// ASCII-decoded, is the first character of the serial number. The remaining
// serial characters come straight from the manufacturer payload bytes.
func reconstructSN(manufacturerID uint16, manufacturerData []byte) (string, uint8, error) {
	idHex := fmt.Sprintf("%04x", manufacturerID)
	idSwapped := idHex[2:4] + idHex[0:2]

	appTypeVal, err := strconv.ParseUint(idSwapped[0:2], 16, 8)
	if err != nil {
		return "", 0, fmt.Errorf("advert: bad app type: %w", err)
	}
	snPart1Bytes, err := hex.DecodeString(idSwapped[2:])
	if err != nil {
		return "", 0, fmt.Errorf("advert: bad sn prefix: %w", err)
	}
	if len(manufacturerData) == 0 {
		return "", 0, fmt.Errorf("advert: empty manufacturer data")
	}
	return string(snPart1Bytes) + string(manufacturerData), uint8(appTypeVal), nil
}

func rc4KeyFromSN(sn string) string {
	if len(sn) >= fullSNLength {
		return sn[0:3] + sn[len(sn)-5:]
	}
	// Fall back to best-effort slices for a shorter-than-nominal SN; the
	// full pipeline still requires len(sn) >= minSNLength above.
	end := 3
	if end > len(sn) {
		end = len(sn)
	}
	start := len(sn) - 5
	if start < 0 {
		start = 0
	}
	return sn[:end] + sn[start:]
}

func deriveEncryptionKey(deviceSN string, deviceGUID []byte) string {
	suffix := deviceSN
	if len(deviceSN) >= 6 {
		suffix = deviceSN[len(deviceSN)-6:]
	}
	material := append([]byte(suffix), deviceGUID...)
	material = append(material, []byte(saltKey)...)
	return base64.StdEncoding.EncodeToString(material)
}
