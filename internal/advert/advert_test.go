package advert

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/jackery/blebridge/internal/cipher"
	"github.com/jackery/blebridge/internal/crc"
)

// buildServiceBlob constructs a 14-byte service-data payload the same way a
// real device would: model_code(2) || device_guid(6) || battery(1) ||
// reset_mark(2) || xor_mask(1) || crc16(swapped, 2), RC4-encrypted under the
// key derived from the (fake) serial number.
func buildServiceBlob(t *testing.T, rc4Key []byte, modelCode uint16, guid [6]byte, battery uint8, resetMark uint16, xorMask byte) []byte {
	t.Helper()

	plainHex := fmt.Sprintf("%04X", modelCode) + hex.EncodeToString(guid[:]) + fmt.Sprintf("%02X", battery) + fmt.Sprintf("%04X", resetMark)
	masked := cipher.XORWithByte(mustHex(t, plainHex), xorMask)
	withMask := masked + fmt.Sprintf("%02X", xorMask)
	withCRC := withMask + crc.Hex(withMask)

	plaintext := mustHex(t, withCRC)
	encrypted, err := cipher.RC4Crypt(plaintext, rc4Key)
	if err != nil {
		t.Fatalf("RC4Crypt: %v", err)
	}
	return encrypted
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad test hex %q: %v", s, err)
	}
	return b
}

func TestDeriveRoundTrip(t *testing.T) {
	// manufacturer_id 0x4A4B ("JK" swapped to app_type=0x4B? — see below),
	// following spec example 1: id_hex="4a4b", swapped="4b4a" -> app_type=0x4b,
	// sn_part1 = chr(0x4a) = "J".
	const manufacturerID = uint16(0x4A4B)
	manufacturerData := []byte("0DEVICE0012345") // 14 chars -> total SN 15 chars

	deviceSN := "J" + string(manufacturerData)
	if len(deviceSN) != 15 {
		t.Fatalf("test setup: want 15-char SN, got %d (%q)", len(deviceSN), deviceSN)
	}

	rc4Key := []byte(deviceSN[0:3] + deviceSN[len(deviceSN)-5:] + saltRC4)
	guid := [6]byte{0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6}
	serviceData := buildServiceBlob(t, rc4Key, 20, guid, 72, 0x0001, 0x5A)

	km, crcOK, err := Derive(manufacturerID, manufacturerData, serviceData)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if !crcOK {
		t.Error("expected CRC to validate for a well-formed blob")
	}
	if km.DeviceSN != deviceSN {
		t.Errorf("DeviceSN = %q, want %q", km.DeviceSN, deviceSN)
	}
	if km.ModelCode != 20 {
		t.Errorf("ModelCode = %d, want 20", km.ModelCode)
	}
	if km.BatteryLevel != 72 {
		t.Errorf("BatteryLevel = %d, want 72", km.BatteryLevel)
	}

	wantSuffix := deviceSN[len(deviceSN)-6:]
	wantMaterial := append([]byte(wantSuffix), guid[:]...)
	wantMaterial = append(wantMaterial, []byte(saltKey)...)
	wantKey := base64.StdEncoding.EncodeToString(wantMaterial)
	if km.EncryptionKey != wantKey {
		t.Errorf("EncryptionKey = %q, want %q", km.EncryptionKey, wantKey)
	}
}

func TestDeriveRejectsShortServiceData(t *testing.T) {
	_, _, err := Derive(0x4A4B, []byte("0DEVICE0012345"), []byte{0x01, 0x02})
	if err == nil {
		t.Error("expected error for too-short service data")
	}
}

func TestDeriveRejectsEmptyManufacturerData(t *testing.T) {
	_, _, err := Derive(0x4A4B, nil, make([]byte, 14))
	if err == nil {
		t.Error("expected error for empty manufacturer data")
	}
}
