// Package frame implements the three Jackery wire encodings — Portable-RC4,
// Portable-AES, Box-AES — and the AutoDetect wrapper that probes between
// them when the variant isn't known up front.
//
// Every codec speaks uppercase hex as its canonical representation: Encrypt
// takes a plaintext hex frame (magic + action id + msg type + length + body,
// per spec 4.D) and returns ciphertext hex ready to write to the BLE
// characteristic; Decrypt reverses it, returning the frame body hex with the
// magic prefix, mask bytes, and CRC trailer stripped, or ("", false) if the
// frame doesn't validate. A validation failure is never an error — spec 7
// treats CRC/magic mismatches as silently recoverable.
package frame

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jackery/blebridge/internal/cipher"
	"github.com/jackery/blebridge/internal/crc"
	"github.com/jackery/blebridge/internal/model"
)

// Codec is one concrete frame encoding.
type Codec interface {
	Encrypt(plaintextHex string) (string, error)
	// Decrypt returns the frame body (magic stripped), uppercase hex, and
	// true on success; ("", false) if the frame fails to validate.
	Decrypt(ciphertext []byte) (string, bool)
	Variant() model.EncryptionVariant
}

func randomByte() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	// spec requires a mask in [1, 255]; 0 would make the mask a no-op.
	if b[0] == 0 {
		b[0] = 1
	}
	return b[0], nil
}

func randomUint16() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(b[:])
	if v == 0 {
		v = 1
	}
	return v, nil
}

// --- Portable-RC4 -----------------------------------------------------

const magicPortable = "DFEC"
const magicBox = "DFED"

// RC4Codec is the most common Portable encoding.
type RC4Codec struct {
	key []byte
}

// NewRC4Codec builds an RC4 codec from raw key bytes (no fixed-length
// requirement — RC4's key schedule accepts any length, unlike the AES
// variants).
func NewRC4Codec(key []byte) *RC4Codec {
	return &RC4Codec{key: key}
}

func (c *RC4Codec) Variant() model.EncryptionVariant { return model.VariantRC4Portable }

func (c *RC4Codec) Encrypt(plaintextHex string) (string, error) {
	securityByte, err := randomByte()
	if err != nil {
		return "", err
	}
	securityHex := fmt.Sprintf("%02x", securityByte)

	dataBytes, err := decodeHex(plaintextHex)
	if err != nil {
		return "", err
	}
	xorData := cipher.XORWithByte(dataBytes, securityByte)

	crcInput := xorData + securityHex
	crcHex := crc.Hex(crcInput)
	plaintext := xorData + securityHex + crcHex

	plaintextBytes, err := decodeHex(plaintext)
	if err != nil {
		return "", err
	}
	encrypted, err := cipher.RC4Crypt(plaintextBytes, c.key)
	if err != nil {
		return "", err
	}
	return cipher.UpperHex(encrypted), nil
}

func (c *RC4Codec) Decrypt(ciphertext []byte) (string, bool) {
	decrypted, err := cipher.RC4Crypt(ciphertext, c.key)
	if err != nil {
		return "", false
	}
	hexStr := cipher.UpperHex(decrypted)
	if len(hexStr) < 16 {
		return "", false
	}
	dataWithoutCRC := hexStr[:len(hexStr)-4]
	expectedCRC := hexStr[len(hexStr)-4:]
	if !strings.EqualFold(crc.Hex(dataWithoutCRC), expectedCRC) {
		return "", false
	}
	xorKeyHex := dataWithoutCRC[len(dataWithoutCRC)-2:]
	xorDataHex := dataWithoutCRC[:len(dataWithoutCRC)-2]
	decodedHex, err := cipher.XORDecodeHex(xorDataHex, xorKeyHex)
	if err != nil {
		return "", false
	}
	decodedHex = strings.ToUpper(decodedHex)
	if !strings.HasPrefix(decodedHex, magicPortable) {
		return "", false
	}
	return decodedHex[4:], true
}

// --- AES (Portable and Box) --------------------------------------------

// AESCodec implements both Portable-AES and Box-AES; they differ only in
// magic prefix and random-suffix length.
type AESCodec struct {
	key               []byte
	magic             string
	randomSuffixBytes int
	variant           model.EncryptionVariant
}

// NewPortableAESCodec builds the AES variant used by Portable model codes
// 20 and 21 (HP3600, E1500V2): 1-byte random suffix, DFEC magic.
func NewPortableAESCodec(key []byte) *AESCodec {
	return &AESCodec{
		key:               cipher.NormalizeKey(key),
		magic:             magicPortable,
		randomSuffixBytes: 1,
		variant:           model.VariantAESPortable,
	}
}

// NewBoxAESCodec builds the Box-AES variant: 2-byte random suffix, DFED
// magic.
func NewBoxAESCodec(key []byte) *AESCodec {
	return &AESCodec{
		key:               cipher.NormalizeKey(key),
		magic:             magicBox,
		randomSuffixBytes: 2,
		variant:           model.VariantAESBox,
	}
}

func (c *AESCodec) Variant() model.EncryptionVariant { return c.variant }

func (c *AESCodec) Encrypt(plaintextHex string) (string, error) {
	var suffixHex string
	if c.randomSuffixBytes == 2 {
		v, err := randomUint16()
		if err != nil {
			return "", err
		}
		suffixHex = fmt.Sprintf("%04x", v)
	} else {
		v, err := randomByte()
		if err != nil {
			return "", err
		}
		suffixHex = fmt.Sprintf("%02x", v)
	}

	dataWithSuffix := plaintextHex + suffixHex
	crcHex := crc.Hex(dataWithSuffix)
	dataWithCRC := dataWithSuffix + crcHex

	plaintext, err := decodeHex(dataWithCRC)
	if err != nil {
		return "", err
	}
	encrypted, err := cipher.AESCBCEncrypt(c.key, plaintext)
	if err != nil {
		return "", err
	}
	return cipher.UpperHex(encrypted), nil
}

func (c *AESCodec) Decrypt(ciphertext []byte) (string, bool) {
	decrypted, err := cipher.AESCBCDecrypt(c.key, ciphertext)
	if err != nil {
		return "", false
	}
	hexStr := cipher.UpperHex(decrypted)

	minLength := 16
	if c.randomSuffixBytes == 2 {
		minLength = 36
	}
	if len(hexStr) < minLength {
		return "", false
	}
	prefix := hexStr[:4]
	if prefix != c.magic {
		return "", false
	}
	dataForCRC := hexStr[:len(hexStr)-4]
	expectedCRC := hexStr[len(hexStr)-4:]
	if !strings.EqualFold(crc.Hex(dataForCRC), expectedCRC) {
		return "", false
	}
	suffixChars := c.randomSuffixBytes * 2
	payload := hexStr[4 : len(hexStr)-(suffixChars+4)]
	return payload, true
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("frame: odd-length hex string %q", s)
	}
	return hex.DecodeString(s)
}
