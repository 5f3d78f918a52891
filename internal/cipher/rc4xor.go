// Package cipher provides the symmetric primitives the Jackery frame codec
// and advertisement key deriver build on: RC4 and a single-byte XOR mask.
package cipher

import (
	"crypto/rc4"
	"encoding/hex"
	"strings"
)

// RC4Crypt runs RC4 over data with key and returns the result. RC4 is
// symmetric, so the same call encrypts and decrypts.
func RC4Crypt(data, key []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// XORWithByte XORs every byte of data with b and returns the lowercase hex
// encoding of the result.
func XORWithByte(data []byte, b byte) string {
	out := make([]byte, len(data))
	for i, v := range data {
		out[i] = v ^ b
	}
	return hex.EncodeToString(out)
}

// XORDecodeHex XORs the bytes of hexStr with the single byte encoded by
// xorKeyHex (two hex digits) and returns the lowercase hex result. It is the
// inverse pairing used when demasking advertisement blobs and portable-RC4
// frame bodies.
func XORDecodeHex(hexStr, xorKeyHex string) (string, error) {
	keyByte, err := hex.DecodeString(xorKeyHex)
	if err != nil || len(keyByte) != 1 {
		return "", errInvalidXORKey
	}
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return XORWithByte(data, keyByte[0]), nil
}

var errInvalidXORKey = &cipherError{"xor key must be exactly one hex byte"}

type cipherError struct{ msg string }

func (e *cipherError) Error() string { return e.msg }

// NormalizeKey truncates or zero-right-pads key material to exactly 16
// bytes, the fixed size every Jackery AES/RC4 key uses on the wire.
func NormalizeKey(key []byte) []byte {
	out := make([]byte, 16)
	copy(out, key)
	return out
}

// UpperHex is a small convenience used throughout the codec: the canonical
// intermediate representation of every frame is uppercase hex.
func UpperHex(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}
