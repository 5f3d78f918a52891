package cipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// AESCBCEncrypt PKCS#7-pads plaintext to the AES block size and encrypts it
// with AES-128-CBC using key as both the cipher key and the IV, matching the
// Portable-AES and Box-AES frame variants (spec 4.D).
func AESCBCEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, key)
	cbc.CryptBlocks(out, padded)
	return out, nil
}

// AESCBCDecrypt reverses AESCBCEncrypt and removes the PKCS#7 padding.
func AESCBCDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, key)
	cbc.CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("cannot unpad empty data")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > n {
		return nil, fmt.Errorf("invalid PKCS#7 padding")
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid PKCS#7 padding")
		}
	}
	return data[:n-padLen], nil
}
