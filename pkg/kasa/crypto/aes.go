package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// PKCS7Pad pads data to a multiple of blockSize per PKCS#7.
func PKCS7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte(nil), data...), padding...)
}

// PKCS7Unpad strips PKCS#7 padding, validating its shape.
func PKCS7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, fmt.Errorf("crypto: invalid padded length %d", n)
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, fmt.Errorf("crypto: invalid PKCS7 padding length %d", padLen)
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("crypto: malformed PKCS7 padding")
		}
	}
	return data[:n-padLen], nil
}

// AESCBCEncrypt encrypts plaintext under key/iv using AES-CBC with
// PKCS#7 padding. key must be 16 bytes (AES-128) and iv 16 bytes.
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	padded := PKCS7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out, padded)
	return out, nil
}

// AESCBCDecrypt decrypts ciphertext under key/iv and strips PKCS#7 padding.
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypto: ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, ciphertext)
	return PKCS7Unpad(out, aes.BlockSize)
}

// AESECBEncrypt encrypts plaintext under key with AES-ECB and PKCS#7
// padding, one block at a time. Used by the KLAP variant that chains
// key material via the request sequence number rather than an IV.
func AESECBEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	padded := PKCS7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return out, nil
}

// AESECBDecrypt decrypts ciphertext under key with AES-ECB and strips
// PKCS#7 padding.
func AESECBDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 || len(ciphertext) == 0 {
		return nil, fmt.Errorf("crypto: ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}
	return PKCS7Unpad(out, aes.BlockSize)
}

// KlapIV builds the 16-byte CBC IV for a KLAP request: the 12-byte
// iv_seed followed by the big-endian 32-bit sequence number.
func KlapIV(ivSeed []byte, seq int32) []byte {
	iv := make([]byte, 16)
	copy(iv, ivSeed)
	iv[12] = byte(seq >> 24)
	iv[13] = byte(seq >> 16)
	iv[14] = byte(seq >> 8)
	iv[15] = byte(seq)
	return iv
}

// KlapDigest computes the 32-byte request/response digest prefix:
// SHA256(sig || seq_be32 || ciphertext).
func KlapDigest(sig []byte, seq int32, ciphertext []byte) []byte {
	seqBytes := []byte{byte(seq >> 24), byte(seq >> 16), byte(seq >> 8), byte(seq)}
	return SHA256(sig, seqBytes, ciphertext)
}

// AESGCMDecrypt decrypts an AES-GCM sealed box under key, where nonce
// is the leading 12 bytes of sealed and the trailing 16 bytes are the
// authentication tag appended by the sender (the shape the SMART
// discovery reply's encrypted body and the camera transport's stage
// tokens both use).
func AESGCMDecrypt(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: gcm ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// AESGCMEncrypt seals plaintext under key with the caller-supplied
// 12-byte nonce, returning nonce || ciphertext || tag.
func AESGCMEncrypt(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: nonce must be %d bytes", gcm.NonceSize())
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(append([]byte(nil), nonce...), sealed...), nil
}
