package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// RSAKeySize is the key size the AES transport handshake generates
// in-process for each session, per spec.md §4.1.
const RSAKeySize = 1024

// GenerateRSAKeyPair generates a fresh RSA-1024 key pair for one AES
// transport handshake.
func GenerateRSAKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeySize)
	if err != nil {
		return nil, fmt.Errorf("crypto: rsa keygen: %w", err)
	}
	return key, nil
}

// PublicKeyPEM exports the RSA public key as a PEM-encoded PKIX block,
// the form the device's handshake request expects under "key".
func PublicKeyPEM(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// RSAOAEPDecrypt decrypts the server's session-seed response with
// OAEP-SHA1, the scheme the AES transport handshake uses.
func RSAOAEPDecrypt(key *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: rsa-oaep decrypt: %w", err)
	}
	return plaintext, nil
}
