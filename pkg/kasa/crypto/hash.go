// Package crypto implements the pure cryptographic primitives the
// transports (pkg/kasa/transport) build their handshakes and request
// encryption on top of: AES-CBC/ECB, RSA-1024 + OAEP, SHA-1/256, the
// KLAP digest/key-derivation schedule, and the XOR autokey stream.
//
// Every function here is a pure transform over byte slices — no I/O,
// no global state — so the transports can be tested against fixed
// fixtures without a network.
package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
)

// SHA256 returns the SHA-256 digest of data.
func SHA256(data ...[]byte) []byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// SHA1 returns the SHA-1 digest of data.
func SHA1(data ...[]byte) []byte {
	h := sha1.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// HMACSHA256 computes the HMAC-SHA256 of message under key, used by the
// camera (SslAes) transport to derive its stage "tag" header.
func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// AuthHash computes the KLAP auth hash for login version 2:
// SHA-256(SHA-1(username) || SHA-1(password)).
//
// Login version 1 hashes the concatenated credentials instead of each
// one separately; see AuthHashV1. Both orderings are kept because the source and captured
// fixtures disagree at the edges for some camera firmware (spec.md §4.2.3
// Open Questions) — callers pick one via ConnectionParameters.LoginVersion.
func AuthHash(username, password string) []byte {
	return SHA256(SHA1([]byte(username)), SHA1([]byte(password)))
}

// AuthHashV1 computes the login-version-1 auth hash. Canonical captures
// show v1 hashing the concatenation of the raw credentials before the
// outer digest, rather than hashing each credential independently.
func AuthHashV1(username, password string) []byte {
	return SHA256(SHA1([]byte(username + password)))
}

// KlapKeys holds the session key material derived once per handshake.
type KlapKeys struct {
	Key    []byte // AES-128 key, 16 bytes
	IVSeed []byte // 12-byte IV prefix
	Seq    int32  // initial sequence number, from bytes 12..15 of the iv digest
	Sig    []byte // 28-byte signature prefix for request digests
}

// DeriveKlapKeys implements the KLAP key/iv/seq/sig derivation schedule
// from spec.md §4.1:
//
//	key    = SHA256("lsk" || local_seed || remote_seed || auth_hash)[:16]
//	iv_dig = SHA256("iv"  || local_seed || remote_seed || auth_hash)
//	iv_seed, seq = iv_dig[:12], iv_dig[12:16] (big-endian uint32)
//	sig    = SHA256("ldk" || local_seed || remote_seed || auth_hash)[:28]
func DeriveKlapKeys(localSeed, remoteSeed, authHash []byte) *KlapKeys {
	key := SHA256([]byte("lsk"), localSeed, remoteSeed, authHash)[:16]
	ivDigest := SHA256([]byte("iv"), localSeed, remoteSeed, authHash)
	sig := SHA256([]byte("ldk"), localSeed, remoteSeed, authHash)[:28]

	seq := int32(ivDigest[12])<<24 | int32(ivDigest[13])<<16 | int32(ivDigest[14])<<8 | int32(ivDigest[15])

	return &KlapKeys{
		Key:    key,
		IVSeed: ivDigest[:12],
		Seq:    seq,
		Sig:    sig,
	}
}
