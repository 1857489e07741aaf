// Package transport implements the per-encryption session layer (C2):
// handshake, single-request encrypt/decrypt, cookie/token management,
// and reconnect-on-session-expiry, one instance per device. Protocol
// framing (batching, retry, child wrapping) lives one layer up in
// pkg/kasa/protocol.
package transport

import "context"

// Transport performs the handshake (if needed), encrypts and sends one
// request blob, and returns the decrypted response. Implementations
// are not safe for concurrent use by multiple goroutines on the same
// device; the device engine serialises access with its own mutex
// (spec.md §5).
type Transport interface {
	// Send performs a handshake if the session is not established,
	// sends one encrypted request, and returns the decrypted response.
	Send(ctx context.Context, request []byte) ([]byte, error)

	// Reset forgets session state (key material, cookies, tokens) so
	// the next Send re-handshakes.
	Reset()

	// Close releases sockets / HTTP clients owned by the transport.
	Close() error

	// CredentialsHash returns a stable, opaque string derived from the
	// login credentials (not session key material) that a caller can
	// persist as reconnect material. Aes and SslAes return base64 of a
	// {"un","pwd"} JSON object, which still holds the password; Klap
	// returns base64 of its auth hash; Xor and Ssl return "".
	CredentialsHash() string

	// DefaultPort is the well-known port for this transport's scheme.
	DefaultPort() int

	// Host returns the device address this transport is bound to, for
	// metrics labelling and logging.
	Host() string
}
