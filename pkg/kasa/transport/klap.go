package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/crypto"
)

// KlapDefaultPort is the port the KLAP handshake and request endpoints
// listen on (shared with AesTransport's plaintext port).
const KlapDefaultPort = 80

// KlapTransport implements the challenge-response handshake and
// AES-CBC sealed-envelope session layer used by newer SMART-generation
// devices (spec.md §4.2.3): two handshake round trips establish shared
// key material from a local/remote seed pair and an auth hash, then
// every request is AES-CBC encrypted and prefixed with a 32-byte
// SHA-256 digest the receiver uses to detect replay/corruption.
type KlapTransport struct {
	host       string
	port       int
	creds      config.Credentials
	loginV2    bool
	useNewKlap bool
	client     *http.Client
	ownsClient bool

	mu        sync.Mutex
	keys      *crypto.KlapKeys
	seq       int32
	sessionOK bool
}

// NewKlapTransport creates a KlapTransport for cfg.
func NewKlapTransport(cfg config.DeviceConfig) (*KlapTransport, error) {
	port := KlapDefaultPort
	if cfg.PortOverride != 0 {
		port = cfg.PortOverride
	}

	var creds config.Credentials
	if cfg.Credentials != nil {
		creds = *cfg.Credentials
	} else {
		creds = config.DefaultCredentials
	}

	client := cfg.HTTPClient
	owns := false
	if client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, kerrors.NewConfigError("klap transport: cookie jar", err)
		}
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = config.DefaultTimeout
		}
		client = &http.Client{Jar: jar, Timeout: timeout}
		owns = true
	}

	return &KlapTransport{
		host:       cfg.Host,
		port:       port,
		creds:      creds,
		loginV2:    cfg.ConnectionParams.LoginVersion != 1,
		useNewKlap: cfg.ConnectionParams.UsesNewKlap,
		client:     client,
		ownsClient: owns,
	}, nil
}

// authHash returns the login-version-appropriate auth hash for creds:
// v2's independently-hashed username/password, or v1's hash-of-the-
// concatenation ordering, mirroring AesTransport.login's loginV2 branch.
func (t *KlapTransport) authHash(creds config.Credentials) []byte {
	if t.loginV2 {
		return crypto.AuthHash(creds.Username, creds.Password)
	}
	return crypto.AuthHashV1(creds.Username, creds.Password)
}

func (t *KlapTransport) DefaultPort() int { return KlapDefaultPort }

func (t *KlapTransport) Host() string { return t.host }

// Reset forgets the derived session keys, forcing re-handshake on the
// next Send.
func (t *KlapTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = nil
	t.sessionOK = false
	t.seq = 0
}

func (t *KlapTransport) Close() error {
	if t.ownsClient {
		t.client.CloseIdleConnections()
	}
	return nil
}

// CredentialsHash returns base64(local_auth_hash), the form spec.md
// §4.2.3 describes as persistable reconnect material: unlike AES, KLAP
// has no server-issued token, only the auth hash used in every handshake.
func (t *KlapTransport) CredentialsHash() string {
	return base64.StdEncoding.EncodeToString(t.authHash(t.creds))
}

func (t *KlapTransport) url(path string) string {
	return fmt.Sprintf("http://%s:%d/app/%s", t.host, t.port, path)
}

// Send performs the two-stage handshake on first use, then encrypts
// request with the derived session keys, prefixes it with the
// request digest, and posts it to the request endpoint.
func (t *KlapTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	t.mu.Lock()
	needsHandshake := t.keys == nil
	t.mu.Unlock()

	if needsHandshake {
		if err := t.handshakeWithFallback(ctx); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	keys := t.keys
	seq := t.seq + 1
	t.mu.Unlock()

	iv := crypto.KlapIV(keys.IVSeed, seq)
	ciphertext, err := crypto.AESCBCEncrypt(keys.Key, iv, request)
	if err != nil {
		return nil, kerrors.NewDeviceError("klap transport: encrypt request", 0, err)
	}
	digest := crypto.KlapDigest(keys.Sig, seq, ciphertext)
	body := append(append([]byte(nil), digest...), ciphertext...)

	reqURL := t.url("request")
	if t.useNewKlap {
		reqURL = fmt.Sprintf("%s?seq=%d", reqURL, seq)
	}

	respBody, status, err := t.post(ctx, reqURL, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusForbidden {
		t.Reset()
		return nil, kerrors.NewInvalidSessionError("klap transport: session rejected by device")
	}
	if status != http.StatusOK {
		return nil, kerrors.NewDeviceError(fmt.Sprintf("klap transport: HTTP %d", status), status, nil)
	}
	if len(respBody) < 32 {
		return nil, kerrors.NewDeviceError("klap transport: response shorter than digest prefix", 0, nil)
	}

	t.mu.Lock()
	t.seq = seq
	t.mu.Unlock()

	respCiphertext := respBody[32:]
	plaintext, err := crypto.AESCBCDecrypt(keys.Key, iv, respCiphertext)
	if err != nil {
		return nil, kerrors.NewDeviceError("klap transport: decrypt response", 0, err)
	}
	return plaintext, nil
}

// handshakeWithFallback tries the configured credentials first; if the
// server's confirmation hash rejects them, it retries once against the
// well-known default credentials before giving up, per spec.md §4.2.3.
func (t *KlapTransport) handshakeWithFallback(ctx context.Context) error {
	err := t.handshake(ctx, t.creds)
	if err == nil {
		return nil
	}
	kerr, ok := err.(*kerrors.KasaError)
	if !ok || kerr.Kind != kerrors.KindAuthentication || t.creds == config.DefaultCredentials {
		return err
	}
	return t.handshake(ctx, config.DefaultCredentials)
}

// handshake runs handshake1 (local seed exchange + server auth-hash
// confirmation) then handshake2 (client auth-hash confirmation),
// deriving session keys from the two seeds and the candidate
// credentials' login-version-appropriate auth hash (t.authHash). It
// returns an AuthenticationError if the server's confirmation hash
// doesn't match creds.
func (t *KlapTransport) handshake(ctx context.Context, creds config.Credentials) error {
	localSeed := make([]byte, 16)
	if _, err := rand.Read(localSeed); err != nil {
		return kerrors.NewAuthenticationError("klap transport: generate local seed", err)
	}

	resp1, status, err := t.post(ctx, t.url("handshake1"), localSeed)
	if err != nil {
		return err
	}
	if status != http.StatusOK || len(resp1) < 48 {
		return kerrors.NewAuthenticationError(fmt.Sprintf("klap transport: handshake1 failed (HTTP %d)", status), nil)
	}
	remoteSeed := resp1[:16]
	serverHash := resp1[16:48]

	authHash := t.authHash(creds)
	expectedServerHash := crypto.SHA256(localSeed, remoteSeed, authHash)
	if !bytes.Equal(serverHash, expectedServerHash) {
		return kerrors.NewAuthenticationError("klap transport: handshake1 hash mismatch (bad credentials)", nil)
	}

	clientConfirm := crypto.SHA256(remoteSeed, localSeed, authHash)
	_, status2, err := t.post(ctx, t.url("handshake2"), clientConfirm)
	if err != nil {
		return err
	}
	if status2 != http.StatusOK {
		return kerrors.NewAuthenticationError(fmt.Sprintf("klap transport: handshake2 rejected (HTTP %d)", status2), nil)
	}

	keys := crypto.DeriveKlapKeys(localSeed, remoteSeed, authHash)

	t.mu.Lock()
	t.keys = keys
	t.seq = keys.Seq
	t.sessionOK = true
	t.mu.Unlock()
	return nil
}

func (t *KlapTransport) post(ctx context.Context, url string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, kerrors.NewNetworkError("klap transport: build request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, kerrors.NewNetworkError("klap transport: request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, kerrors.NewNetworkError("klap transport: read response body", err)
	}
	return respBody, resp.StatusCode, nil
}
