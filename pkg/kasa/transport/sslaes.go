package transport

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"

	jsoniter "github.com/json-iterator/go"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/crypto"
)

// SslAesDefaultPort is the HTTPS port the camera-family securePassthrough
// variant listens on.
const SslAesDefaultPort = 443

var sslAesJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// SslAesTransport implements the HTTPS camera variant of the RSA
// handshake + AES-CBC session layer (spec.md §4.2.4): identical key
// exchange to AesTransport, but the session identifier is a "stok"
// path segment rather than a query-string token, and every request
// carries an HMAC-SHA256 "tag" header computed over the request body
// and the stage key so the device can reject a replayed or tampered
// envelope before it ever reaches the encrypted layer.
type SslAesTransport struct {
	host   string
	port   int
	creds  config.Credentials
	client *http.Client
	owns   bool

	mu         sync.Mutex
	privateKey *rsa.PrivateKey
	key        []byte
	iv         []byte
	stageKey   []byte // HMAC key for the tag header, derived at handshake
	stok       string
}

// NewSslAesTransport creates an SslAesTransport for cfg.
func NewSslAesTransport(cfg config.DeviceConfig) (*SslAesTransport, error) {
	port := SslAesDefaultPort
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
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = config.DefaultTimeout
		}
		client = &http.Client{Timeout: timeout, Transport: insecureTransport()}
		owns = true
	}

	return &SslAesTransport{host: cfg.Host, port: port, creds: creds, client: client, owns: owns}, nil
}

func (t *SslAesTransport) DefaultPort() int { return SslAesDefaultPort }

func (t *SslAesTransport) Host() string { return t.host }

func (t *SslAesTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.privateKey, t.key, t.iv, t.stageKey, t.stok = nil, nil, nil, nil, ""
}

func (t *SslAesTransport) Close() error {
	if t.owns {
		t.client.CloseIdleConnections()
	}
	return nil
}

// CredentialsHash returns base64(json({"un":username,"pwd":password})),
// matching AesTransport's shape since both share the RSA handshake envelope.
func (t *SslAesTransport) CredentialsHash() string {
	blob, _ := sslAesJSON.Marshal(map[string]string{
		"un":  t.creds.Username,
		"pwd": t.creds.Password,
	})
	return base64.StdEncoding.EncodeToString(blob)
}

func (t *SslAesTransport) baseURL() string {
	return fmt.Sprintf("https://%s:%d", t.host, t.port)
}

func (t *SslAesTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	t.mu.Lock()
	needsHandshake := t.key == nil
	t.mu.Unlock()

	if needsHandshake {
		if err := t.handshake(ctx); err != nil {
			return nil, err
		}
		if err := t.login(ctx); err != nil {
			return nil, err
		}
	}

	envelope, err := t.postEncrypted(ctx, request)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Response string `json:"response"`
		} `json:"result"`
	}
	if err := sslAesJSON.Unmarshal(envelope, &parsed); err != nil {
		return nil, kerrors.NewDeviceError("sslaes transport: malformed envelope", 0, err)
	}
	if parsed.ErrorCode == errCodeSessionTimeout {
		t.Reset()
		return nil, kerrors.NewInvalidSessionError("sslaes transport: session expired")
	}
	if parsed.ErrorCode != 0 {
		return nil, kerrors.NewDeviceError("sslaes transport: device reported an error", parsed.ErrorCode, nil)
	}
	return t.decrypt([]byte(parsed.Result.Response))
}

func (t *SslAesTransport) handshake(ctx context.Context) error {
	privateKey, err := crypto.GenerateRSAKeyPair()
	if err != nil {
		return kerrors.NewAuthenticationError("sslaes transport: rsa keygen", err)
	}
	pubPEM, err := crypto.PublicKeyPEM(privateKey)
	if err != nil {
		return kerrors.NewAuthenticationError("sslaes transport: export public key", err)
	}

	body, _ := sslAesJSON.Marshal(map[string]any{
		"method": "handshake",
		"params": map[string]any{"key": pubPEM},
	})
	resp, err := t.post(ctx, t.baseURL()+"/app", body, "")
	if err != nil {
		return err
	}

	var parsed struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Key string `json:"key"`
		} `json:"result"`
	}
	if err := sslAesJSON.Unmarshal(resp, &parsed); err != nil {
		return kerrors.NewAuthenticationError("sslaes transport: malformed handshake response", err)
	}
	if parsed.ErrorCode != 0 {
		return kerrors.NewAuthenticationError(fmt.Sprintf("sslaes transport: handshake rejected (%d)", parsed.ErrorCode), nil)
	}

	encSeed, err := base64.StdEncoding.DecodeString(parsed.Result.Key)
	if err != nil {
		return kerrors.NewAuthenticationError("sslaes transport: handshake key not base64", err)
	}
	seed, err := crypto.RSAOAEPDecrypt(privateKey, encSeed)
	if err != nil {
		return kerrors.NewAuthenticationError("sslaes transport: decrypt session seed", err)
	}
	if len(seed) < 32 {
		return kerrors.NewAuthenticationError("sslaes transport: session seed too short", nil)
	}

	t.mu.Lock()
	t.privateKey = privateKey
	t.key = seed[:16]
	t.iv = seed[16:32]
	t.stageKey = crypto.SHA256([]byte("stage"), seed[:32])
	t.mu.Unlock()
	return nil
}

func (t *SslAesTransport) login(ctx context.Context) error {
	loginReq, _ := sslAesJSON.Marshal(map[string]any{
		"method": "login",
		"params": map[string]any{"cnonce": hex.EncodeToString(crypto.SHA256([]byte(t.creds.Username))[:8]), "encrypt_type": "3", "password_hash": t.CredentialsHash()},
	})

	envelope, err := t.postEncrypted(ctx, loginReq)
	if err != nil {
		return err
	}
	var parsed struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Response string `json:"response"`
		} `json:"result"`
	}
	if err := sslAesJSON.Unmarshal(envelope, &parsed); err != nil {
		return kerrors.NewAuthenticationError("sslaes transport: malformed login envelope", err)
	}
	if parsed.ErrorCode != 0 {
		return kerrors.NewAuthenticationError(fmt.Sprintf("sslaes transport: login rejected (%d)", parsed.ErrorCode), nil)
	}

	inner, err := t.decrypt([]byte(parsed.Result.Response))
	if err != nil {
		return err
	}
	var loginResult struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Stok string `json:"stok"`
		} `json:"result"`
	}
	if err := sslAesJSON.Unmarshal(inner, &loginResult); err != nil {
		return kerrors.NewAuthenticationError("sslaes transport: malformed login result", err)
	}
	if loginResult.ErrorCode != 0 {
		return kerrors.NewAuthenticationError(fmt.Sprintf("sslaes transport: login rejected (%d)", loginResult.ErrorCode), nil)
	}

	t.mu.Lock()
	t.stok = loginResult.Result.Stok
	t.mu.Unlock()
	return nil
}

func (t *SslAesTransport) postEncrypted(ctx context.Context, inner []byte) ([]byte, error) {
	t.mu.Lock()
	key, iv, stageKey, stok := t.key, t.iv, t.stageKey, t.stok
	t.mu.Unlock()

	ciphertext, err := crypto.AESCBCEncrypt(key, iv, inner)
	if err != nil {
		return nil, kerrors.NewDeviceError("sslaes transport: encrypt", 0, err)
	}
	encoded := base64.StdEncoding.EncodeToString(ciphertext)

	body, _ := sslAesJSON.Marshal(map[string]any{
		"method": "securePassthrough",
		"params": map[string]any{"request": encoded},
	})

	url := t.baseURL() + "/app"
	if stok != "" {
		url = fmt.Sprintf("%s/stok=%s/app", t.baseURL(), stok)
	}

	tag := hex.EncodeToString(crypto.HMACSHA256(stageKey, body))
	return t.post(ctx, url, body, tag)
}

func (t *SslAesTransport) decrypt(b64 []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(b64))
	if err != nil {
		return nil, kerrors.NewDeviceError("sslaes transport: response not base64", 0, err)
	}
	t.mu.Lock()
	key, iv := t.key, t.iv
	t.mu.Unlock()
	plaintext, err := crypto.AESCBCDecrypt(key, iv, ciphertext)
	if err != nil {
		return nil, kerrors.NewDeviceError("sslaes transport: decrypt", 0, err)
	}
	return plaintext, nil
}

func (t *SslAesTransport) post(ctx context.Context, url string, body []byte, tag string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, kerrors.NewNetworkError("sslaes transport: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tag != "" {
		req.Header.Set("Tapo_tag", tag)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, kerrors.NewNetworkError("sslaes transport: request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kerrors.NewNetworkError("sslaes transport: read response body", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, kerrors.NewDeviceError(fmt.Sprintf("sslaes transport: HTTP %d", resp.StatusCode), resp.StatusCode, nil)
	}
	return respBody, nil
}
