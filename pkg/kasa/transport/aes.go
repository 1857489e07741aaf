package transport

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"

	jsoniter "github.com/json-iterator/go"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/crypto"
)

// AesDefaultPort is the plaintext-HTTP port the SMART/KASA-generation
// "securePassthrough" handshake listens on.
const AesDefaultPort = 80

var aesJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// AesTransport implements the RSA-handshake + AES-CBC securePassthrough
// session layer (spec.md §4.2.2): the client generates an RSA-1024 key
// pair, the device returns an AES session seed encrypted under the
// client's public key, and every subsequent request/response body is
// AES-CBC encrypted and base64-wrapped inside a
// {"method":"securePassthrough", ...} envelope posted to /app.
type AesTransport struct {
	host        string
	port        int
	credentials config.Credentials
	loginV2     bool
	client      *http.Client
	ownsClient  bool

	mu         sync.Mutex
	privateKey *rsa.PrivateKey
	key        []byte // 16 bytes
	iv         []byte // 16 bytes
	token      string
}

// NewAesTransport creates an AesTransport for cfg. If cfg.HTTPClient is
// nil, AesTransport creates and owns its own client (with a cookie jar
// for the TP_SESSIONID cookie) and closes its idle connections on Close.
func NewAesTransport(cfg config.DeviceConfig) (*AesTransport, error) {
	port := AesDefaultPort
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
			return nil, kerrors.NewConfigError("aes transport: cookie jar", err)
		}
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = config.DefaultTimeout
		}
		client = &http.Client{Jar: jar, Timeout: timeout}
		owns = true
	}

	return &AesTransport{
		host:        cfg.Host,
		port:        port,
		credentials: creds,
		loginV2:     cfg.ConnectionParams.LoginVersion != 1,
		client:      client,
		ownsClient:  owns,
	}, nil
}

func (t *AesTransport) DefaultPort() int { return AesDefaultPort }

func (t *AesTransport) Host() string { return t.host }

func (t *AesTransport) appURL() string {
	return fmt.Sprintf("http://%s:%d/app", t.host, t.port)
}

// Reset forgets the session key and token so the next Send re-handshakes.
func (t *AesTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.privateKey = nil
	t.key = nil
	t.iv = nil
	t.token = ""
}

// Close releases the owned HTTP client's idle connections. A caller-
// injected client (cfg.HTTPClient) is left untouched.
func (t *AesTransport) Close() error {
	if t.ownsClient {
		t.client.CloseIdleConnections()
	}
	return nil
}

// CredentialsHash returns base64(json({"un":username,"pwd":password})),
// the login-blob form the device expects and a caller can persist.
func (t *AesTransport) CredentialsHash() string {
	blob, _ := aesJSON.Marshal(map[string]string{
		"un":  t.credentials.Username,
		"pwd": t.credentials.Password,
	})
	return base64.StdEncoding.EncodeToString(blob)
}

// Send performs the handshake and login on first use (or after Reset /
// an invalid-session response), then posts request wrapped in a
// securePassthrough envelope and returns the decrypted inner response.
func (t *AesTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
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

	resp, err := t.securePassthroughRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Response string `json:"response"`
		} `json:"result"`
	}
	if err := aesJSON.Unmarshal(resp, &envelope); err != nil {
		return nil, kerrors.NewDeviceError("aes transport: malformed securePassthrough envelope", 0, err)
	}
	if envelope.ErrorCode == errCodeSessionTimeout {
		t.Reset()
		return nil, kerrors.NewInvalidSessionError("aes transport: session expired")
	}
	if envelope.ErrorCode != 0 {
		return nil, kerrors.NewDeviceError("aes transport: device reported an error", envelope.ErrorCode, nil)
	}

	return t.decrypt([]byte(envelope.Result.Response))
}

const errCodeSessionTimeout = 9999

func (t *AesTransport) handshake(ctx context.Context) error {
	privateKey, err := crypto.GenerateRSAKeyPair()
	if err != nil {
		return kerrors.NewAuthenticationError("aes transport: rsa keygen", err)
	}
	pubPEM, err := crypto.PublicKeyPEM(privateKey)
	if err != nil {
		return kerrors.NewAuthenticationError("aes transport: export public key", err)
	}

	reqBody, _ := aesJSON.Marshal(map[string]any{
		"method": "handshake",
		"params": map[string]any{"key": pubPEM},
	})
	respBody, err := t.postPlain(ctx, reqBody)
	if err != nil {
		return err
	}

	var handshakeResp struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Key string `json:"key"`
		} `json:"result"`
	}
	if err := aesJSON.Unmarshal(respBody, &handshakeResp); err != nil {
		return kerrors.NewAuthenticationError("aes transport: malformed handshake response", err)
	}
	if handshakeResp.ErrorCode != 0 {
		return kerrors.NewAuthenticationError(fmt.Sprintf("aes transport: handshake rejected (%d)", handshakeResp.ErrorCode), nil)
	}

	encryptedSeed, err := base64.StdEncoding.DecodeString(handshakeResp.Result.Key)
	if err != nil {
		return kerrors.NewAuthenticationError("aes transport: handshake key not base64", err)
	}
	seed, err := crypto.RSAOAEPDecrypt(privateKey, encryptedSeed)
	if err != nil {
		return kerrors.NewAuthenticationError("aes transport: decrypt session seed", err)
	}
	if len(seed) < 32 {
		return kerrors.NewAuthenticationError("aes transport: session seed too short", nil)
	}

	t.mu.Lock()
	t.privateKey = privateKey
	t.key = seed[:16]
	t.iv = seed[16:32]
	t.mu.Unlock()
	return nil
}

func (t *AesTransport) login(ctx context.Context) error {
	var params map[string]any
	if t.loginV2 {
		params = map[string]any{
			"username": base64.StdEncoding.EncodeToString(crypto.SHA1([]byte(t.credentials.Username))),
			"password": base64.StdEncoding.EncodeToString([]byte(t.credentials.Password)),
		}
	} else {
		params = map[string]any{
			"username": t.credentials.Username,
			"password": t.credentials.Password,
		}
	}
	loginReq, _ := aesJSON.Marshal(map[string]any{
		"method": "login_device",
		"params": params,
	})

	resp, err := t.securePassthroughRequest(ctx, loginReq)
	if err != nil {
		return err
	}

	var envelope struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Response string `json:"response"`
		} `json:"result"`
	}
	if err := aesJSON.Unmarshal(resp, &envelope); err != nil {
		return kerrors.NewAuthenticationError("aes transport: malformed login envelope", err)
	}
	if envelope.ErrorCode != 0 {
		return kerrors.NewAuthenticationError(fmt.Sprintf("aes transport: login rejected (%d)", envelope.ErrorCode), nil)
	}

	inner, err := t.decrypt([]byte(envelope.Result.Response))
	if err != nil {
		return err
	}
	var loginResp struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	if err := aesJSON.Unmarshal(inner, &loginResp); err != nil {
		return kerrors.NewAuthenticationError("aes transport: malformed login result", err)
	}
	if loginResp.ErrorCode != 0 {
		return kerrors.NewAuthenticationError(fmt.Sprintf("aes transport: login_device rejected (%d)", loginResp.ErrorCode), nil)
	}

	t.mu.Lock()
	t.token = loginResp.Result.Token
	t.mu.Unlock()
	return nil
}

func (t *AesTransport) encrypt(plaintext []byte) (string, error) {
	t.mu.Lock()
	key, iv := t.key, t.iv
	t.mu.Unlock()
	ciphertext, err := crypto.AESCBCEncrypt(key, iv, plaintext)
	if err != nil {
		return "", kerrors.NewAuthenticationError("aes transport: encrypt", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (t *AesTransport) decrypt(b64 []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(b64))
	if err != nil {
		return nil, kerrors.NewDeviceError("aes transport: response not base64", 0, err)
	}
	t.mu.Lock()
	key, iv := t.key, t.iv
	t.mu.Unlock()
	plaintext, err := crypto.AESCBCDecrypt(key, iv, ciphertext)
	if err != nil {
		return nil, kerrors.NewDeviceError("aes transport: decrypt", 0, err)
	}
	return plaintext, nil
}

func (t *AesTransport) securePassthroughRequest(ctx context.Context, inner []byte) ([]byte, error) {
	encrypted, err := t.encrypt(inner)
	if err != nil {
		return nil, err
	}
	body, _ := aesJSON.Marshal(map[string]any{
		"method": "securePassthrough",
		"params": map[string]any{"request": encrypted},
	})

	t.mu.Lock()
	token := t.token
	t.mu.Unlock()

	url := t.appURL()
	if token != "" {
		url = fmt.Sprintf("%s?token=%s", url, token)
	}
	return t.post(ctx, url, body)
}

func (t *AesTransport) postPlain(ctx context.Context, body []byte) ([]byte, error) {
	return t.post(ctx, t.appURL(), body)
}

func (t *AesTransport) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, kerrors.NewNetworkError("aes transport: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, kerrors.NewNetworkError("aes transport: request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kerrors.NewNetworkError("aes transport: read response body", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, kerrors.NewDeviceError(fmt.Sprintf("aes transport: HTTP %d", resp.StatusCode), resp.StatusCode, nil)
	}
	return respBody, nil
}
