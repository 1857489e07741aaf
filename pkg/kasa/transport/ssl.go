package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/pkg/kasa/config"
)

// SslDefaultPort is the HTTPS port plain-JSON SMART-camera-family
// devices that skip the securePassthrough envelope listen on.
const SslDefaultPort = 443

var sslJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// SslTransport posts plain JSON over HTTPS with no additional
// encryption layer: the TLS channel is the only confidentiality
// boundary. Devices exposing this transport use a self-signed
// certificate, so certificate verification is skipped.
type SslTransport struct {
	host   string
	port   int
	client *http.Client
	owns   bool
}

// NewSslTransport creates an SslTransport for cfg.
func NewSslTransport(cfg config.DeviceConfig) *SslTransport {
	port := SslDefaultPort
	if cfg.PortOverride != 0 {
		port = cfg.PortOverride
	}
	client := cfg.HTTPClient
	owns := false
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = config.DefaultTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: insecureTransport(),
		}
		owns = true
	}
	return &SslTransport{host: cfg.Host, port: port, client: client, owns: owns}
}

func insecureTransport() *http.Transport {
	return &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
}

func (t *SslTransport) DefaultPort() int { return SslDefaultPort }

func (t *SslTransport) Host() string { return t.host }

// CredentialsHash is empty: SslTransport carries no login of its own,
// it is used for devices that authenticate once per request at a
// higher protocol layer.
func (t *SslTransport) CredentialsHash() string { return "" }

func (t *SslTransport) Reset() {}

func (t *SslTransport) Close() error {
	if t.owns {
		t.client.CloseIdleConnections()
	}
	return nil
}

func (t *SslTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	url := fmt.Sprintf("https://%s:%d/app", t.host, t.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(request))
	if err != nil {
		return nil, kerrors.NewNetworkError("ssl transport: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, kerrors.NewNetworkError("ssl transport: request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kerrors.NewNetworkError("ssl transport: read response body", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, kerrors.NewDeviceError(fmt.Sprintf("ssl transport: HTTP %d", resp.StatusCode), resp.StatusCode, nil)
	}

	var envelope struct {
		ErrorCode int `json:"error_code"`
	}
	if err := sslJSON.Unmarshal(body, &envelope); err == nil && envelope.ErrorCode != 0 {
		return nil, kerrors.NewDeviceError("ssl transport: device reported an error", envelope.ErrorCode, nil)
	}
	return body, nil
}
