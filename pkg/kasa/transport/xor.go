package transport

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	jsoniter "github.com/json-iterator/go"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/crypto"
)

var xorJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// XorDefaultPort is the legacy IOT-generation plaintext-framed port.
const XorDefaultPort = 9999

// XorNetwork selects the socket type XorTransport dials.
type XorNetwork string

const (
	XorNetworkTCP XorNetwork = "tcp"
	XorNetworkUDP XorNetwork = "udp"
)

// XorTransport implements the unauthenticated XOR-stream transport
// (spec.md §4.2.1) over UDP or TCP. Every message is a 4-byte
// big-endian length prefix followed by the XOR-encrypted body on TCP;
// UDP omits the length prefix since datagram boundaries already frame
// the message. There is no handshake and no session to expire.
type XorTransport struct {
	host    string
	port    int
	network XorNetwork
	timeout time.Duration
}

// NewXorTransport creates an XorTransport for cfg. network defaults to
// TCP when unspecified.
func NewXorTransport(cfg config.DeviceConfig, network XorNetwork) *XorTransport {
	port := XorDefaultPort
	if cfg.PortOverride != 0 {
		port = cfg.PortOverride
	}
	if network == "" {
		network = XorNetworkTCP
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = config.DefaultTimeout
	}
	return &XorTransport{host: cfg.Host, port: port, network: network, timeout: timeout}
}

func (t *XorTransport) DefaultPort() int { return XorDefaultPort }

func (t *XorTransport) Host() string { return t.host }

// CredentialsHash is empty: XOR transports carry no credentials.
func (t *XorTransport) CredentialsHash() string { return "" }

// Reset is a no-op: there is no session state to forget.
func (t *XorTransport) Reset() {}

// Close is a no-op: XorTransport dials a fresh connection per Send.
func (t *XorTransport) Close() error { return nil }

func (t *XorTransport) addr() string {
	return fmt.Sprintf("%s:%d", t.host, t.port)
}

// Send dials a fresh connection, writes the XOR-encrypted request, and
// reads back the decrypted response. TCP frames with a 4-byte
// big-endian length prefix; UDP relies on datagram boundaries.
func (t *XorTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, string(t.network), t.addr())
	if err != nil {
		return nil, kerrors.NewNetworkError("xor transport: dial failed", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.timeout))
	}

	encrypted := crypto.XorEncrypt(request)

	switch t.network {
	case XorNetworkTCP:
		buf := make([]byte, 4+len(encrypted))
		binary.BigEndian.PutUint32(buf, uint32(len(encrypted)))
		copy(buf[4:], encrypted)
		if _, err := conn.Write(buf); err != nil {
			return nil, kerrors.NewNetworkError("xor transport: write failed", err)
		}

		var lenBuf [4]byte
		if _, err := readFull(conn, lenBuf[:]); err != nil {
			return nil, kerrors.NewNetworkError("xor transport: read length prefix failed", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := readFull(conn, body); err != nil {
			return nil, kerrors.NewNetworkError("xor transport: read body failed", err)
		}
		return crypto.XorDecrypt(body), nil

	case XorNetworkUDP:
		if _, err := conn.Write(encrypted); err != nil {
			return nil, kerrors.NewNetworkError("xor transport: write failed", err)
		}
		buf := make([]byte, 64*1024)
		n, err := conn.Read(buf)
		if err != nil {
			return nil, kerrors.NewTimeoutError("xor transport: read failed", err)
		}
		return crypto.XorDecrypt(buf[:n]), nil

	default:
		return nil, fmt.Errorf("xor transport: unknown network %q", t.network)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// xorSysinfoProbe is the canonical IOT discovery probe payload,
// {"system":{"get_sysinfo":null}}, XOR-encrypted with no length
// framing, for sending outside Send.
func xorSysinfoProbe() []byte {
	payload, _ := xorJSON.Marshal(map[string]any{
		"system": map[string]any{"get_sysinfo": nil},
	})
	return crypto.XorEncrypt(payload)
}

// XorSysinfoProbe exports xorSysinfoProbe. pkg/kasa/discovery builds
// its own probe and does not call it.
var XorSysinfoProbe = xorSysinfoProbe

// The blank reference keeps encoding/base64 imported. XorTransport's
// CredentialsHash is "" because it carries no login material; Aes,
// SslAes and Klap each return a base64-encoded hash of theirs.
var _ = base64.StdEncoding
