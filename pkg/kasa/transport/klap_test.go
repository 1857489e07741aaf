package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/crypto"
)

// fakeKlapServer emulates the two-stage handshake and encrypted
// request endpoint well enough to exercise KlapTransport end to end.
type fakeKlapServer struct {
	creds   config.Credentials
	loginV2 bool

	localSeed  []byte
	remoteSeed []byte
	keys       *crypto.KlapKeys
}

func newFakeKlapServer(creds config.Credentials) *httptest.Server {
	return newFakeKlapServerWithLoginVersion(creds, true)
}

func newFakeKlapServerWithLoginVersion(creds config.Credentials, loginV2 bool) *httptest.Server {
	f := &fakeKlapServer{creds: creds, loginV2: loginV2}
	mux := http.NewServeMux()
	mux.HandleFunc("/app/handshake1", f.handshake1)
	mux.HandleFunc("/app/handshake2", f.handshake2)
	mux.HandleFunc("/app/request", f.request)
	return httptest.NewServer(mux)
}

func (f *fakeKlapServer) authHash() []byte {
	if f.loginV2 {
		return crypto.AuthHash(f.creds.Username, f.creds.Password)
	}
	return crypto.AuthHashV1(f.creds.Username, f.creds.Password)
}

func (f *fakeKlapServer) handshake1(w http.ResponseWriter, r *http.Request) {
	localSeed, _ := io.ReadAll(r.Body)
	f.localSeed = localSeed

	remoteSeed := make([]byte, 16)
	for i := range remoteSeed {
		remoteSeed[i] = byte(200 + i)
	}
	f.remoteSeed = remoteSeed

	authHash := f.authHash()
	serverHash := crypto.SHA256(f.localSeed, f.remoteSeed, authHash)

	w.Write(append(append([]byte(nil), remoteSeed...), serverHash...))
}

func (f *fakeKlapServer) handshake2(w http.ResponseWriter, r *http.Request) {
	authHash := f.authHash()
	expected := crypto.SHA256(f.remoteSeed, f.localSeed, authHash)
	got, _ := io.ReadAll(r.Body)
	if string(got) != string(expected) {
		http.Error(w, "client confirm mismatch", http.StatusForbidden)
		return
	}
	f.keys = crypto.DeriveKlapKeys(f.localSeed, f.remoteSeed, authHash)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeKlapServer) request(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if len(body) < 32 {
		http.Error(w, "short body", http.StatusBadRequest)
		return
	}
	ciphertext := body[32:]
	seq := f.keys.Seq + 1
	iv := crypto.KlapIV(f.keys.IVSeed, seq)

	plaintext, err := crypto.AESCBCDecrypt(f.keys.Key, iv, ciphertext)
	if err != nil {
		http.Error(w, "decrypt failed", http.StatusForbidden)
		return
	}
	var req map[string]any
	_ = json.Unmarshal(plaintext, &req)

	respPlain, _ := json.Marshal(map[string]any{"error_code": 0, "result": map[string]any{"echo": req["method"]}})
	respCiphertext, _ := crypto.AESCBCEncrypt(f.keys.Key, iv, respPlain)
	respDigest := crypto.KlapDigest(f.keys.Sig, seq, respCiphertext)

	w.Write(append(append([]byte(nil), respDigest...), respCiphertext...))
}

func TestKlapTransportHandshakeAndRequest(t *testing.T) {
	creds := config.Credentials{Username: "user@example.com", Password: "secret"}
	server := newFakeKlapServer(creds)
	defer server.Close()

	host, port := splitTestServerAddr(t, server.URL)
	cfg := config.NewDeviceConfig(host)
	cfg.PortOverride = port
	cfg.Credentials = &creds

	tr, err := NewKlapTransport(cfg)
	if err != nil {
		t.Fatalf("NewKlapTransport: %v", err)
	}
	defer tr.Close()

	req, _ := json.Marshal(map[string]any{"method": "get_device_info"})
	resp, err := tr.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	result := parsed["result"].(map[string]any)
	if result["echo"] != "get_device_info" {
		t.Fatalf("echo = %v, want get_device_info", result["echo"])
	}
}

func TestKlapTransportHandshakeUsesLoginV1AuthHash(t *testing.T) {
	creds := config.Credentials{Username: "user@example.com", Password: "secret"}
	server := newFakeKlapServerWithLoginVersion(creds, false)
	defer server.Close()

	host, port := splitTestServerAddr(t, server.URL)
	cfg := config.NewDeviceConfig(host)
	cfg.PortOverride = port
	cfg.Credentials = &creds
	cfg.ConnectionParams.LoginVersion = 1

	tr, err := NewKlapTransport(cfg)
	if err != nil {
		t.Fatalf("NewKlapTransport: %v", err)
	}
	defer tr.Close()

	req, _ := json.Marshal(map[string]any{"method": "get_device_info"})
	resp, err := tr.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	result := parsed["result"].(map[string]any)
	if result["echo"] != "get_device_info" {
		t.Fatalf("echo = %v, want get_device_info", result["echo"])
	}
}

func TestKlapTransportHandshakeRejectsV2ServerWithV1Client(t *testing.T) {
	creds := config.Credentials{Username: "user@example.com", Password: "secret"}
	server := newFakeKlapServerWithLoginVersion(creds, true)
	defer server.Close()

	host, port := splitTestServerAddr(t, server.URL)
	cfg := config.NewDeviceConfig(host)
	cfg.PortOverride = port
	cfg.Credentials = &creds
	cfg.ConnectionParams.LoginVersion = 1

	tr, err := NewKlapTransport(cfg)
	if err != nil {
		t.Fatalf("NewKlapTransport: %v", err)
	}
	defer tr.Close()

	req, _ := json.Marshal(map[string]any{"method": "get_device_info"})
	if _, err := tr.Send(context.Background(), req); err == nil {
		t.Fatalf("expected handshake failure from mismatched auth hash ordering")
	}
}

func TestKlapTransportCredentialsHashIsStable(t *testing.T) {
	cfg := config.NewDeviceConfig("10.0.0.1")
	cfg.Credentials = &config.Credentials{Username: "a", Password: "b"}
	tr, err := NewKlapTransport(cfg)
	if err != nil {
		t.Fatalf("NewKlapTransport: %v", err)
	}
	defer tr.Close()

	h1 := tr.CredentialsHash()
	h2 := tr.CredentialsHash()
	if h1 != h2 || h1 == "" {
		t.Fatalf("CredentialsHash must be stable and non-empty")
	}
}
