package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/crypto"
	"github.com/johnpr01/go-kasa/pkg/kasa/device"
)

// fakeIotResponder listens on IotDiscoveryPort's local loopback
// equivalent and replies to every probe with a fixed XOR-encrypted
// sysinfo payload, emulating one IOT-generation device.
func fakeIotResponder(t *testing.T) {
	t.Helper()
	conn, err := net.ListenPacket("udp4", fmt.Sprintf("127.0.0.1:%d", IotDiscoveryPort))
	if err != nil {
		t.Skipf("cannot bind fixed discovery port in this sandbox: %v", err)
		return
	}
	go func() {
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			_ = crypto.XorDecrypt(buf[:n])
			payload, _ := json.Marshal(map[string]any{
				"system": map[string]any{
					"get_sysinfo": map[string]any{"deviceId": "plug-1", "alias": "Lamp"},
				},
			})
			conn.WriteTo(crypto.XorEncrypt(payload), addr)
		}
	}()
}

func TestDiscoverZeroTimeoutReturnsEmptyImmediately(t *testing.T) {
	results, err := Discover(context.Background(), Options{Timeout: 0})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results, got %d", len(results))
	}
}

func TestInferIotConnectionParamsPlugVsBulb(t *testing.T) {
	plug := inferIotConnectionParams(map[string]any{"alias": "plug"})
	if plug.DeviceFamily != config.FamilyIotSmartPlugSwitch {
		t.Fatalf("plug family = %v, want %v", plug.DeviceFamily, config.FamilyIotSmartPlugSwitch)
	}

	bulb := inferIotConnectionParams(map[string]any{"is_color": 1})
	if bulb.DeviceFamily != config.FamilyIotSmartBulb {
		t.Fatalf("bulb family = %v, want %v", bulb.DeviceFamily, config.FamilyIotSmartBulb)
	}
}

func TestParseIotReplyBuildsDeviceConfig(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{
		"system": map[string]any{
			"get_sysinfo": map[string]any{
				"deviceId": "plug-42", "alias": "Lamp",
				"model": "HS100(US)", "mac": "AA:BB:CC:DD:EE:FF",
				"hw_ver": "1.0", "sw_ver": "1.2.3",
			},
		},
	})
	encrypted := crypto.XorEncrypt(payload)

	result, ok := parseIotReply("192.168.1.20", encrypted)
	if !ok {
		t.Fatalf("parseIotReply rejected a well-formed reply")
	}
	if result.ID != "plug-42" {
		t.Fatalf("ID = %q, want plug-42", result.ID)
	}
	if result.DeviceConfig.ConnectionParams.EncryptionType != config.EncryptionXor {
		t.Fatalf("expected Xor encryption for an IOT reply")
	}
	if result.DeviceModel != "HS100(US)" || result.MAC != "AA:BB:CC:DD:EE:FF" || result.FwVer != "1.2.3" {
		t.Fatalf("unexpected discovery metadata: %+v", result)
	}
}

func TestParseSmartReplyCleartextBody(t *testing.T) {
	body, _ := json.Marshal(map[string]any{
		"device_id":    "bulb-7",
		"device_type":  "SMART.TAPOBULB",
		"device_model": "L530(US)",
		"mac":          "11:22:33:44:55:66",
		"hw_ver":       "2.0",
		"fw_ver":       "1.1.1",
		"mgt_encrypt_schm": map[string]any{
			"encrypt_type":     "KLAP",
			"lv":               float64(2),
			"is_support_https": false,
		},
	})
	buf := append(make([]byte, 16), body...)

	result, ok := parseSmartReply("192.168.1.30", buf)
	if !ok {
		t.Fatalf("parseSmartReply rejected a well-formed cleartext reply")
	}
	if result.ID != "bulb-7" {
		t.Fatalf("ID = %q, want bulb-7", result.ID)
	}
	cp := result.DeviceConfig.ConnectionParams
	if cp.DeviceFamily != config.FamilySmartTapoBulb {
		t.Fatalf("family = %v, want %v", cp.DeviceFamily, config.FamilySmartTapoBulb)
	}
	if cp.EncryptionType != config.EncryptionKlap || cp.LoginVersion != 2 {
		t.Fatalf("unexpected connection params: %+v", cp)
	}
	if result.DeviceModel != "L530(US)" || result.MAC != "11:22:33:44:55:66" || result.HwVer != "2.0" {
		t.Fatalf("unexpected discovery metadata: %+v", result)
	}
}

func TestParseSmartReplyGCMWrappedBody(t *testing.T) {
	plaintext, _ := json.Marshal(map[string]any{
		"device_id":   "hub-1",
		"device_type": "SMART.TAPOHUB",
		"mgt_encrypt_schm": map[string]any{
			"encrypt_type": "AES",
			"lv":           float64(1),
		},
	})
	nonce := make([]byte, 12)
	sealed, err := crypto.AESGCMEncrypt(discoveryGCMKey, nonce, plaintext)
	if err != nil {
		t.Fatalf("AESGCMEncrypt: %v", err)
	}
	buf := append(make([]byte, 16), sealed...)

	result, ok := parseSmartReply("192.168.1.31", buf)
	if !ok {
		t.Fatalf("parseSmartReply rejected a GCM-wrapped reply")
	}
	if result.ID != "hub-1" {
		t.Fatalf("ID = %q, want hub-1", result.ID)
	}
	cp := result.DeviceConfig.ConnectionParams
	if cp.DeviceFamily != config.FamilySmartTapoHub {
		t.Fatalf("family = %v, want %v", cp.DeviceFamily, config.FamilySmartTapoHub)
	}
	if cp.EncryptionType != config.EncryptionAes || cp.LoginVersion != 1 {
		t.Fatalf("unexpected connection params: %+v", cp)
	}
}

func TestSmartFamilyFromTypeTagUnknownDefaultsToTapoPlug(t *testing.T) {
	if got := smartFamilyFromTypeTag("SMART.SOMETHINGNEW"); got != config.FamilySmartTapoPlug {
		t.Fatalf("family = %v, want default %v", got, config.FamilySmartTapoPlug)
	}
}

// TestDiscoverAgainstLocalResponder is skipped automatically in
// sandboxes where binding the fixed discovery port isn't permitted;
// it still documents the end-to-end broadcast-probe contract.
func TestDiscoverAgainstLocalResponder(t *testing.T) {
	fakeIotResponder(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results, err := Discover(ctx, Options{Target: "127.0.0.1", Timeout: 500 * time.Millisecond, Packets: 1})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if r, ok := results["127.0.0.1"]; ok && r.ID != "plug-1" {
		t.Fatalf("unexpected discovered ID %q", r.ID)
	}
}

// TestDiscoverDevicesWithoutCredentialsBuildsUnupdatedDevices covers
// spec.md §4.4 point 5: a device is instantiated for every reply even
// when no credentials are supplied to drive an authenticated Update,
// and it is left in its pre-Update ("fresh") state rather than dialled
// out to eagerly.
func TestDiscoverDevicesWithoutCredentialsBuildsUnupdatedDevices(t *testing.T) {
	fakeIotResponder(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	found, err := DiscoverDevices(ctx, Options{Target: "127.0.0.1", Timeout: 500 * time.Millisecond, Packets: 1})
	if err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}
	dd, ok := found["127.0.0.1"]
	if !ok {
		t.Fatalf("expected a discovered device for 127.0.0.1, got %v", found)
	}
	if dd.Device == nil {
		t.Fatalf("expected a non-nil *device.Device")
	}
	if dd.Device.DeviceType() != device.TypeUnknown {
		t.Fatalf("device type = %v, want %v before any Update", dd.Device.DeviceType(), device.TypeUnknown)
	}
	if !dd.Device.LastUpdateTime().IsZero() {
		t.Fatalf("expected no Update to have run without credentials")
	}
}
