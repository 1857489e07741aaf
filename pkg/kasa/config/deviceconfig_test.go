package config

import "testing"

func TestDeviceConfigRoundTripWithCredentials(t *testing.T) {
	cfg := DeviceConfig{
		Host:         "192.168.1.50",
		PortOverride: 9999,
		Timeout:      DefaultTimeout,
		Credentials:  &Credentials{Username: "user@example.com", Password: "secret"},
		ConnectionParams: ConnectionParameters{
			DeviceFamily:   FamilySmartTapoPlug,
			EncryptionType: EncryptionKlap,
			LoginVersion:   2,
		},
	}

	m := cfg.ToMap(ToMapOptions{})
	got, err := DeviceConfigFromMap(m)
	if err != nil {
		t.Fatalf("DeviceConfigFromMap: %v", err)
	}
	if !cfg.Equal(got) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, cfg)
	}
}

func TestDeviceConfigRoundTripWithCredentialsHash(t *testing.T) {
	cfg := DeviceConfig{
		Host:            "10.0.0.5",
		Timeout:         DefaultTimeout,
		CredentialsHash: "b2s0ZXN0aGFzaA==",
		ConnectionParams: ConnectionParameters{
			DeviceFamily:   FamilyIotSmartPlugSwitch,
			EncryptionType: EncryptionXor,
		},
	}

	m := cfg.ToMap(ToMapOptions{})
	if _, ok := m["credentials"]; ok {
		t.Fatalf("credentials must not be serialised alongside credentials_hash")
	}
	got, err := DeviceConfigFromMap(m)
	if err != nil {
		t.Fatalf("DeviceConfigFromMap: %v", err)
	}
	if !cfg.Equal(got) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, cfg)
	}
}

func TestDeviceConfigToMapExcludesHTTPClient(t *testing.T) {
	// ToMap returns a plain map, so check that it never writes an
	// "http_client" key.
	cfg := NewDeviceConfig("host")
	m := cfg.ToMap(ToMapOptions{})
	if _, ok := m["http_client"]; ok {
		t.Fatalf("http_client must never be serialised")
	}
}

func TestDeviceConfigFromMapRejectsUnknownField(t *testing.T) {
	m := map[string]any{
		"host":            "1.2.3.4",
		"connection_type": map[string]any{"device_family": "IOT.SMARTPLUGSWITCH", "encryption_type": "Xor"},
		"bogus_field":     "oops",
	}
	if _, err := DeviceConfigFromMap(m); err == nil {
		t.Fatalf("expected an error for an unknown field")
	}
}

func TestDeviceConfigFromMapRejectsBothCredentialForms(t *testing.T) {
	m := map[string]any{
		"host":             "1.2.3.4",
		"credentials_hash": "abc",
		"credentials":      map[string]any{"username": "u", "password": "p"},
		"connection_type":  map[string]any{"device_family": "IOT.SMARTPLUGSWITCH", "encryption_type": "Xor"},
	}
	if _, err := DeviceConfigFromMap(m); err == nil {
		t.Fatalf("expected an error when both credential forms are present")
	}
}

func TestConnectionParametersRoundTrip(t *testing.T) {
	cases := []ConnectionParameters{
		{DeviceFamily: FamilyIotSmartPlugSwitch, EncryptionType: EncryptionXor},
		{DeviceFamily: FamilySmartTapoBulb, EncryptionType: EncryptionKlap, LoginVersion: 2, UsesNewKlap: true},
		{DeviceFamily: FamilySmartIPCamera, EncryptionType: EncryptionAes, UsesHTTPS: true},
	}
	for _, cp := range cases {
		m := cp.ToMap()
		got, err := ConnectionParametersFromMap(m)
		if err != nil {
			t.Fatalf("ConnectionParametersFromMap: %v", err)
		}
		if got != cp {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, cp)
		}
	}
}
